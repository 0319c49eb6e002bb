// Package core – local key store: the pluggable, AEAD-encrypted-at-rest
// adapter every session persists its key material through (spec §3 "Local
// storage").
//
// The eight tables below are the closed set of things a session ever needs
// to recall across restarts: this device's own keys, the user's private
// key history, group encryption key pairs the device holds in full, group
// signature keys of groups this device created, groups whose private key is
// still only sealed (not yet unsealed locally), provisional identity key
// pairs, resource keys, and registered verification methods.
package core

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Table names double as badgerstore key prefixes.
const (
	TableDeviceKeys                  = "device_keys"
	TableUserKeys                    = "user_keys"
	TableGroupEncryptionKeyPairs     = "group_encryption_key_pairs"
	TableGroupSignatureKeyPairs      = "group_signature_key_pairs"
	TableGroupsPendingEncryptionKeys = "groups_pending_encryption_keys"
	TableProvisionalUserKeys         = "provisional_user_keys"
	TableResourceKeys                = "resource_keys"
	TableVerificationMethods         = "verification_methods"
)

// CurrentSchemaVersion is the schema version this build writes. Stores
// opened at an older version are migrated in place by Migrate before use.
const CurrentSchemaVersion = 2

const schemaVersionKey = "__schema_version__"

// Store is the storage adapter contract every local key store backend
// implements (spec §3 "Local storage" — "pluggable adapter"). Values passed
// in are already AEAD-sealed by KeyStore; the adapter only deals in bytes.
type Store interface {
	Get(table string, key []byte) ([]byte, bool, error)
	Put(table string, key []byte, value []byte) error
	Delete(table string, key []byte) error
	Iterate(table string, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// KeyStore layers AEAD-encryption-at-rest and typed accessors over a raw
// Store, sealing every value under the session's user secret (GLOSSARY
// "User secret").
type KeyStore struct {
	backend    Store
	userSecret [ResourceKeySize]byte
}

// NewKeyStore wraps backend, sealing values under userSecret. It migrates
// the backend's schema version to CurrentSchemaVersion if it is older.
func NewKeyStore(backend Store, userSecret [ResourceKeySize]byte) (*KeyStore, error) {
	ks := &KeyStore{backend: backend, userSecret: userSecret}
	if err := ks.ensureSchema(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) ensureSchema() error {
	raw, ok, err := ks.backend.Get(TableVerificationMethods, []byte(schemaVersionKey))
	if err != nil {
		return fmt.Errorf("keystore: read schema version: %w", err)
	}
	if !ok {
		return ks.writeSchemaVersion(CurrentSchemaVersion)
	}
	plaintext, err := ks.open(TableVerificationMethods, []byte(schemaVersionKey), raw)
	if err != nil {
		return fmt.Errorf("keystore: decrypt schema version: %w", err)
	}
	var doc schemaVersionDoc
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return fmt.Errorf("keystore: parse schema version: %w", err)
	}
	if doc.Version == CurrentSchemaVersion {
		return nil
	}
	if err := Migrate(ks.backend, doc.Version, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("keystore: migrate schema: %w", err)
	}
	return ks.writeSchemaVersion(CurrentSchemaVersion)
}

type schemaVersionDoc struct {
	Version int `yaml:"version"`
}

func (ks *KeyStore) writeSchemaVersion(v int) error {
	doc := schemaVersionDoc{Version: v}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("keystore: encode schema version: %w", err)
	}
	return ks.put(TableVerificationMethods, []byte(schemaVersionKey), raw)
}

// seal AEAD-encrypts value, binding table||key as additional data so a
// value cannot be silently moved between tables or keys.
func (ks *KeyStore) seal(table string, key []byte, value []byte) ([]byte, error) {
	aad := append(append([]byte(table), ':'), key...)
	nonce, ciphertext, err := AEADEncrypt(ks.userSecret, value, aad)
	if err != nil {
		return nil, err
	}
	return append(nonce[:], ciphertext...), nil
}

func (ks *KeyStore) open(table string, key []byte, sealed []byte) ([]byte, error) {
	if len(sealed) < XChaChaNonceSize {
		return nil, fmt.Errorf("keystore: sealed value too short: %w", ErrTruncated)
	}
	var nonce [XChaChaNonceSize]byte
	copy(nonce[:], sealed[:XChaChaNonceSize])
	aad := append(append([]byte(table), ':'), key...)
	return AEADDecrypt(ks.userSecret, nonce, sealed[XChaChaNonceSize:], aad)
}

// put seals and writes value; identical (table, key, value) writes are
// idempotent since the backend simply overwrites with an equivalent sealed
// blob each time (spec §3 "idempotent writes").
func (ks *KeyStore) put(table string, key []byte, value []byte) error {
	sealed, err := ks.seal(table, key, value)
	if err != nil {
		return err
	}
	return ks.backend.Put(table, key, sealed)
}

func (ks *KeyStore) get(table string, key []byte) ([]byte, bool, error) {
	sealed, ok, err := ks.backend.Get(table, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plaintext, err := ks.open(table, key, sealed)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

// PutDeviceKeys stores this device's own signature and encryption private
// keys, indexed by device id.
func (ks *KeyStore) PutDeviceKeys(deviceID Hash, sig SigKeyPair, enc EncKeyPair) error {
	value := Concat(sig.Private, enc.Private[:])
	return ks.put(TableDeviceKeys, deviceID[:], value)
}

// GetDeviceKeys recovers the device's own key pairs.
func (ks *KeyStore) GetDeviceKeys(deviceID Hash) (SigKeyPair, EncKeyPair, bool, error) {
	raw, ok, err := ks.get(TableDeviceKeys, deviceID[:])
	if err != nil || !ok {
		return SigKeyPair{}, EncKeyPair{}, ok, err
	}
	if err := exactSize("device_keys", raw, SigPrivateKeySize+EncPrivateKeySize); err != nil {
		return SigKeyPair{}, EncKeyPair{}, false, err
	}
	sigPriv := append([]byte(nil), raw[:SigPrivateKeySize]...)
	sig := SigKeyPair{Private: sigPriv, Public: sigPriv[32:]}
	var enc EncKeyPair
	copy(enc.Private[:], raw[SigPrivateKeySize:])
	pub, err := EncKeyPairFromSeed(enc.Private[:])
	if err != nil {
		return SigKeyPair{}, EncKeyPair{}, false, err
	}
	return sig, pub, true, nil
}

// PutUserPrivateKey stores one generation of the user's private encryption
// key, keyed by its rotation index so history is retained (spec §3 "User").
func (ks *KeyStore) PutUserPrivateKey(userID Hash, atIndex uint64, priv [EncPrivateKeySize]byte) error {
	key := Concat(userID[:], encodeUint64(atIndex))
	return ks.put(TableUserKeys, key, priv[:])
}

// GetUserPrivateKey recovers the user's private encryption key as of index.
func (ks *KeyStore) GetUserPrivateKey(userID Hash, atIndex uint64) ([EncPrivateKeySize]byte, bool, error) {
	key := Concat(userID[:], encodeUint64(atIndex))
	raw, ok, err := ks.get(TableUserKeys, key)
	var priv [EncPrivateKeySize]byte
	if err != nil || !ok {
		return priv, ok, err
	}
	if err := exactSize("user_private_key", raw, EncPrivateKeySize); err != nil {
		return priv, false, err
	}
	copy(priv[:], raw)
	return priv, true, nil
}

// PutGroupEncryptionKeyPair stores a group's private encryption key, for
// groups this device holds the full private material for.
func (ks *KeyStore) PutGroupEncryptionKeyPair(id GroupID, priv [EncPrivateKeySize]byte) error {
	return ks.put(TableGroupEncryptionKeyPairs, id[:], priv[:])
}

// GetGroupEncryptionKeyPair recovers a stored group private encryption key.
func (ks *KeyStore) GetGroupEncryptionKeyPair(id GroupID) ([EncPrivateKeySize]byte, bool, error) {
	var priv [EncPrivateKeySize]byte
	raw, ok, err := ks.get(TableGroupEncryptionKeyPairs, id[:])
	if err != nil || !ok {
		return priv, ok, err
	}
	if err := exactSize("group_encryption_key_pair", raw, EncPrivateKeySize); err != nil {
		return priv, false, err
	}
	copy(priv[:], raw)
	return priv, true, nil
}

// PutGroupSignatureKeyPair stores a group's private signature key, for
// groups this device created or has otherwise recovered the signing key
// for (needed to sign future user_group_addition/update blocks).
func (ks *KeyStore) PutGroupSignatureKeyPair(id GroupID, priv [SigPrivateKeySize]byte) error {
	return ks.put(TableGroupSignatureKeyPairs, id[:], priv[:])
}

// GetGroupSignatureKeyPair recovers a stored group private signature key.
func (ks *KeyStore) GetGroupSignatureKeyPair(id GroupID) ([SigPrivateKeySize]byte, bool, error) {
	var priv [SigPrivateKeySize]byte
	raw, ok, err := ks.get(TableGroupSignatureKeyPairs, id[:])
	if err != nil || !ok {
		return priv, ok, err
	}
	if err := exactSize("group_signature_key_pair", raw, SigPrivateKeySize); err != nil {
		return priv, false, err
	}
	copy(priv[:], raw)
	return priv, true, nil
}

// PutPendingGroupEncryptionKey records a group's still-sealed private key,
// for a group this device is a member of but has not yet unsealed locally
// (e.g. received while the device itself was offline).
func (ks *KeyStore) PutPendingGroupEncryptionKey(id GroupID, sealed [SealedEncPrivSize]byte) error {
	return ks.put(TableGroupsPendingEncryptionKeys, id[:], sealed[:])
}

// GetPendingGroupEncryptionKey recovers a group's still-sealed private key.
func (ks *KeyStore) GetPendingGroupEncryptionKey(id GroupID) ([SealedEncPrivSize]byte, bool, error) {
	var sealed [SealedEncPrivSize]byte
	raw, ok, err := ks.get(TableGroupsPendingEncryptionKeys, id[:])
	if err != nil || !ok {
		return sealed, ok, err
	}
	if err := exactSize("pending_group_encryption_key", raw, SealedEncPrivSize); err != nil {
		return sealed, false, err
	}
	copy(sealed[:], raw)
	return sealed, true, nil
}

// ProvisionalUserPrivateKeys is the full key material for one attached
// provisional identity.
type ProvisionalUserPrivateKeys struct {
	AppEncryptionPrivate    [EncPrivateKeySize]byte
	TankerEncryptionPrivate [EncPrivateKeySize]byte
}

// PutProvisionalUserKeys stores the private key pair for a provisional
// identity, indexed by its two public signature keys.
func (ks *KeyStore) PutProvisionalUserKeys(appSig, tankerSig [SigPublicKeySize]byte, keys ProvisionalUserPrivateKeys) error {
	key := Concat(appSig[:], tankerSig[:])
	value := Concat(keys.AppEncryptionPrivate[:], keys.TankerEncryptionPrivate[:])
	return ks.put(TableProvisionalUserKeys, key, value)
}

// GetProvisionalUserKeys recovers a provisional identity's private key pair.
func (ks *KeyStore) GetProvisionalUserKeys(appSig, tankerSig [SigPublicKeySize]byte) (ProvisionalUserPrivateKeys, bool, error) {
	key := Concat(appSig[:], tankerSig[:])
	raw, ok, err := ks.get(TableProvisionalUserKeys, key)
	if err != nil || !ok {
		return ProvisionalUserPrivateKeys{}, ok, err
	}
	if err := exactSize("provisional_user_keys", raw, 2*EncPrivateKeySize); err != nil {
		return ProvisionalUserPrivateKeys{}, false, err
	}
	var out ProvisionalUserPrivateKeys
	copy(out.AppEncryptionPrivate[:], raw[:EncPrivateKeySize])
	copy(out.TankerEncryptionPrivate[:], raw[EncPrivateKeySize:])
	return out, true, nil
}

// PutResourceKey stores a resolved resource key, indexed by resource id.
func (ks *KeyStore) PutResourceKey(resourceID [ResourceIDSize]byte, key [ResourceKeySize]byte) error {
	return ks.put(TableResourceKeys, resourceID[:], key[:])
}

// GetResourceKey recovers a resource key by id.
func (ks *KeyStore) GetResourceKey(resourceID [ResourceIDSize]byte) ([ResourceKeySize]byte, bool, error) {
	var key [ResourceKeySize]byte
	raw, ok, err := ks.get(TableResourceKeys, resourceID[:])
	if err != nil || !ok {
		return key, ok, err
	}
	if err := exactSize("resource_key", raw, ResourceKeySize); err != nil {
		return key, false, err
	}
	copy(key[:], raw)
	return key, true, nil
}

// VerificationMethod records one way a user can prove their identity to
// re-attach a device (spec §6 surface "getVerificationMethods" —
// supplemented beyond spec.md's block-log core; see DESIGN.md).
type VerificationMethod struct {
	Kind             string // "passphrase", "verification_key", "oidc", ...
	EncryptedPayload []byte
}

// PutVerificationMethod registers or replaces a verification method for
// userID under its kind.
func (ks *KeyStore) PutVerificationMethod(userID Hash, m VerificationMethod) error {
	key := Concat(userID[:], []byte(m.Kind))
	return ks.put(TableVerificationMethods, key, m.EncryptedPayload)
}

// ListVerificationMethods returns every verification method kind registered
// for userID.
func (ks *KeyStore) ListVerificationMethods(userID Hash) ([]VerificationMethod, error) {
	var out []VerificationMethod
	err := ks.backend.Iterate(TableVerificationMethods, userID[:], func(key, sealed []byte) error {
		if len(key) <= HashSize {
			return nil
		}
		kind := string(key[HashSize:])
		if kind == schemaVersionKey {
			return nil
		}
		plaintext, err := ks.open(TableVerificationMethods, key, sealed)
		if err != nil {
			return err
		}
		out = append(out, VerificationMethod{Kind: kind, EncryptedPayload: plaintext})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: list verification methods: %w", err)
	}
	return out, nil
}

// Close releases the underlying backend.
func (ks *KeyStore) Close() error { return ks.backend.Close() }

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
