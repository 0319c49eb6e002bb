// Package core – devices and the ghost device (spec §3 "Device", "Ghost
// device", §4.6).
package core

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Device is the essential attribute set of a device_creation_v3 block, plus
// the replay-derived RevokedAtIndex.
type Device struct {
	ID                          Hash
	UserID                      Hash
	PublicSignatureKey          [SigPublicKeySize]byte
	PublicEncryptionKey         [EncPublicKeySize]byte
	IsGhost                     bool
	EncryptedUserPrivateKey     [SealedEncPrivSize]byte
	EphemeralPublicSignatureKey [SigPublicKeySize]byte
	DelegationSignature         [SignatureSize]byte

	// Revoked is true once a device_revocation block targeting this device
	// has been replayed. RevokedAtIndex records the server index at which
	// that happened, used by the verifier to decide whether an earlier
	// block authored by this device is still valid.
	Revoked      bool
	RevokedAtIndex uint64
}

func deviceFromCreation(id Hash, rec DeviceCreationV3) *Device {
	return &Device{
		ID:                          id,
		UserID:                      rec.UserID,
		PublicSignatureKey:          rec.PublicSignatureKey,
		PublicEncryptionKey:         rec.PublicEncryptionKey,
		IsGhost:                     rec.IsGhost,
		EncryptedUserPrivateKey:     rec.UserKeyPair.SealedPrivate,
		EphemeralPublicSignatureKey: rec.EphemeralPublicSignatureKey,
		DelegationSignature:         rec.DelegationSignature,
	}
}

// VerificationKey is the serialized ghost device secret material, handed to
// the user as a recovery factor (spec §6 "Verification key format").
type VerificationKey struct {
	PrivateSignatureKey  ed25519.PrivateKey
	PrivateEncryptionKey [EncPrivateKeySize]byte
}

type verificationKeyJSON struct {
	PrivateSignatureKey  string `json:"privateSignatureKey"`
	PrivateEncryptionKey string `json:"privateEncryptionKey"`
}

// GenerateVerificationKey creates a fresh ghost device key pair and encodes
// it as base64(JSON) per spec §6.
func GenerateVerificationKey() (VerificationKey, error) {
	sig, err := GenerateSigKeyPair()
	if err != nil {
		return VerificationKey{}, err
	}
	enc, err := GenerateEncKeyPair()
	if err != nil {
		return VerificationKey{}, err
	}
	return VerificationKey{PrivateSignatureKey: sig.Private, PrivateEncryptionKey: enc.Private}, nil
}

// Encode renders the verification key as base64(JSON).
func (v VerificationKey) Encode() (string, error) {
	j := verificationKeyJSON{
		PrivateSignatureKey:  base64.StdEncoding.EncodeToString(v.PrivateSignatureKey),
		PrivateEncryptionKey: base64.StdEncoding.EncodeToString(v.PrivateEncryptionKey[:]),
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("device: encode verification key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeVerificationKey parses a base64(JSON) verification key. Any
// corruption surfaces as ErrInvalidVerification, never a lower-level decode
// error (spec §6).
func DecodeVerificationKey(encoded string) (VerificationKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return VerificationKey{}, fmt.Errorf("device: %w", ErrInvalidVerification)
	}
	var j verificationKeyJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return VerificationKey{}, fmt.Errorf("device: %w", ErrInvalidVerification)
	}
	sigPriv, err := base64.StdEncoding.DecodeString(j.PrivateSignatureKey)
	if err != nil || len(sigPriv) != SigPrivateKeySize {
		return VerificationKey{}, fmt.Errorf("device: %w", ErrInvalidVerification)
	}
	encPriv, err := base64.StdEncoding.DecodeString(j.PrivateEncryptionKey)
	if err != nil || len(encPriv) != EncPrivateKeySize {
		return VerificationKey{}, fmt.Errorf("device: %w", ErrInvalidVerification)
	}
	var v VerificationKey
	v.PrivateSignatureKey = ed25519.PrivateKey(sigPriv)
	copy(v.PrivateEncryptionKey[:], encPriv)
	return v, nil
}

// GhostKeys reconstructs the ghost device's full key pairs from a
// verification key. The ghost device is never used to decrypt recipient
// traffic directly; it exists only to sign subsequent device_creation_v3
// blocks for the same user (spec §3 "Ghost device").
func (v VerificationKey) GhostKeys() (SigKeyPair, EncKeyPair) {
	sig := SigKeyPair{Public: v.PrivateSignatureKey.Public().(ed25519.PublicKey), Private: v.PrivateSignatureKey}
	enc, err := EncKeyPairFromSeed(v.PrivateEncryptionKey[:])
	if err != nil {
		// EncKeyPairFromSeed only fails on a wrong-sized seed, and
		// PrivateEncryptionKey is always EncPrivateKeySize by construction.
		panic(fmt.Errorf("device: rebuild ghost encryption key pair: %w", err))
	}
	return sig, enc
}
