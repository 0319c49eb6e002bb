package core

import "fmt"

const SealedProvisionalPrivateKeysSize = 2*EncPrivateKeySize + SealOverhead // 64+48

// ProvisionalIdentityClaim binds a provisional identity's two key pairs to
// the claiming user's live public encryption key. AuthorSignatureByAppKey
// and AuthorSignatureByTankerKey each prove possession of the corresponding
// provisional private signature key by signing (author device id || user
// id) — the same data shape as a device delegation signature (spec §3, §4.4).
type ProvisionalIdentityClaim struct {
	UserID                       Hash
	AppPublicSignatureKey        [SigPublicKeySize]byte
	TankerPublicSignatureKey     [SigPublicKeySize]byte
	AuthorSignatureByAppKey      [SignatureSize]byte
	AuthorSignatureByTankerKey   [SignatureSize]byte
	UserPublicEncryptionKey      [EncPublicKeySize]byte
	SealedProvisionalPrivateKeys [SealedProvisionalPrivateKeysSize]byte
}

// ClaimAuthorSignData is the data each of AuthorSignatureByAppKey and
// AuthorSignatureByTankerKey signs: author_device_id || user_id.
func ClaimAuthorSignData(authorDeviceID, userID Hash) []byte {
	return Concat(authorDeviceID[:], userID[:])
}

func (p ProvisionalIdentityClaim) Serialize() []byte {
	return Concat(
		p.UserID[:],
		p.AppPublicSignatureKey[:],
		p.TankerPublicSignatureKey[:],
		p.AuthorSignatureByAppKey[:],
		p.AuthorSignatureByTankerKey[:],
		p.UserPublicEncryptionKey[:],
		p.SealedProvisionalPrivateKeys[:],
	)
}

func UnserializeProvisionalIdentityClaim(data []byte) (ProvisionalIdentityClaim, error) {
	r := NewReader(data)
	var p ProvisionalIdentityClaim

	for _, f := range []struct {
		name string
		dst  []byte
	}{
		{"user_id", p.UserID[:]},
		{"app_public_signature_key", p.AppPublicSignatureKey[:]},
		{"tanker_public_signature_key", p.TankerPublicSignatureKey[:]},
		{"author_signature_by_app_key", p.AuthorSignatureByAppKey[:]},
		{"author_signature_by_tanker_key", p.AuthorSignatureByTankerKey[:]},
		{"user_public_encryption_key", p.UserPublicEncryptionKey[:]},
		{"sealed_provisional_private_keys", p.SealedProvisionalPrivateKeys[:]},
	} {
		if err := readFixedField(r, f.name, f.dst); err != nil {
			return p, err
		}
	}
	if err := r.Done(); err != nil {
		return p, fmt.Errorf("payload: provisional_identity_claim: %w", err)
	}
	return p, nil
}
