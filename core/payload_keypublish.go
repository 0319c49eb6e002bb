package core

import "fmt"

const SealedResourceKeySize = ResourceKeySize + SealOverhead // 32+48

// KeyPublishToUser publishes a resource key sealed to a single user's live
// public encryption key, or a single device's public encryption key for the
// legacy key_publish_to_device kind (same shape, spec §4.4).
type KeyPublishToUser struct {
	RecipientPublicEncryptionKey [EncPublicKeySize]byte
	ResourceID                   [ResourceIDSize]byte
	SealedResourceKey            [SealedResourceKeySize]byte
}

func (p KeyPublishToUser) Serialize() []byte {
	return Concat(p.RecipientPublicEncryptionKey[:], p.ResourceID[:], p.SealedResourceKey[:])
}

func UnserializeKeyPublishToUser(data []byte) (KeyPublishToUser, error) {
	r := NewReader(data)
	var p KeyPublishToUser
	if err := readFixedField(r, "recipient_public_encryption_key", p.RecipientPublicEncryptionKey[:]); err != nil {
		return p, err
	}
	if err := readFixedField(r, "resource_id", p.ResourceID[:]); err != nil {
		return p, err
	}
	if err := readFixedField(r, "sealed_resource_key", p.SealedResourceKey[:]); err != nil {
		return p, err
	}
	if err := r.Done(); err != nil {
		return p, fmt.Errorf("payload: key_publish_to_user: %w", err)
	}
	return p, nil
}

// KeyPublishToUserGroup is identical in shape to KeyPublishToUser but the
// recipient key is the group's live public encryption key.
type KeyPublishToUserGroup = KeyPublishToUser

func UnserializeKeyPublishToUserGroup(data []byte) (KeyPublishToUserGroup, error) {
	return UnserializeKeyPublishToUser(data)
}

// KeyPublishToProvisionalUser publishes a resource key doubly sealed: once
// to the provisional's app encryption key, then the result sealed again to
// the provisional's tanker encryption key (spec §4.4, §4.8).
type KeyPublishToProvisionalUser struct {
	AppPublicSignatureKey    [SigPublicKeySize]byte
	TankerPublicSignatureKey [SigPublicKeySize]byte
	ResourceID               [ResourceIDSize]byte
	DoublySealedResourceKey  [TwoSealedKeySize]byte
}

func (p KeyPublishToProvisionalUser) Serialize() []byte {
	return Concat(p.AppPublicSignatureKey[:], p.TankerPublicSignatureKey[:], p.ResourceID[:], p.DoublySealedResourceKey[:])
}

func UnserializeKeyPublishToProvisionalUser(data []byte) (KeyPublishToProvisionalUser, error) {
	r := NewReader(data)
	var p KeyPublishToProvisionalUser
	if err := readFixedField(r, "app_public_signature_key", p.AppPublicSignatureKey[:]); err != nil {
		return p, err
	}
	if err := readFixedField(r, "tanker_public_signature_key", p.TankerPublicSignatureKey[:]); err != nil {
		return p, err
	}
	if err := readFixedField(r, "resource_id", p.ResourceID[:]); err != nil {
		return p, err
	}
	if err := readFixedField(r, "doubly_sealed_resource_key", p.DoublySealedResourceKey[:]); err != nil {
		return p, err
	}
	if err := r.Done(); err != nil {
		return p, fmt.Errorf("payload: key_publish_to_provisional_user: %w", err)
	}
	return p, nil
}
