// Package core – resource keys: per-resource symmetric keys and the
// key-publish blocks that distribute them (spec §3 "Resource key", §4.8).
package core

import "fmt"

// ProvisionalIdentityRef names a not-yet-registered recipient by its four
// public keys (spec §3 "Provisional user").
type ProvisionalIdentityRef struct {
	AppPublicSignatureKey    [SigPublicKeySize]byte
	TankerPublicSignatureKey [SigPublicKeySize]byte
	AppPublicEncryptionKey   [EncPublicKeySize]byte
	TankerPublicEncryptionKey [EncPublicKeySize]byte
}

// MaxShareBatch is the at-most-100-recipients-per-batch limit of spec §4.8.
const MaxShareBatch = 100

// BuildKeyPublishToUser seals resourceKey to a user's live public
// encryption key.
func BuildKeyPublishToUser(resourceID [ResourceIDSize]byte, resourceKey [ResourceKeySize]byte, recipientPublicEncryptionKey [EncPublicKeySize]byte) (KeyPublishToUser, error) {
	sealed, err := Seal(recipientPublicEncryptionKey, resourceKey[:])
	if err != nil {
		return KeyPublishToUser{}, fmt.Errorf("resourcekey: seal to user: %w", err)
	}
	var p KeyPublishToUser
	p.RecipientPublicEncryptionKey = recipientPublicEncryptionKey
	p.ResourceID = resourceID
	if err := exactSize("sealed_resource_key", sealed, SealedResourceKeySize); err != nil {
		return KeyPublishToUser{}, err
	}
	copy(p.SealedResourceKey[:], sealed)
	return p, nil
}

// BuildKeyPublishToUserGroup seals resourceKey to a group's live public
// encryption key; the wire shape is identical to BuildKeyPublishToUser.
func BuildKeyPublishToUserGroup(resourceID [ResourceIDSize]byte, resourceKey [ResourceKeySize]byte, groupPublicEncryptionKey [EncPublicKeySize]byte) (KeyPublishToUserGroup, error) {
	return BuildKeyPublishToUser(resourceID, resourceKey, groupPublicEncryptionKey)
}

// BuildKeyPublishToProvisionalUser doubly seals resourceKey: first to
// app-enc, then the result again to tanker-enc (spec §4.4, §4.8).
func BuildKeyPublishToProvisionalUser(resourceID [ResourceIDSize]byte, resourceKey [ResourceKeySize]byte, recipient ProvisionalIdentityRef) (KeyPublishToProvisionalUser, error) {
	onceSealed, err := Seal(recipient.AppPublicEncryptionKey, resourceKey[:])
	if err != nil {
		return KeyPublishToProvisionalUser{}, fmt.Errorf("resourcekey: seal to app key: %w", err)
	}
	twiceSealed, err := Seal(recipient.TankerPublicEncryptionKey, onceSealed)
	if err != nil {
		return KeyPublishToProvisionalUser{}, fmt.Errorf("resourcekey: seal to tanker key: %w", err)
	}
	var p KeyPublishToProvisionalUser
	p.AppPublicSignatureKey = recipient.AppPublicSignatureKey
	p.TankerPublicSignatureKey = recipient.TankerPublicSignatureKey
	p.ResourceID = resourceID
	if err := exactSize("doubly_sealed_resource_key", twiceSealed, TwoSealedKeySize); err != nil {
		return KeyPublishToProvisionalUser{}, err
	}
	copy(p.DoublySealedResourceKey[:], twiceSealed)
	return p, nil
}

// UnsealResourceKeyForUser recovers the resource key from a
// key_publish_to_user/group block using the recipient's private encryption
// key.
func UnsealResourceKeyForUser(p KeyPublishToUser, recipientPublic [EncPublicKeySize]byte, recipientPrivate [EncPrivateKeySize]byte) ([ResourceKeySize]byte, error) {
	raw, err := Unseal(recipientPublic, recipientPrivate, p.SealedResourceKey[:])
	if err != nil {
		return [ResourceKeySize]byte{}, err
	}
	var key [ResourceKeySize]byte
	if err := exactSize("resource_key", raw, ResourceKeySize); err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// UnsealResourceKeyForProvisional recovers the resource key from a
// key_publish_to_provisional_user block by unsealing twice, tanker key
// first, then app key (spec §4.8 "Claiming").
func UnsealResourceKeyForProvisional(p KeyPublishToProvisionalUser, appPublic, appPrivate [EncPublicKeySize]byte, tankerPublic [EncPublicKeySize]byte, tankerPrivate [EncPrivateKeySize]byte) ([ResourceKeySize]byte, error) {
	onceSealed, err := Unseal(tankerPublic, tankerPrivate, p.DoublySealedResourceKey[:])
	if err != nil {
		return [ResourceKeySize]byte{}, err
	}
	raw, err := Unseal(appPublic, appPrivate, onceSealed)
	if err != nil {
		return [ResourceKeySize]byte{}, err
	}
	var key [ResourceKeySize]byte
	if err := exactSize("resource_key", raw, ResourceKeySize); err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}
