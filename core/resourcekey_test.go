package core

import "testing"

func TestBuildAndUnsealResourceKeyForUser(t *testing.T) {
	enc, err := GenerateEncKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncKeyPair: %v", err)
	}
	key, err := GenerateResourceKey()
	if err != nil {
		t.Fatalf("GenerateResourceKey: %v", err)
	}
	var resourceID [ResourceIDSize]byte
	fillBytes(resourceID[:], 0x01)

	p, err := BuildKeyPublishToUser(resourceID, key, enc.Public)
	if err != nil {
		t.Fatalf("BuildKeyPublishToUser: %v", err)
	}
	if p.ResourceID != resourceID {
		t.Fatalf("resource id mismatch")
	}

	got, err := UnsealResourceKeyForUser(p, enc.Public, enc.Private)
	if err != nil {
		t.Fatalf("UnsealResourceKeyForUser: %v", err)
	}
	if got != key {
		t.Fatalf("resource key mismatch after unseal")
	}
}

func TestUnsealResourceKeyForUserWrongRecipientFails(t *testing.T) {
	enc, _ := GenerateEncKeyPair()
	other, _ := GenerateEncKeyPair()
	key, _ := GenerateResourceKey()
	var resourceID [ResourceIDSize]byte

	p, err := BuildKeyPublishToUser(resourceID, key, enc.Public)
	if err != nil {
		t.Fatalf("BuildKeyPublishToUser: %v", err)
	}
	if _, err := UnsealResourceKeyForUser(p, other.Public, other.Private); err == nil {
		t.Fatalf("expected unseal to fail for the wrong recipient")
	}
}

func TestBuildKeyPublishToUserGroupSameShapeAsUser(t *testing.T) {
	enc, _ := GenerateEncKeyPair()
	key, _ := GenerateResourceKey()
	var resourceID [ResourceIDSize]byte
	fillBytes(resourceID[:], 0x02)

	p, err := BuildKeyPublishToUserGroup(resourceID, key, enc.Public)
	if err != nil {
		t.Fatalf("BuildKeyPublishToUserGroup: %v", err)
	}
	got, err := UnsealResourceKeyForUser(KeyPublishToUser(p), enc.Public, enc.Private)
	if err != nil {
		t.Fatalf("UnsealResourceKeyForUser: %v", err)
	}
	if got != key {
		t.Fatalf("resource key mismatch")
	}
}

func TestBuildAndUnsealResourceKeyForProvisional(t *testing.T) {
	appEnc, err := GenerateEncKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncKeyPair app: %v", err)
	}
	tankerEnc, err := GenerateEncKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncKeyPair tanker: %v", err)
	}
	key, err := GenerateResourceKey()
	if err != nil {
		t.Fatalf("GenerateResourceKey: %v", err)
	}
	var resourceID [ResourceIDSize]byte
	fillBytes(resourceID[:], 0x03)

	recipient := ProvisionalIdentityRef{
		AppPublicEncryptionKey:    appEnc.Public,
		TankerPublicEncryptionKey: tankerEnc.Public,
	}
	fillBytes(recipient.AppPublicSignatureKey[:], 0x04)
	fillBytes(recipient.TankerPublicSignatureKey[:], 0x05)

	p, err := BuildKeyPublishToProvisionalUser(resourceID, key, recipient)
	if err != nil {
		t.Fatalf("BuildKeyPublishToProvisionalUser: %v", err)
	}

	got, err := UnsealResourceKeyForProvisional(p, appEnc.Public, appEnc.Private, tankerEnc.Public, tankerEnc.Private)
	if err != nil {
		t.Fatalf("UnsealResourceKeyForProvisional: %v", err)
	}
	if got != key {
		t.Fatalf("resource key mismatch after double unseal")
	}
}

func TestUnsealResourceKeyForProvisionalWrongOrderFails(t *testing.T) {
	appEnc, _ := GenerateEncKeyPair()
	tankerEnc, _ := GenerateEncKeyPair()
	key, _ := GenerateResourceKey()
	var resourceID [ResourceIDSize]byte

	recipient := ProvisionalIdentityRef{
		AppPublicEncryptionKey:    appEnc.Public,
		TankerPublicEncryptionKey: tankerEnc.Public,
	}
	p, err := BuildKeyPublishToProvisionalUser(resourceID, key, recipient)
	if err != nil {
		t.Fatalf("BuildKeyPublishToProvisionalUser: %v", err)
	}
	// Unsealing must happen tanker-then-app; swapping the keys must fail.
	if _, err := UnsealResourceKeyForProvisional(p, tankerEnc.Public, tankerEnc.Private, appEnc.Public, appEnc.Private); err == nil {
		t.Fatalf("expected unseal to fail with the wrong unsealing order")
	}
}
