package core

import "testing"

func TestGroupRegistryApplyCreation(t *testing.T) {
	gr := NewGroupRegistry()
	rec := UserGroupCreation{
		Version: 1,
		Members: []GroupMemberEntry{makeGroupMemberEntry(1), makeGroupMemberEntry(2)},
	}
	fillBytes(rec.PublicSignatureKey[:], 0x01)
	fillBytes(rec.PublicEncryptionKey[:], 0x02)
	blockHash := BlakeHash([]byte("creation-block"))

	g := gr.applyCreation(blockHash, rec, 10)

	var id GroupID
	copy(id[:], rec.PublicSignatureKey[:])
	got, ok := gr.Group(id)
	if !ok {
		t.Fatalf("expected group to be registered")
	}
	if got != g {
		t.Fatalf("expected Group() to return the same state applyCreation returned")
	}
	if got.LastGroupBlock != blockHash {
		t.Fatalf("last group block mismatch")
	}
	if len(got.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(got.Members))
	}
	for _, m := range rec.Members {
		if !gr.IsMember(id, m.UserID) {
			t.Fatalf("expected %x to be a member", m.UserID)
		}
	}
}

func TestGroupRegistryApplyAdditionAddsMembersOnly(t *testing.T) {
	gr := NewGroupRegistry()
	rec := UserGroupCreation{Version: 1, Members: []GroupMemberEntry{makeGroupMemberEntry(1)}}
	fillBytes(rec.PublicSignatureKey[:], 0x03)
	fillBytes(rec.PublicEncryptionKey[:], 0x04)
	gr.applyCreation(BlakeHash([]byte("c1")), rec, 1)

	var id GroupID
	copy(id[:], rec.PublicSignatureKey[:])

	newMember := makeGroupMemberEntry(5)
	addition := UserGroupAddition{Version: 1, Members: []GroupMemberEntry{newMember}}
	if err := gr.applyAddition(id, BlakeHash([]byte("a1")), addition); err != nil {
		t.Fatalf("applyAddition: %v", err)
	}

	g, _ := gr.Group(id)
	if len(g.Members) != 2 {
		t.Fatalf("expected 2 members after addition, got %d", len(g.Members))
	}
	if g.SignaturePublic != rec.PublicSignatureKey {
		t.Fatalf("expected signature key to be untouched by an addition")
	}
	if !gr.IsMember(id, newMember.UserID) {
		t.Fatalf("expected new member to be live")
	}
}

func TestGroupRegistryApplyAdditionToUnknownGroupFails(t *testing.T) {
	gr := NewGroupRegistry()
	var id GroupID
	fillBytes(id[:], 0xFF)
	if err := gr.applyAddition(id, BlakeHash([]byte("x")), UserGroupAddition{}); err == nil {
		t.Fatalf("expected error adding to an unknown group")
	}
}

func TestGroupRegistryApplyUpdateRotatesKeysAndClearsPrivate(t *testing.T) {
	gr := NewGroupRegistry()
	rec := UserGroupCreation{Version: 1, Members: []GroupMemberEntry{makeGroupMemberEntry(1)}}
	fillBytes(rec.PublicSignatureKey[:], 0x05)
	fillBytes(rec.PublicEncryptionKey[:], 0x06)
	gr.applyCreation(BlakeHash([]byte("c2")), rec, 1)

	var id GroupID
	copy(id[:], rec.PublicSignatureKey[:])

	g, _ := gr.Group(id)
	var priv [SigPrivateKeySize]byte
	g.SignaturePrivate = &priv

	update := UserGroupUpdate{Members: []GroupMemberEntry{makeGroupMemberEntry(9)}}
	fillBytes(update.NewPublicSignatureKey[:], 0x07)
	fillBytes(update.NewPublicEncryptionKey[:], 0x08)
	if err := gr.applyUpdate(id, BlakeHash([]byte("u1")), update); err != nil {
		t.Fatalf("applyUpdate: %v", err)
	}

	got, _ := gr.Group(id)
	if got.SignaturePublic != update.NewPublicSignatureKey {
		t.Fatalf("expected signature public key rotated")
	}
	if got.EncryptionPublic != update.NewPublicEncryptionKey {
		t.Fatalf("expected encryption public key rotated")
	}
	if got.SignaturePrivate != nil {
		t.Fatalf("expected signature private key cleared after rotation")
	}
}

func TestGroupRegistryGroupsForProvisional(t *testing.T) {
	gr := NewGroupRegistry()
	prov := makeGroupProvisionalMemberEntry(1)
	rec := UserGroupCreation{
		Version:            2,
		ProvisionalMembers: []GroupProvisionalMemberEntry{prov},
	}
	fillBytes(rec.PublicSignatureKey[:], 0x09)
	fillBytes(rec.PublicEncryptionKey[:], 0x0A)
	gr.applyCreation(BlakeHash([]byte("c3")), rec, 2)

	var id GroupID
	copy(id[:], rec.PublicSignatureKey[:])

	got := gr.GroupsForProvisional(prov.AppPublicSignatureKey, prov.TankerPublicSignatureKey)
	if len(got) != 1 || got[0] != id {
		t.Fatalf("expected to find group %x, got %v", id, got)
	}
}

func TestGroupRegistryGroupsForProvisionalUnknown(t *testing.T) {
	gr := NewGroupRegistry()
	var appSig, tankerSig [SigPublicKeySize]byte
	fillBytes(appSig[:], 0x11)
	fillBytes(tankerSig[:], 0x22)
	if got := gr.GroupsForProvisional(appSig, tankerSig); len(got) != 0 {
		t.Fatalf("expected no groups for an unknown provisional identity, got %v", got)
	}
}

func TestGroupRegistryIsMemberFalseForUnknownGroup(t *testing.T) {
	gr := NewGroupRegistry()
	var id GroupID
	if gr.IsMember(id, BlakeHash([]byte("someone"))) {
		t.Fatalf("expected IsMember to be false for an unknown group")
	}
}
