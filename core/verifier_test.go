package core

import (
	"encoding/base64"
	"testing"
)

func decodeCreatedBlock(t *testing.T, cb CreatedBlock) *Block {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(cb.SerializedBase64)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	b, err := UnserializeBlock(raw)
	if err != nil {
		t.Fatalf("UnserializeBlock: %v", err)
	}
	return b
}

// newVerifiedState builds a State with its root block and one registered
// user (ghost + first device) already applied, ready for further scenarios.
func newVerifiedState(t *testing.T) (*State, NewUserRegistration) {
	t.Helper()
	trustchainSig, err := GenerateSigKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigKeyPair: %v", err)
	}
	root := CreateRootBlock(trustchainSig.Public)
	s := NewState(root.TrustchainID, trustchainSig.Public)

	if _, err := s.VerifyAndApply(root, 0); err != nil {
		t.Fatalf("VerifyAndApply(root): %v", err)
	}

	userID := BlakeHash([]byte("user-1"))
	reg, err := RegisterUser(root.TrustchainID, trustchainSig.Private, userID)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	ghostBlock := decodeCreatedBlock(t, reg.GhostBlock)
	if _, err := s.VerifyAndApply(ghostBlock, 1); err != nil {
		t.Fatalf("VerifyAndApply(ghost): %v", err)
	}
	firstBlock := decodeCreatedBlock(t, reg.FirstDeviceBlock)
	if _, err := s.VerifyAndApply(firstBlock, 2); err != nil {
		t.Fatalf("VerifyAndApply(first device): %v", err)
	}
	return s, reg
}

func TestVerifyAndApplyRootBlock(t *testing.T) {
	trustchainSig, err := GenerateSigKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigKeyPair: %v", err)
	}
	root := CreateRootBlock(trustchainSig.Public)
	s := NewState(root.TrustchainID, trustchainSig.Public)

	if _, err := s.VerifyAndApply(root, 0); err != nil {
		t.Fatalf("VerifyAndApply(root): %v", err)
	}
}

func TestVerifyAndApplyRootBlockWrongKeyRejected(t *testing.T) {
	trustchainSig, _ := GenerateSigKeyPair()
	other, _ := GenerateSigKeyPair()
	root := CreateRootBlock(trustchainSig.Public)
	// State expects a different trustchain public key than the one the root
	// block actually carries.
	s := NewState(root.TrustchainID, other.Public)

	if _, err := s.VerifyAndApply(root, 0); err == nil {
		t.Fatalf("expected root block verification to fail under a mismatched trustchain key")
	}
}

func TestVerifyAndApplyDeviceCreationChain(t *testing.T) {
	s, reg := newVerifiedState(t)
	if _, ok := s.Users.User(reg.UserID); !ok {
		t.Fatalf("expected user to be registered after replaying ghost + first device blocks")
	}
	if _, ok := s.Users.Device(reg.FirstDeviceID); !ok {
		t.Fatalf("expected first device to be registered")
	}
}

func TestVerifyAndApplyRejectsTamperedSignature(t *testing.T) {
	s, reg := newVerifiedState(t)

	newDevice, err := GenerateNewDeviceMaterial()
	if err != nil {
		t.Fatalf("GenerateNewDeviceMaterial: %v", err)
	}
	u, _ := s.Users.User(reg.UserID)
	_, created, err := BuildDeviceCreationBlock(
		s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private,
		reg.UserID, u.LiveEncryptionPublicKey(), [EncPrivateKeySize]byte{}, newDevice, false,
	)
	if err != nil {
		t.Fatalf("BuildDeviceCreationBlock: %v", err)
	}
	b := decodeCreatedBlock(t, created)
	// Tamper with the outer signature.
	b.Signature[0] ^= 0xFF

	usersBefore := len(u.DeviceIDs)
	_, verifyErr := s.VerifyAndApply(b, 3)
	if verifyErr == nil {
		t.Fatalf("expected tampered signature to be rejected")
	}
	if _, ok := AsInvalidBlock(verifyErr); !ok {
		t.Fatalf("expected an InvalidBlockError, got %T: %v", verifyErr, verifyErr)
	}
	uAfter, _ := s.Users.User(reg.UserID)
	if len(uAfter.DeviceIDs) != usersBefore {
		t.Fatalf("expected rejected block to leave device count unchanged: before=%d after=%d", usersBefore, len(uAfter.DeviceIDs))
	}
}

func TestVerifyAndApplyRejectedBlockLeavesStateUnmodified(t *testing.T) {
	s, reg := newVerifiedState(t)

	usersSnapshot := len(s.Users.NonRevokedSiblingDevices(reg.UserID, Hash{}))
	// Build a structurally valid user_group_creation block whose
	// self-signature is corrupted so the self-signature check fails.
	wrongSig, _ := GenerateSigKeyPair()
	gc := UserGroupCreation{Version: 3}
	copy(gc.PublicSignatureKey[:], wrongSig.Public)
	sig := Sign(wrongSig.Private, gc.SignData())
	var badSig [SignatureSize]byte
	// Corrupt the signature itself so it doesn't verify even under the
	// right public key.
	copy(badSig[:], sig)
	badSig[0] ^= 0xFF
	gc.Signature = badSig

	created := CreateBlock(gc.Serialize(), NatureUserGroupCreationV3, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	b := decodeCreatedBlock(t, created)

	if _, err := s.VerifyAndApply(b, 3); err == nil {
		t.Fatalf("expected invalid self-signature to be rejected")
	}
	var groupID GroupID
	copy(groupID[:], gc.PublicSignatureKey[:])
	if _, ok := s.Groups.Group(groupID); ok {
		t.Fatalf("expected rejected group_creation to not create a group")
	}
	if len(s.Users.NonRevokedSiblingDevices(reg.UserID, Hash{})) != usersSnapshot {
		t.Fatalf("expected user registry to be unaffected by an unrelated rejected block")
	}
}

func TestVerifyAndApplyDeviceRevocation(t *testing.T) {
	s, reg := newVerifiedState(t)
	u, _ := s.Users.User(reg.UserID)

	newDevice, err := GenerateNewDeviceMaterial()
	if err != nil {
		t.Fatalf("GenerateNewDeviceMaterial: %v", err)
	}
	_, secondCreated, err := BuildDeviceCreationBlock(
		s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private,
		reg.UserID, u.LiveEncryptionPublicKey(), [EncPrivateKeySize]byte{}, newDevice, false,
	)
	if err != nil {
		t.Fatalf("BuildDeviceCreationBlock: %v", err)
	}
	secondBlock := decodeCreatedBlock(t, secondCreated)
	if _, err := s.VerifyAndApply(secondBlock, 3); err != nil {
		t.Fatalf("VerifyAndApply(second device): %v", err)
	}
	secondDeviceID := secondBlock.Hash()

	var newUserPub [EncPublicKeySize]byte
	fillBytes(newUserPub[:], 0x77)
	revocation := DeviceRevocationV2{
		RevokedDeviceID:  reg.FirstDeviceID,
		NewUserPublicKey: newUserPub,
		Recipients: []DeviceRevocationRecipient{
			{RecipientDeviceID: reg.GhostBlock.Hash},
			{RecipientDeviceID: secondDeviceID},
		},
	}
	revocationCreated := CreateBlock(revocation.Serialize(), NatureDeviceRevocationV2, s.TrustchainID, secondDeviceID, newDevice.Signature.Private)
	revocationBlock := decodeCreatedBlock(t, revocationCreated)

	selfRevoked, err := s.VerifyAndApply(revocationBlock, 4)
	if err != nil {
		t.Fatalf("VerifyAndApply(revocation): %v", err)
	}
	if selfRevoked {
		t.Fatalf("expected selfRevoked=false since selfDeviceID was never set")
	}
	d, _ := s.Users.Device(reg.FirstDeviceID)
	if !d.Revoked {
		t.Fatalf("expected first device to be marked revoked")
	}
}

func TestVerifyAndApplyDeviceRevocationReportsSelfRevoked(t *testing.T) {
	s, reg := newVerifiedState(t)
	s.SetSelfDevice(reg.FirstDeviceID)

	u, _ := s.Users.User(reg.UserID)
	newDevice, err := GenerateNewDeviceMaterial()
	if err != nil {
		t.Fatalf("GenerateNewDeviceMaterial: %v", err)
	}
	_, secondCreated, err := BuildDeviceCreationBlock(
		s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private,
		reg.UserID, u.LiveEncryptionPublicKey(), [EncPrivateKeySize]byte{}, newDevice, false,
	)
	if err != nil {
		t.Fatalf("BuildDeviceCreationBlock: %v", err)
	}
	secondBlock := decodeCreatedBlock(t, secondCreated)
	if _, err := s.VerifyAndApply(secondBlock, 3); err != nil {
		t.Fatalf("VerifyAndApply(second device): %v", err)
	}
	secondDeviceID := secondBlock.Hash()

	revocation := DeviceRevocationV2{
		RevokedDeviceID: reg.FirstDeviceID,
		Recipients:      []DeviceRevocationRecipient{{RecipientDeviceID: reg.GhostBlock.Hash}, {RecipientDeviceID: secondDeviceID}},
	}
	revocationCreated := CreateBlock(revocation.Serialize(), NatureDeviceRevocationV2, s.TrustchainID, secondDeviceID, newDevice.Signature.Private)
	revocationBlock := decodeCreatedBlock(t, revocationCreated)

	selfRevoked, err := s.VerifyAndApply(revocationBlock, 4)
	if err != nil {
		t.Fatalf("VerifyAndApply(revocation): %v", err)
	}
	if !selfRevoked {
		t.Fatalf("expected selfRevoked=true when the revoked device is the session's own")
	}
}

func TestVerifyAndApplyGroupCreationAndAddition(t *testing.T) {
	s, reg := newVerifiedState(t)
	u, _ := s.Users.User(reg.UserID)

	groupSig, err := GenerateSigKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigKeyPair: %v", err)
	}
	groupEnc, err := GenerateEncKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncKeyPair: %v", err)
	}
	member := GroupMemberEntry{UserID: reg.UserID, UserPublicEncryptionKey: u.LiveEncryptionPublicKey()}
	gc := UserGroupCreation{Version: 3, Members: []GroupMemberEntry{member}}
	copy(gc.PublicSignatureKey[:], groupSig.Public)
	gc.PublicEncryptionKey = groupEnc.Public
	copy(gc.Signature[:], Sign(groupSig.Private, gc.SignData()))

	created := CreateBlock(gc.Serialize(), NatureUserGroupCreationV3, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	block := decodeCreatedBlock(t, created)
	if _, err := s.VerifyAndApply(block, 3); err != nil {
		t.Fatalf("VerifyAndApply(group creation): %v", err)
	}

	var groupID GroupID
	copy(groupID[:], groupSig.Public)
	if !s.Groups.IsMember(groupID, reg.UserID) {
		t.Fatalf("expected user to be a member after group creation")
	}

	addition := UserGroupAddition{
		Version:            3,
		PreviousGroupBlock: block.Hash(),
		Members:            []GroupMemberEntry{member},
	}
	copy(addition.GroupID[:], groupSig.Public)
	copy(addition.Signature[:], Sign(groupSig.Private, addition.SignData()))
	additionCreated := CreateBlock(addition.Serialize(), NatureUserGroupAdditionV3, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	additionBlock := decodeCreatedBlock(t, additionCreated)
	if _, err := s.VerifyAndApply(additionBlock, 4); err != nil {
		t.Fatalf("VerifyAndApply(group addition): %v", err)
	}
	g, _ := s.Groups.Group(groupID)
	if g.LastGroupBlock != additionBlock.Hash() {
		t.Fatalf("expected group head to advance to the addition block")
	}
}

func TestVerifyAndApplyGroupAdditionRejectsStalePreviousBlock(t *testing.T) {
	s, reg := newVerifiedState(t)
	u, _ := s.Users.User(reg.UserID)

	groupSig, _ := GenerateSigKeyPair()
	groupEnc, _ := GenerateEncKeyPair()
	member := GroupMemberEntry{UserID: reg.UserID, UserPublicEncryptionKey: u.LiveEncryptionPublicKey()}
	gc := UserGroupCreation{Version: 3, Members: []GroupMemberEntry{member}}
	copy(gc.PublicSignatureKey[:], groupSig.Public)
	gc.PublicEncryptionKey = groupEnc.Public
	copy(gc.Signature[:], Sign(groupSig.Private, gc.SignData()))
	created := CreateBlock(gc.Serialize(), NatureUserGroupCreationV3, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	block := decodeCreatedBlock(t, created)
	if _, err := s.VerifyAndApply(block, 3); err != nil {
		t.Fatalf("VerifyAndApply(group creation): %v", err)
	}

	addition := UserGroupAddition{
		Version:            3,
		PreviousGroupBlock: BlakeHash([]byte("not-the-real-head")),
		Members:            []GroupMemberEntry{member},
	}
	copy(addition.GroupID[:], groupSig.Public)
	copy(addition.Signature[:], Sign(groupSig.Private, addition.SignData()))
	additionCreated := CreateBlock(addition.Serialize(), NatureUserGroupAdditionV3, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	additionBlock := decodeCreatedBlock(t, additionCreated)

	if _, err := s.VerifyAndApply(additionBlock, 4); err == nil {
		t.Fatalf("expected rejection when previous_group_block does not match the current head")
	}
}

func TestVerifyAndApplyProvisionalClaim(t *testing.T) {
	s, reg := newVerifiedState(t)

	appSig, err := GenerateSigKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigKeyPair app: %v", err)
	}
	tankerSig, err := GenerateSigKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigKeyPair tanker: %v", err)
	}

	claim := ProvisionalIdentityClaim{UserID: reg.UserID}
	copy(claim.AppPublicSignatureKey[:], appSig.Public)
	copy(claim.TankerPublicSignatureKey[:], tankerSig.Public)
	signData := ClaimAuthorSignData(reg.FirstDeviceID, reg.UserID)
	copy(claim.AuthorSignatureByAppKey[:], Sign(appSig.Private, signData))
	copy(claim.AuthorSignatureByTankerKey[:], Sign(tankerSig.Private, signData))

	created := CreateBlock(claim.Serialize(), NatureProvisionalIdentityClaim, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	block := decodeCreatedBlock(t, created)
	if _, err := s.VerifyAndApply(block, 3); err != nil {
		t.Fatalf("VerifyAndApply(provisional claim): %v", err)
	}

	var appSigFixed, tankerSigFixed [SigPublicKeySize]byte
	copy(appSigFixed[:], appSig.Public)
	copy(tankerSigFixed[:], tankerSig.Public)
	gotUserID, claimed := s.IsProvisionalClaimed(appSigFixed, tankerSigFixed)
	if !claimed || gotUserID != reg.UserID {
		t.Fatalf("expected provisional identity to be recorded as claimed by %x, got claimed=%v user=%x", reg.UserID, claimed, gotUserID)
	}
}

func TestVerifyAndApplyProvisionalClaimRejectsDoubleClaim(t *testing.T) {
	s, reg := newVerifiedState(t)

	appSig, _ := GenerateSigKeyPair()
	tankerSig, _ := GenerateSigKeyPair()
	claim := ProvisionalIdentityClaim{UserID: reg.UserID}
	copy(claim.AppPublicSignatureKey[:], appSig.Public)
	copy(claim.TankerPublicSignatureKey[:], tankerSig.Public)
	signData := ClaimAuthorSignData(reg.FirstDeviceID, reg.UserID)
	copy(claim.AuthorSignatureByAppKey[:], Sign(appSig.Private, signData))
	copy(claim.AuthorSignatureByTankerKey[:], Sign(tankerSig.Private, signData))

	created := CreateBlock(claim.Serialize(), NatureProvisionalIdentityClaim, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	block := decodeCreatedBlock(t, created)
	if _, err := s.VerifyAndApply(block, 3); err != nil {
		t.Fatalf("VerifyAndApply(first claim): %v", err)
	}

	created2 := CreateBlock(claim.Serialize(), NatureProvisionalIdentityClaim, s.TrustchainID, reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature.Private)
	block2 := decodeCreatedBlock(t, created2)
	if _, err := s.VerifyAndApply(block2, 4); err == nil {
		t.Fatalf("expected a second claim of the same provisional identity to be rejected")
	}
}
