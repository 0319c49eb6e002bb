package core

import "testing"

func TestProvisionalIdentityClaimRoundTrip(t *testing.T) {
	p := ProvisionalIdentityClaim{UserID: BlakeHash([]byte("claiming-user"))}
	fillBytes(p.AppPublicSignatureKey[:], 0x01)
	fillBytes(p.TankerPublicSignatureKey[:], 0x02)
	fillBytes(p.AuthorSignatureByAppKey[:], 0x03)
	fillBytes(p.AuthorSignatureByTankerKey[:], 0x04)
	fillBytes(p.UserPublicEncryptionKey[:], 0x05)
	fillBytes(p.SealedProvisionalPrivateKeys[:], 0x06)

	got, err := UnserializeProvisionalIdentityClaim(p.Serialize())
	if err != nil {
		t.Fatalf("UnserializeProvisionalIdentityClaim: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestProvisionalIdentityClaimRejectsTruncated(t *testing.T) {
	p := ProvisionalIdentityClaim{UserID: BlakeHash([]byte("u"))}
	raw := p.Serialize()
	if _, err := UnserializeProvisionalIdentityClaim(raw[:len(raw)-1]); err == nil {
		t.Fatalf("expected error decoding truncated provisional_identity_claim")
	}
}

func TestClaimAuthorSignData(t *testing.T) {
	authorDeviceID := BlakeHash([]byte("device"))
	userID := BlakeHash([]byte("user"))
	got := ClaimAuthorSignData(authorDeviceID, userID)
	want := Concat(authorDeviceID[:], userID[:])
	if string(got) != string(want) {
		t.Fatalf("ClaimAuthorSignData mismatch")
	}
}
