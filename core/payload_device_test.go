package core

import "testing"

func makeDeviceCreationV3(t *testing.T) DeviceCreationV3 {
	t.Helper()
	var d DeviceCreationV3
	fill := func(b []byte, seed byte) {
		for i := range b {
			b[i] = seed + byte(i)
		}
	}
	fill(d.EphemeralPublicSignatureKey[:], 1)
	fill(d.UserID[:], 2)
	fill(d.DelegationSignature[:], 3)
	fill(d.PublicSignatureKey[:], 4)
	fill(d.PublicEncryptionKey[:], 5)
	fill(d.UserKeyPair.Public[:], 6)
	fill(d.UserKeyPair.SealedPrivate[:], 7)
	d.IsGhost = true
	return d
}

func TestDeviceCreationV3SerializeRoundTrip(t *testing.T) {
	d := makeDeviceCreationV3(t)
	got, err := UnserializeDeviceCreationV3(d.Serialize())
	if err != nil {
		t.Fatalf("UnserializeDeviceCreationV3: %v", err)
	}
	if got != d {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, d)
	}
}

func TestDeviceCreationV3IsGhostFalseRoundTrip(t *testing.T) {
	d := makeDeviceCreationV3(t)
	d.IsGhost = false
	got, err := UnserializeDeviceCreationV3(d.Serialize())
	if err != nil {
		t.Fatalf("UnserializeDeviceCreationV3: %v", err)
	}
	if got.IsGhost {
		t.Fatalf("expected IsGhost to round-trip as false")
	}
}

func TestDeviceCreationV3RejectsTruncated(t *testing.T) {
	d := makeDeviceCreationV3(t)
	raw := d.Serialize()
	if _, err := UnserializeDeviceCreationV3(raw[:len(raw)-1]); err == nil {
		t.Fatalf("expected error decoding truncated device_creation_v3")
	}
}

func TestDeviceCreationV3SignDataMatchesSerialize(t *testing.T) {
	d := makeDeviceCreationV3(t)
	if string(d.Serialize()) != string(d.SignData()) {
		t.Fatalf("expected Serialize to equal SignData for device_creation_v3")
	}
}

func TestDelegationSignData(t *testing.T) {
	var ephemeral [SigPublicKeySize]byte
	for i := range ephemeral {
		ephemeral[i] = byte(i)
	}
	userID := BlakeHash([]byte("user"))
	got := DelegationSignData(ephemeral, userID)
	want := Concat(ephemeral[:], userID[:])
	if string(got) != string(want) {
		t.Fatalf("DelegationSignData mismatch")
	}
}

func TestDeviceRevocationV2SerializeRoundTrip(t *testing.T) {
	p := DeviceRevocationV2{
		RevokedDeviceID: BlakeHash([]byte("revoked")),
	}
	for i := range p.NewUserPublicKey {
		p.NewUserPublicKey[i] = byte(i)
	}
	for i := 0; i < 3; i++ {
		var rec DeviceRevocationRecipient
		rec.RecipientDeviceID = BlakeHash([]byte{byte(i)})
		for j := range rec.SealedNewUserPrivateKey {
			rec.SealedNewUserPrivateKey[j] = byte(i*10 + j)
		}
		p.Recipients = append(p.Recipients, rec)
	}

	got, err := UnserializeDeviceRevocationV2(p.Serialize())
	if err != nil {
		t.Fatalf("UnserializeDeviceRevocationV2: %v", err)
	}
	if got.RevokedDeviceID != p.RevokedDeviceID {
		t.Fatalf("revoked device id mismatch")
	}
	if got.NewUserPublicKey != p.NewUserPublicKey {
		t.Fatalf("new user public key mismatch")
	}
	if len(got.Recipients) != len(p.Recipients) {
		t.Fatalf("expected %d recipients, got %d", len(p.Recipients), len(got.Recipients))
	}
	for i := range p.Recipients {
		if got.Recipients[i] != p.Recipients[i] {
			t.Fatalf("recipient %d mismatch: got %+v want %+v", i, got.Recipients[i], p.Recipients[i])
		}
	}
}

func TestDeviceRevocationV2EmptyRecipients(t *testing.T) {
	p := DeviceRevocationV2{RevokedDeviceID: BlakeHash([]byte("solo"))}
	got, err := UnserializeDeviceRevocationV2(p.Serialize())
	if err != nil {
		t.Fatalf("UnserializeDeviceRevocationV2: %v", err)
	}
	if len(got.Recipients) != 0 {
		t.Fatalf("expected no recipients, got %d", len(got.Recipients))
	}
}

func TestDeviceRevocationV1Decode(t *testing.T) {
	id := BlakeHash([]byte("legacy-revoked"))
	p, err := UnserializeDeviceRevocationV1(id[:])
	if err != nil {
		t.Fatalf("UnserializeDeviceRevocationV1: %v", err)
	}
	if p.RevokedDeviceID != id {
		t.Fatalf("revoked device id mismatch")
	}
}

func TestDeviceRevocationV1RejectsWrongSize(t *testing.T) {
	if _, err := UnserializeDeviceRevocationV1([]byte("too short")); err == nil {
		t.Fatalf("expected error for wrong-sized device_revocation_v1 payload")
	}
}
