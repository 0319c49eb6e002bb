package core

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestBlockSerializeUnserializeRoundTrip(t *testing.T) {
	sig, err := GenerateSigKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigKeyPair: %v", err)
	}
	trustchainID := BlakeHash([]byte("trustchain"))
	author := BlakeHash([]byte("author"))
	payload := []byte("payload bytes")

	created := CreateBlock(payload, NatureKeyPublishToUser, trustchainID, author, sig.Private)

	raw, err := base64.StdEncoding.DecodeString(created.SerializedBase64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, err := UnserializeBlock(raw)
	if err != nil {
		t.Fatalf("UnserializeBlock: %v", err)
	}
	if b.Nature != NatureKeyPublishToUser {
		t.Fatalf("nature mismatch: got %v", b.Nature)
	}
	if b.TrustchainID != trustchainID {
		t.Fatalf("trustchain id mismatch")
	}
	if b.Author != author {
		t.Fatalf("author mismatch")
	}
	if string(b.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %q", b.Payload)
	}
	if b.Hash() != created.Hash {
		t.Fatalf("hash mismatch: got %x want %x", b.Hash(), created.Hash)
	}
	bHash := b.Hash()
	if !Verify(sig.Public, bHash[:], b.Signature[:]) {
		t.Fatalf("signature does not verify over the block hash")
	}
}

// TestHashBlockExcludesFramingFields pins the invariant that the signed hash
// commits only to nature, author, and payload (spec §4.2) — version,
// trustchain id, and signature never affect it.
func TestHashBlockExcludesFramingFields(t *testing.T) {
	author := BlakeHash([]byte("author"))
	payload := []byte("same payload")
	h1 := HashBlock(NatureKeyPublishToUser, author, payload)

	b := &Block{
		Version:      currentBlockVersion + 1,
		Index:        0,
		TrustchainID: BlakeHash([]byte("a different trustchain entirely")),
		Nature:       NatureKeyPublishToUser,
		Payload:      payload,
		Author:       author,
		Signature:    [SignatureSize]byte{0x01, 0x02, 0x03},
	}
	if b.Hash() != h1 {
		t.Fatalf("expected hash to be independent of version, trustchain id and signature")
	}
}

func TestHashBlockSensitiveToPayload(t *testing.T) {
	author := BlakeHash([]byte("author"))
	h1 := HashBlock(NatureKeyPublishToUser, author, []byte("payload-a"))
	h2 := HashBlock(NatureKeyPublishToUser, author, []byte("payload-b"))
	if h1 == h2 {
		t.Fatalf("expected distinct hashes for distinct payloads")
	}
}

func TestUnserializeBlockRejectsUnknownNature(t *testing.T) {
	sig, _ := GenerateSigKeyPair()
	trustchainID := BlakeHash([]byte("tc"))
	author := BlakeHash([]byte("author"))
	created := CreateBlock([]byte("x"), NatureKeyPublishToUser, trustchainID, author, sig.Private)
	raw, err := base64.StdEncoding.DecodeString(created.SerializedBase64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Nature's varint byte sits right after the single-byte version and
	// index varints and the fixed 32-byte trustchain id.
	corrupted := append([]byte(nil), raw...)
	corrupted[2+HashSize] = 0x7F // an unassigned nature value
	if _, err := UnserializeBlock(corrupted); !errors.Is(err, ErrUpgradeRequired) {
		t.Fatalf("expected ErrUpgradeRequired for unknown nature, got %v", err)
	}
}

func TestCreateRootBlockTrustchainIDIsItsOwnHash(t *testing.T) {
	sig, _ := GenerateSigKeyPair()
	root := CreateRootBlock(sig.Public)
	if root.TrustchainID != root.Hash() {
		t.Fatalf("expected root block's trustchain id to equal its own hash")
	}
	if !root.isRootBlock() {
		t.Fatalf("expected CreateRootBlock output to satisfy isRootBlock")
	}
}
