package core

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func fixedResolver(key [ResourceKeySize]byte) KeyResolver {
	return func(id [ResourceIDSize]byte) ([ResourceKeySize]byte, bool, error) {
		return key, false, nil
	}
}

func TestEncryptDecryptSimpleRoundTrip(t *testing.T) {
	key, err := GenerateResourceKey()
	if err != nil {
		t.Fatalf("GenerateResourceKey: %v", err)
	}
	plaintext := []byte("a simple resource")
	framed, id, err := EncryptSimple(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptSimple: %v", err)
	}
	if framed[0] != FormatSimple {
		t.Fatalf("expected version byte %d, got %d", FormatSimple, framed[0])
	}
	got, gotID, err := DecryptSimple(framed, fixedResolver(key))
	if err != nil {
		t.Fatalf("DecryptSimple: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
	if gotID != id {
		t.Fatalf("id mismatch: got %x want %x", gotID, id)
	}
}

func TestEncryptDecryptPaddedSimpleRoundTrip(t *testing.T) {
	key, _ := GenerateResourceKey()
	plaintext := bytes.Repeat([]byte("x"), 5000)
	opts := EncryptOptions{Padding: PaddingAuto}
	framed, _, err := EncryptPaddedSimple(plaintext, key, opts)
	if err != nil {
		t.Fatalf("EncryptPaddedSimple: %v", err)
	}
	if framed[0] != FormatPaddedSimple {
		t.Fatalf("expected version byte %d, got %d", FormatPaddedSimple, framed[0])
	}
	got, _, err := DecryptSimple(framed, fixedResolver(key))
	if err != nil {
		t.Fatalf("DecryptSimple: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch after unpadding")
	}
}

// TestPaddingBoundaryExample pins the spec's worked example: a 23-byte
// plaintext pads to a 24-byte body (just room for the 0x80 terminator, no
// extra PADME rounding, since PADME(23) itself is 23 and the minLen clamp
// of plainLen+1 wins).
func TestPaddingBoundaryExample(t *testing.T) {
	plaintext := bytes.Repeat([]byte("a"), 23)
	target, err := paddingTarget(EncryptOptions{Padding: PaddingAuto}, len(plaintext))
	if err != nil {
		t.Fatalf("paddingTarget: %v", err)
	}
	if target != 24 {
		t.Fatalf("expected padded length 24, got %d", target)
	}
}

func TestPaddingStepRounding(t *testing.T) {
	target, err := paddingTarget(EncryptOptions{Padding: PaddingStep, PaddingStep: 4096}, 23)
	if err != nil {
		t.Fatalf("paddingTarget: %v", err)
	}
	if target != 4096 {
		t.Fatalf("expected step-rounded length 4096, got %d", target)
	}
}

func TestPaddingStepRejectsNonPositiveStep(t *testing.T) {
	if _, err := paddingTarget(EncryptOptions{Padding: PaddingStep, PaddingStep: 0}, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestEncryptSimpleWithSessionSharesID(t *testing.T) {
	sess, err := NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	framedA, idA, err := EncryptSimpleWithSession([]byte("first"), sess)
	if err != nil {
		t.Fatalf("EncryptSimpleWithSession: %v", err)
	}
	framedB, idB, err := EncryptSimpleWithSession([]byte("second"), sess)
	if err != nil {
		t.Fatalf("EncryptSimpleWithSession: %v", err)
	}
	if idA != idB || idA != sess.ID {
		t.Fatalf("expected both resources to share the session id")
	}
	resolve := func(id [ResourceIDSize]byte) ([ResourceKeySize]byte, bool, error) {
		if id == sess.ID {
			return sess.Key, true, nil
		}
		return [ResourceKeySize]byte{}, false, ErrResourceNotFound
	}
	gotA, _, err := DecryptSimple(framedA, resolve)
	if err != nil || string(gotA) != "first" {
		t.Fatalf("decrypt A: got %q, err %v", gotA, err)
	}
	gotB, _, err := DecryptSimple(framedB, resolve)
	if err != nil || string(gotB) != "second" {
		t.Fatalf("decrypt B: got %q, err %v", gotB, err)
	}
}

func TestDecryptSimpleRejectsUnknownVersion(t *testing.T) {
	framed := make([]byte, 1+ResourceIDSize+XChaChaNonceSize+AEADOverhead+1)
	framed[0] = 0xFF
	if _, _, err := DecryptSimple(framed, fixedResolver([ResourceKeySize]byte{})); !errors.Is(err, ErrUpgradeRequired) {
		t.Fatalf("expected ErrUpgradeRequired, got %v", err)
	}
}

func TestDecryptSimpleRejectsTruncated(t *testing.T) {
	if _, _, err := DecryptSimple([]byte{FormatSimple}, fixedResolver([ResourceKeySize]byte{})); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestEncryptionStreamRoundTrip(t *testing.T) {
	key, _ := GenerateResourceKey()
	var resourceID [ResourceIDSize]byte
	copy(resourceID[:], []byte("0123456789abcdef"))

	var buf bytes.Buffer
	opts := EncryptOptions{ChunkSize: 16}
	stream, err := NewEncryptionStream(&buf, FormatStreamed, key, resourceID, opts)
	if err != nil {
		t.Fatalf("NewEncryptionStream: %v", err)
	}
	plaintext := bytes.Repeat([]byte("chunked-data-"), 10)
	if _, err := stream.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ds, err := NewDecryptionStream(&buf, fixedResolver(key))
	if err != nil {
		t.Fatalf("NewDecryptionStream: %v", err)
	}
	got, err := io.ReadAll(ds)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("stream round trip mismatch: got %d bytes want %d", len(got), len(plaintext))
	}
}

func TestEncryptionStreamWriteAfterCloseFails(t *testing.T) {
	key, _ := GenerateResourceKey()
	var resourceID [ResourceIDSize]byte
	var buf bytes.Buffer
	stream, err := NewEncryptionStream(&buf, FormatStreamed, key, resourceID, EncryptOptions{})
	if err != nil {
		t.Fatalf("NewEncryptionStream: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := stream.Write([]byte("too late")); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}
