// Package core – resource encryption: the on-wire framing for encrypted
// payloads (spec §4.8). Four formats share one XChaCha20-Poly1305 core:
// simple, padded-simple (PADME), streamed, and transparent-session variants
// of simple and streamed. The version byte always leads the framed output so a
// decryptor can dispatch without extra metadata.
package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// Format version bytes (spec §4.8).
const (
	FormatSimple          = 3
	FormatStreamed        = 4
	FormatPaddedSimple    = 6
	FormatSimpleSession   = 9
	FormatStreamedSession = 11
)

// DefaultChunkSize is the streamed-format chunk size when the caller does
// not request a smaller one.
const DefaultChunkSize = 1 << 20 // 1 MiB

// ChunkOverhead is the per-chunk framing cost: a one-byte last-chunk flag
// plus the AEAD tag.
const ChunkOverhead = 1 + AEADOverhead

// PaddingMode selects how EncryptPaddedSimple rounds up plaintext length
// before the fixed 0x80 terminator and zero fill (spec §4.8, §8 "Padding
// boundary").
type PaddingMode int

const (
	PaddingOff PaddingMode = iota
	PaddingAuto
	PaddingStep
)

// EncryptOptions configures the padded-simple and streamed encrypt paths.
type EncryptOptions struct {
	Padding     PaddingMode
	PaddingStep int // only meaningful when Padding == PaddingStep; must be >= 2
	ChunkSize   uint32
}

// PADME rounds length up to a value with only its highest bits set, bounding
// how much padded length leaks about the true length (GLOSSARY "PADME").
func PADME(length int) int {
	if length <= 1 {
		return length
	}
	e := bits.Len(uint(length)) - 1
	s := bits.Len(uint(e)) + 1
	lastBits := e - s
	if lastBits < 0 {
		lastBits = 0
	}
	mask := (1 << uint(lastBits)) - 1
	return (length + mask) &^ mask
}

func paddingTarget(opts EncryptOptions, plainLen int) (int, error) {
	minLen := plainLen + 1 // room for the 0x80 terminator
	switch opts.Padding {
	case PaddingOff:
		return minLen, nil
	case PaddingAuto:
		t := PADME(plainLen)
		if t < minLen {
			t = minLen
		}
		return t, nil
	case PaddingStep:
		if opts.PaddingStep < 2 {
			return 0, fmt.Errorf("encryption: padding step must be at least 2: %w", ErrInvalidArgument)
		}
		step := opts.PaddingStep
		t := ((minLen + step - 1) / step) * step
		return t, nil
	default:
		return 0, fmt.Errorf("encryption: unknown padding mode %d: %w", opts.Padding, ErrInvalidArgument)
	}
}

// padPlaintext appends the 0x80 terminator and zero-fills to target length.
func padPlaintext(plaintext []byte, opts EncryptOptions) ([]byte, error) {
	target, err := paddingTarget(opts, len(plaintext))
	if err != nil {
		return nil, err
	}
	out := make([]byte, target)
	copy(out, plaintext)
	out[len(plaintext)] = 0x80
	return out, nil
}

// unpadPlaintext strips trailing zero bytes then the 0x80 terminator.
func unpadPlaintext(padded []byte) ([]byte, error) {
	i := len(padded)
	for i > 0 && padded[i-1] == 0x00 {
		i--
	}
	if i == 0 || padded[i-1] != 0x80 {
		return nil, fmt.Errorf("encryption: missing padding terminator: %w", ErrDecryptionFailed)
	}
	return padded[:i-1], nil
}

// deriveResourceID produces the 16-byte identifier embedded in simple/padded
// framing: a BLAKE2b digest of the nonce and ciphertext, truncated (spec
// §4.8 "the resource id is derived ... the MAC/nonce-derived identifier").
func deriveResourceID(nonce []byte, ciphertext []byte) [ResourceIDSize]byte {
	h := BlakeHash(nonce, ciphertext)
	var id [ResourceIDSize]byte
	copy(id[:], h[:ResourceIDSize])
	return id
}

// EncryptSimple implements the version-3 framing: no padding.
func EncryptSimple(plaintext []byte, resourceKey [ResourceKeySize]byte) ([]byte, [ResourceIDSize]byte, error) {
	return encryptSimpleFraming(FormatSimple, plaintext, resourceKey, nil)
}

// EncryptPaddedSimple implements the version-6 framing: PADME or fixed-step
// padding before sealing (spec §4.8).
func EncryptPaddedSimple(plaintext []byte, resourceKey [ResourceKeySize]byte, opts EncryptOptions) ([]byte, [ResourceIDSize]byte, error) {
	padded, err := padPlaintext(plaintext, opts)
	if err != nil {
		return nil, [ResourceIDSize]byte{}, err
	}
	return encryptSimpleFraming(FormatPaddedSimple, padded, resourceKey, nil)
}

// EncryptSimpleWithSession implements the version-9 transparent-session
// framing: identical to simple framing but the embedded id is the session
// id rather than a ciphertext-derived one, so every resource encrypted
// under the same session shares a lookup key (spec §4.8).
func EncryptSimpleWithSession(plaintext []byte, session Session) ([]byte, [ResourceIDSize]byte, error) {
	return encryptSimpleFraming(FormatSimpleSession, plaintext, session.Key, &session.ID)
}

func encryptSimpleFraming(version byte, plaintext []byte, resourceKey [ResourceKeySize]byte, fixedID *[ResourceIDSize]byte) ([]byte, [ResourceIDSize]byte, error) {
	nonce, ciphertext, err := AEADEncrypt(resourceKey, plaintext, nil)
	if err != nil {
		return nil, [ResourceIDSize]byte{}, err
	}
	var id [ResourceIDSize]byte
	if fixedID != nil {
		id = *fixedID
	} else {
		id = deriveResourceID(nonce[:], ciphertext)
	}
	out := make([]byte, 0, 1+ResourceIDSize+XChaChaNonceSize+len(ciphertext))
	out = append(out, version)
	out = append(out, id[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, id, nil
}

// KeyResolver looks up the resource key for an embedded id, reporting
// whether the id named a transparent session rather than a plain resource
// (spec §4.8 "session-id lookup then ... per-resource-id fallback"). The
// session layer (not core) owns the actual session-cache / key-store
// two-tier lookup; this signature only describes the contract.
type KeyResolver func(id [ResourceIDSize]byte) (key [ResourceKeySize]byte, isSession bool, err error)

// DecryptSimple decrypts version-3/6/9 framed ciphertext, undoing padding
// for version 6. It returns the embedded id (resource or session) alongside
// the plaintext.
func DecryptSimple(framed []byte, resolve KeyResolver) ([]byte, [ResourceIDSize]byte, error) {
	var zero [ResourceIDSize]byte
	if len(framed) < 1+ResourceIDSize+XChaChaNonceSize+AEADOverhead {
		return nil, zero, fmt.Errorf("encryption: framed payload too short: %w", ErrTruncated)
	}
	version := framed[0]
	switch version {
	case FormatSimple, FormatPaddedSimple, FormatSimpleSession:
	default:
		return nil, zero, fmt.Errorf("encryption: unknown simple format version %d: %w", version, ErrUpgradeRequired)
	}

	var id [ResourceIDSize]byte
	copy(id[:], framed[1:1+ResourceIDSize])
	rest := framed[1+ResourceIDSize:]

	var nonce [XChaChaNonceSize]byte
	copy(nonce[:], rest[:XChaChaNonceSize])
	ciphertext := rest[XChaChaNonceSize:]

	key, _, err := resolve(id)
	if err != nil {
		return nil, id, err
	}

	plaintext, err := AEADDecrypt(key, nonce, ciphertext, nil)
	if err != nil {
		return nil, id, err
	}

	if version == FormatPaddedSimple {
		plaintext, err = unpadPlaintext(plaintext)
		if err != nil {
			return nil, id, err
		}
	}
	return plaintext, id, nil
}

// Session is a transparent-session key: one symmetric key and a stable id
// shared by every resource encrypted under it (spec §4.8 "Transparent
// session").
type Session struct {
	ID  [ResourceIDSize]byte
	Key [ResourceKeySize]byte
}

// NewSession creates a fresh transparent-session key.
func NewSession() (Session, error) {
	key, err := GenerateResourceKey()
	if err != nil {
		return Session{}, err
	}
	idBytes, err := RandomBytes(ResourceIDSize)
	if err != nil {
		return Session{}, err
	}
	var s Session
	s.Key = key
	copy(s.ID[:], idBytes)
	return s, nil
}

// streamHeaderSize: version(1) + resource_id(16) + max_chunk_size(4) + nonce_prefix(16).
const streamHeaderSize = 1 + ResourceIDSize + 4 + 16
const noncePrefixSize = 16

// EncryptionStream wraps an io.Writer, sealing every Write call as one
// AEAD-bound chunk (spec §4.8 "Streamed").
type EncryptionStream struct {
	w            io.Writer
	key          [ResourceKeySize]byte
	noncePrefix  [noncePrefixSize]byte
	resourceID   [ResourceIDSize]byte
	chunkSize    uint32
	seq          uint64
	buf          []byte
	headerWritten bool
	closed       bool
}

// NewEncryptionStream writes the stream header immediately and returns a
// writer that chunks, seals, and forwards plaintext as it is written.
// version selects FormatStreamed or FormatStreamedSession.
func NewEncryptionStream(w io.Writer, version byte, resourceKey [ResourceKeySize]byte, resourceID [ResourceIDSize]byte, opts EncryptOptions) (*EncryptionStream, error) {
	if version != FormatStreamed && version != FormatStreamedSession {
		return nil, fmt.Errorf("encryption: unknown streamed format version %d: %w", version, ErrInvalidArgument)
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	es := &EncryptionStream{
		w:          bufio.NewWriter(w),
		key:        resourceKey,
		resourceID: resourceID,
		chunkSize:  chunkSize,
	}
	prefix, err := RandomBytes(noncePrefixSize)
	if err != nil {
		return nil, err
	}
	copy(es.noncePrefix[:], prefix)

	header := make([]byte, 0, streamHeaderSize)
	header = append(header, version)
	header = append(header, resourceID[:]...)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], chunkSize)
	header = append(header, sizeBuf[:]...)
	header = append(header, es.noncePrefix[:]...)
	if _, err := es.w.Write(header); err != nil {
		return nil, fmt.Errorf("encryption: write stream header: %w", err)
	}
	es.headerWritten = true
	return es, nil
}

func (es *EncryptionStream) chunkNonce(seq uint64) [XChaChaNonceSize]byte {
	var nonce [XChaChaNonceSize]byte
	copy(nonce[:noncePrefixSize], es.noncePrefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], seq)
	return nonce
}

func (es *EncryptionStream) sealChunk(plaintext []byte, last bool) error {
	aad := make([]byte, 0, ResourceIDSize+8)
	aad = append(aad, es.resourceID[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], es.seq)
	aad = append(aad, seqBuf[:]...)

	nonce := es.chunkNonce(es.seq)
	aead, err := newXChaChaAEAD(es.key)
	if err != nil {
		return err
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)

	flag := byte(0)
	if last {
		flag = 1
	}
	if _, err := es.w.Write([]byte{flag}); err != nil {
		return fmt.Errorf("encryption: write chunk flag: %w", err)
	}
	if _, err := es.w.Write(ciphertext); err != nil {
		return fmt.Errorf("encryption: write chunk: %w", err)
	}
	es.seq++
	return nil
}

// Write buffers plaintext and flushes full chunks as they fill.
func (es *EncryptionStream) Write(p []byte) (int, error) {
	if es.closed {
		return 0, fmt.Errorf("encryption: write after close: %w", ErrPreconditionFailed)
	}
	n := len(p)
	es.buf = append(es.buf, p...)
	for uint32(len(es.buf)) >= es.chunkSize {
		chunk := es.buf[:es.chunkSize]
		if err := es.sealChunk(chunk, false); err != nil {
			return 0, err
		}
		es.buf = append([]byte(nil), es.buf[es.chunkSize:]...)
	}
	return n, nil
}

// Close seals any buffered remainder as the final (flagged) chunk and
// flushes the underlying writer.
func (es *EncryptionStream) Close() error {
	if es.closed {
		return nil
	}
	es.closed = true
	if err := es.sealChunk(es.buf, true); err != nil {
		return err
	}
	es.buf = nil
	if bw, ok := es.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// DecryptionStream reads and opens chunks written by EncryptionStream.
type DecryptionStream struct {
	r           *bufio.Reader
	key         [ResourceKeySize]byte
	noncePrefix [noncePrefixSize]byte
	resourceID  [ResourceIDSize]byte
	chunkSize   uint32
	seq         uint64
	pending     []byte
	done        bool
}

// NewDecryptionStream reads the stream header and resolves its key via
// resolve, trying the embedded id as a session id first and falling back to
// a plain resource id (spec §4.8).
func NewDecryptionStream(r io.Reader, resolve KeyResolver) (*DecryptionStream, error) {
	br := bufio.NewReader(r)
	header := make([]byte, streamHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("encryption: read stream header: %w", ErrTruncated)
	}
	version := header[0]
	if version != FormatStreamed && version != FormatStreamedSession {
		return nil, fmt.Errorf("encryption: unknown streamed format version %d: %w", version, ErrUpgradeRequired)
	}
	var resourceID [ResourceIDSize]byte
	copy(resourceID[:], header[1:1+ResourceIDSize])
	chunkSize := binary.BigEndian.Uint32(header[1+ResourceIDSize : 1+ResourceIDSize+4])

	key, _, err := resolve(resourceID)
	if err != nil {
		return nil, err
	}

	ds := &DecryptionStream{r: br, key: key, resourceID: resourceID, chunkSize: chunkSize}
	copy(ds.noncePrefix[:], header[1+ResourceIDSize+4:])
	return ds, nil
}

func (ds *DecryptionStream) chunkNonce(seq uint64) [XChaChaNonceSize]byte {
	var nonce [XChaChaNonceSize]byte
	copy(nonce[:noncePrefixSize], ds.noncePrefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], seq)
	return nonce
}

// readChunk reads and opens the next chunk, returning (plaintext, isLast).
func (ds *DecryptionStream) readChunk() ([]byte, bool, error) {
	flag, err := ds.r.ReadByte()
	if err == io.EOF {
		return nil, true, io.EOF
	}
	if err != nil {
		return nil, false, fmt.Errorf("encryption: read chunk flag: %w", err)
	}

	var sealed []byte
	if flag == 1 {
		sealed, err = io.ReadAll(ds.r)
		if err != nil {
			return nil, false, fmt.Errorf("encryption: read final chunk: %w", err)
		}
	} else {
		sealed = make([]byte, int(ds.chunkSize)+AEADOverhead)
		if _, err := io.ReadFull(ds.r, sealed); err != nil {
			return nil, false, fmt.Errorf("encryption: read chunk %d: %w", ds.seq, ErrTruncated)
		}
	}

	aad := make([]byte, 0, ResourceIDSize+8)
	aad = append(aad, ds.resourceID[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], ds.seq)
	aad = append(aad, seqBuf[:]...)

	nonce := ds.chunkNonce(ds.seq)
	aead, err := newXChaChaAEAD(ds.key)
	if err != nil {
		return nil, false, err
	}
	plaintext, err := aead.Open(nil, nonce[:], sealed, aad)
	if err != nil {
		return nil, false, fmt.Errorf("encryption: open chunk %d: %w", ds.seq, ErrDecryptionFailed)
	}
	ds.seq++
	return plaintext, flag == 1, nil
}

// Read implements io.Reader by draining decrypted chunk plaintext.
func (ds *DecryptionStream) Read(p []byte) (int, error) {
	for len(ds.pending) == 0 {
		if ds.done {
			return 0, io.EOF
		}
		plaintext, last, err := ds.readChunk()
		if err == io.EOF {
			ds.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		ds.pending = plaintext
		if last {
			ds.done = true
		}
	}
	n := copy(p, ds.pending)
	ds.pending = ds.pending[n:]
	return n, nil
}
