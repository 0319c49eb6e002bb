// Package core – block envelope: outer framing, hash, signature, nature
// dispatch (spec §4.2).
package core

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

const currentBlockVersion = 1

// Block is the atomic log unit (spec §3 "Block"). Index is reserved: it is
// always zero on write and ignored on read.
type Block struct {
	Version      uint64
	Index        uint64
	TrustchainID Hash
	Nature       Nature
	Payload      []byte
	Author       Hash
	Signature    [SignatureSize]byte
}

// HashBlock computes BLAKE2b(varint(nature) || author || payload). It
// deliberately excludes version, trustchain id and signature so the
// signature commits to semantics, not framing (spec §4.2).
func HashBlock(nature Nature, author Hash, payload []byte) Hash {
	w := NewWriter().Varint(uint64(nature))
	return BlakeHash(w.Out(), author[:], payload)
}

// Hash returns the block's identifying hash.
func (b *Block) Hash() Hash {
	return HashBlock(b.Nature, b.Author, b.Payload)
}

// isRootBlock reports whether b looks like the root trustchain_creation
// block: zero author, zero signature.
func (b *Block) isRootBlock() bool {
	var zeroAuthor Hash
	var zeroSig [SignatureSize]byte
	return b.Author == zeroAuthor && b.Signature == zeroSig && b.Nature == NatureTrustchainCreation
}

// Serialize writes the full wire envelope:
// varint(version) || varint(index=0) || trustchain_id || varint(nature) ||
// lenPrefixed(payload) || author || signature.
func (b *Block) Serialize() []byte {
	w := NewWriter().
		Varint(b.Version).
		Varint(0).
		Fixed(b.TrustchainID[:]).
		Varint(uint64(b.Nature)).
		Bytes(b.Payload).
		Fixed(b.Author[:]).
		Fixed(b.Signature[:])
	return w.Out()
}

// UnserializeBlock decodes a wire envelope. It rejects version > 1 and
// unknown natures with ErrUpgradeRequired, per spec §4.2.
func UnserializeBlock(data []byte) (*Block, error) {
	r := NewReader(data)

	version, err := r.Varint()
	if err != nil {
		return nil, fmt.Errorf("block: version: %w", err)
	}
	if version > currentBlockVersion {
		return nil, fmt.Errorf("block: version %d: %w", version, ErrUpgradeRequired)
	}

	if _, err := r.Varint(); err != nil { // reserved index, ignored
		return nil, fmt.Errorf("block: index: %w", err)
	}

	tcidBytes, err := r.Fixed(HashSize)
	if err != nil {
		return nil, fmt.Errorf("block: trustchain_id: %w", err)
	}
	var tcid Hash
	copy(tcid[:], tcidBytes)

	natureVal, err := r.Varint()
	if err != nil {
		return nil, fmt.Errorf("block: nature: %w", err)
	}
	nature := Nature(natureVal)
	if !KnownNature(nature) {
		return nil, fmt.Errorf("block: nature %d: %w", nature, ErrUpgradeRequired)
	}

	payload, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("block: payload: %w", err)
	}

	authorBytes, err := r.Fixed(HashSize)
	if err != nil {
		return nil, fmt.Errorf("block: author: %w", err)
	}
	var author Hash
	copy(author[:], authorBytes)

	sigBytes, err := r.Fixed(SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("block: signature: %w", err)
	}
	var sig [SignatureSize]byte
	copy(sig[:], sigBytes)

	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("block: %w", err)
	}

	return &Block{
		Version:      version,
		Index:        0,
		TrustchainID: tcid,
		Nature:       nature,
		Payload:      payload,
		Author:       author,
		Signature:    sig,
	}, nil
}

// CreatedBlock is the result of CreateBlock: the base64-encoded wire form
// plus the block hash, ready to push to the trustchain server.
type CreatedBlock struct {
	SerializedBase64 string
	Hash             Hash
}

// CreateBlock computes the block hash, signs it with the author's device
// signature key, and serializes the full envelope (spec §4.2).
func CreateBlock(payload []byte, nature Nature, trustchainID Hash, author Hash, signKey ed25519.PrivateKey) CreatedBlock {
	hash := HashBlock(nature, author, payload)
	sig := Sign(signKey, hash[:])
	b := &Block{
		Version:      currentBlockVersion,
		TrustchainID: trustchainID,
		Nature:       nature,
		Payload:      payload,
		Author:       author,
	}
	copy(b.Signature[:], sig)
	return CreatedBlock{
		SerializedBase64: base64.StdEncoding.EncodeToString(b.Serialize()),
		Hash:             hash,
	}
}

// CreateRootBlock builds the single trustchain_creation block whose hash IS
// the trustchain id (spec §3 "Trustchain").
func CreateRootBlock(trustchainPublicSignatureKey ed25519.PublicKey) *Block {
	b := &Block{
		Version: currentBlockVersion,
		Nature:  NatureTrustchainCreation,
		Payload: append([]byte(nil), trustchainPublicSignatureKey...),
	}
	b.TrustchainID = b.Hash()
	return b
}
