// Package core – cryptographic primitives facade for the trustchain SDK.
//
// Exposes:
//   - BLAKE2b-256 generic hashing.
//   - Ed25519 sign/verify.
//   - X25519 anonymous sealed-box seal/unseal ("seal" in the GLOSSARY).
//   - XChaCha20-Poly1305 AEAD.
//
// All constants below are initialised once at package load and never
// reassigned; there is no package-level mutable primitive state (spec §9,
// "global mutable state").
package core

import (
	"crypto/cipher"
	"crypto/ed25519"
	crand "crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Fixed field sizes used throughout the block/payload codecs (spec §4.1).
const (
	HashSize             = 32
	SigPublicKeySize     = ed25519.PublicKeySize  // 32
	SigPrivateKeySize    = ed25519.PrivateKeySize  // 64
	SignatureSize        = ed25519.SignatureSize   // 64
	EncPublicKeySize     = 32
	EncPrivateKeySize    = 32
	SealOverhead         = box.AnonymousOverhead   // 48
	SealedEncPrivSize    = EncPrivateKeySize + SealOverhead  // 32+48
	SealedSigPrivSize    = SigPrivateKeySize + SealOverhead  // 64+48
	TwoSealedKeySize     = EncPrivateKeySize + SealOverhead + SealOverhead // 32+48+48
	ResourceKeySize      = 32
	ResourceIDSize       = 16
	XChaChaNonceSize     = chacha20poly1305.NonceSizeX // 24
	AEADOverhead         = chacha20poly1305.Overhead   // 16
)

// Hash is a 32-byte BLAKE2b-256 digest.
type Hash [HashSize]byte

// BlakeHash computes BLAKE2b-256 over the concatenation of parts, matching
// hashBlock's "concat, then hash" framing (spec §4.2).
func BlakeHash(parts ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, which we never pass.
		panic(fmt.Errorf("primitives: blake2b init: %w", err))
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SigKeyPair is an Ed25519 signing key pair.
type SigKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigKeyPair creates a fresh Ed25519 key pair.
func GenerateSigKeyPair() (SigKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return SigKeyPair{}, fmt.Errorf("primitives: generate signature key pair: %w", err)
	}
	return SigKeyPair{Public: pub, Private: priv}, nil
}

// SigKeyPairFromSeed deterministically derives a signature key pair from a
// 32-byte Ed25519 seed.
func SigKeyPairFromSeed(seed []byte) (SigKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return SigKeyPair{}, fmt.Errorf("primitives: signature seed must be %d bytes: %w", ed25519.SeedSize, ErrInvalidArgument)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SigKeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Sign produces a 64-byte Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncKeyPair is an X25519 encryption key pair used for sealed-box delivery.
type EncKeyPair struct {
	Public  [EncPublicKeySize]byte
	Private [EncPrivateKeySize]byte
}

// GenerateEncKeyPair creates a fresh X25519 key pair.
func GenerateEncKeyPair() (EncKeyPair, error) {
	pub, priv, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return EncKeyPair{}, fmt.Errorf("primitives: generate encryption key pair: %w", err)
	}
	return EncKeyPair{Public: *pub, Private: *priv}, nil
}

// EncKeyPairFromSeed derives an X25519 key pair deterministically from a
// 32-byte seed (used for ghost device reconstruction, mirroring the way
// HDWallet derives children from a master seed).
func EncKeyPairFromSeed(seed []byte) (EncKeyPair, error) {
	if len(seed) != EncPrivateKeySize {
		return EncKeyPair{}, fmt.Errorf("primitives: encryption seed must be %d bytes: %w", EncPrivateKeySize, ErrInvalidArgument)
	}
	var priv [EncPrivateKeySize]byte
	copy(priv[:], seed)
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return EncKeyPair{}, fmt.Errorf("primitives: derive encryption public key: %w", err)
	}
	var kp EncKeyPair
	kp.Private = priv
	copy(kp.Public[:], pubBytes)
	return kp, nil
}

// Seal anonymously encrypts plaintext to recipientPublic (GLOSSARY "Seal").
func Seal(recipientPublic [EncPublicKeySize]byte, plaintext []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, plaintext, &recipientPublic, crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("primitives: seal: %w", err)
	}
	return out, nil
}

// Unseal opens a sealed box addressed to (public, private).
func Unseal(public [EncPublicKeySize]byte, private [EncPrivateKeySize]byte, sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, &public, &private)
	if !ok {
		return nil, fmt.Errorf("primitives: unseal: %w", ErrDecryptionFailed)
	}
	return out, nil
}

// newXChaChaAEAD builds a reusable XChaCha20-Poly1305 instance for callers
// that manage their own nonces, such as the streamed encryption framing.
func newXChaChaAEAD(key [ResourceKeySize]byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: aead init: %w", err)
	}
	return aead, nil
}

// AEADEncrypt seals plaintext with XChaCha20-Poly1305 under key, using a
// fresh random 24-byte nonce which is returned alongside the ciphertext.
func AEADEncrypt(key [ResourceKeySize]byte, plaintext, additionalData []byte) (nonce [XChaChaNonceSize]byte, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nonce, nil, fmt.Errorf("primitives: aead init: %w", err)
	}
	if _, err := crand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("primitives: nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, additionalData)
	return nonce, ciphertext, nil
}

// AEADDecrypt opens a ciphertext produced by AEADEncrypt.
func AEADDecrypt(key [ResourceKeySize]byte, nonce [XChaChaNonceSize]byte, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: aead init: %w", err)
	}
	out, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("primitives: open: %w", ErrDecryptionFailed)
	}
	return out, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("primitives: random: %w", err)
	}
	return b, nil
}

// GenerateResourceKey returns a fresh 32-byte symmetric resource key.
func GenerateResourceKey() ([ResourceKeySize]byte, error) {
	var k [ResourceKeySize]byte
	b, err := RandomBytes(ResourceKeySize)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}
