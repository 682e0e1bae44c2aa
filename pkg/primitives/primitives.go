// Package primitives wraps the handful of cryptographic operations
// every other component is built on: the SHA-2 family, HMAC, HKDF,
// X25519 key agreement, AES-256-GCM AEAD, and Ed25519 signing. Each
// wrapper is a thin struct-free function set over the standard library
// plus golang.org/x/crypto, matching the style of the teacher's
// pkg/encryption/rsa.go (a small struct wrapping stdlib crypto calls).
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HashAlg identifies one of the three digest algorithms the sandbox
// host ABI and the provenance extractor both use. Values match the
// wire convention used by pkg/sandbox's hash_content host function.
type HashAlg uint32

const (
	HashSHA256 HashAlg = 0
	HashSHA384 HashAlg = 1
	HashSHA512 HashAlg = 2
)

// Hash computes the digest of data under alg. ok is false for an
// unrecognized alg, mirroring the sandbox ABI's "return 0" convention
// for bad input rather than panicking.
func Hash(alg HashAlg, data []byte) (digest []byte, ok bool) {
	switch alg {
	case HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:], true
	case HashSHA384:
		sum := sha512.Sum384(data)
		return sum[:], true
	case HashSHA512:
		sum := sha512.Sum512(data)
		return sum[:], true
	default:
		return nil, false
	}
}

// HMAC computes the HMAC of data under key, using the hash named by
// alg. A key construction failure (never actually possible for
// crypto/hmac, which accepts any key length) is not modeled; per the
// original host ABI's lenient-but-safe convention an empty key is
// substituted if key is nil.
func HMAC(alg HashAlg, key, data []byte) (mac []byte, ok bool) {
	if key == nil {
		key = []byte{0}
	}
	switch alg {
	case HashSHA256:
		h := hmac.New(sha256.New, key)
		h.Write(data)
		return h.Sum(nil), true
	case HashSHA384:
		h := hmac.New(sha512.New384, key)
		h.Write(data)
		return h.Sum(nil), true
	case HashSHA512:
		h := hmac.New(sha512.New, key)
		h.Write(data)
		return h.Sum(nil), true
	default:
		return nil, false
	}
}

// HKDFInfo is the fixed context string used to derive the boundary
// AEAD key from an X25519 shared secret, matching the original
// implementation's key-separation label.
const HKDFInfo = "title-protocol-e2ee"

// DeriveAEADKey runs HKDF-SHA256 over sharedSecret with no salt and
// the fixed HKDFInfo label, producing a 32-byte AES-256-GCM key.
func DeriveAEADKey(sharedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(HKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// X25519KeyPair is an ephemeral or static Curve25519 key-agreement
// key pair.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 generates a fresh key-agreement key pair from the
// system entropy source.
func GenerateX25519() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &X25519KeyPair{Private: priv, Public: pubArr}, nil
}

// ECDHDeriveSharedSecret computes the X25519 shared secret between a
// local private key and a remote public key.
func ECDHDeriveSharedSecret(localPrivate, remotePublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 ecdh: %w", err)
	}
	return secret, nil
}

// AEADSeal encrypts plaintext under key with a fresh random 12-byte
// nonce, returning the nonce and ciphertext (with appended GCM tag)
// separately.
func AEADSeal(key, plaintext, additionalData []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, additionalData)
	return nonce, ciphertext, nil
}

// AEADOpen decrypts ciphertext under key and nonce, verifying the GCM
// tag. A one-bit flip anywhere in nonce or ciphertext causes this to
// fail (R2).
func AEADOpen(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce size %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// Ed25519KeyPair is a signing key pair.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519 generates a fresh signing key pair.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Sign signs message with priv.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature over message
// under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
