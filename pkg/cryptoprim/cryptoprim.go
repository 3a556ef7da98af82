// Package cryptoprim holds the cryptographic primitives the wallet host
// builds on: Ed25519 sign/verify, ChaCha20-Poly1305 AEAD, HKDF key
// derivation, VRF prove/verify, SHA-256, and a minimal borsh encoder
// for the NEAR wire types this module needs.
package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DeriveKey runs HKDF-SHA256 over prfOutput with an account-scoped salt
// string ("chacha20-salt:<accountId>" or "ed25519-salt:<accountId>").
func DeriveKey(prfOutput []byte, salt string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, prfOutput, []byte(salt), nil)
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// ChaCha20Salt returns the account-scoped HKDF salt for the encryption key.
func ChaCha20Salt(accountID string) string {
	return "chacha20-salt:" + accountID
}

// Ed25519Salt returns the account-scoped HKDF salt for the signing seed.
func Ed25519Salt(accountID string) string {
	return "ed25519-salt:" + accountID
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key, returning a
// fresh random 12-byte nonce alongside the ciphertext.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext with ChaCha20-Poly1305 under key and nonce. A
// wrong key (e.g. derived from the wrong PRF output) or corrupted
// ciphertext yields an error; callers map that to walleterr.DecryptionFailed.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// GenerateEd25519FromSeed produces a signing keypair from a 32-byte seed
// (the HKDF-derived ed25519 seed).
func GenerateEd25519FromSeed(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
