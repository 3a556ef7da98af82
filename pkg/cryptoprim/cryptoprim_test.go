package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("prf-output-bytes-aaaaaaaaaaaaaaa"), ChaCha20Salt("alice.testnet"), chacha20KeySize)
	require.NoError(t, err)

	ciphertext, nonce, err := Seal(key, []byte("super secret ed25519 seed"))
	require.NoError(t, err)

	plaintext, err := Open(key, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super secret ed25519 seed", string(plaintext))
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	key1, _ := DeriveKey([]byte("prf-a"), ChaCha20Salt("alice.testnet"), chacha20KeySize)
	key2, _ := DeriveKey([]byte("prf-b"), ChaCha20Salt("alice.testnet"), chacha20KeySize)

	ciphertext, nonce, err := Seal(key1, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(key2, nonce, ciphertext)
	assert.Error(t, err)
}

func TestEd25519RoundTrip(t *testing.T) {
	seed, err := DeriveKey([]byte("prf-output"), Ed25519Salt("alice.testnet"), ed25519.SeedSize)
	require.NoError(t, err)

	pub, priv, err := GenerateEd25519FromSeed(seed)
	require.NoError(t, err)

	sig := Sign(priv, []byte("message"))
	assert.True(t, Verify(pub, []byte("message"), sig))
	assert.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestVRFChallengeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	c, err := GenerateVRFChallenge(priv, "alice.testnet", "example.com", 100, "blockhash123")
	require.NoError(t, err)

	require.NoError(t, VerifyVRFChallenge(pub, c))
	assert.Len(t, WebAuthnChallenge(c), 32)
}

const chacha20KeySize = 32
