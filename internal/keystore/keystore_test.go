package keystore

import (
	"testing"

	"github.com/nearkit/wallet-host/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return New(db)
}

func TestRegisterKeyAtomic(t *testing.T) {
	s := newTestDB(t)

	key := store.EncryptedKeyRecord{
		AccountID:   "alice.testnet",
		DeviceIndex: 1,
		Ciphertext:  []byte("ct"),
		IV:          []byte("iv"),
		PublicKey:   "ed25519:abc",
	}
	auth := store.AuthenticatorRecord{
		AccountID:     "alice.testnet",
		CredentialID:  []byte("cred-1"),
		PublicKeyCOSE: []byte("cose"),
	}

	require.NoError(t, s.RegisterKey(key, auth))

	got, err := s.Get("alice.testnet", 1)
	require.NoError(t, err)
	assert.Equal(t, "ed25519:abc", got.PublicKey)

	auths, err := s.Authenticators("alice.testnet")
	require.NoError(t, err)
	assert.Len(t, auths, 1)
}

func TestRegisterKeyDuplicateDeviceFails(t *testing.T) {
	s := newTestDB(t)
	key := store.EncryptedKeyRecord{AccountID: "alice.testnet", DeviceIndex: 1, Ciphertext: []byte("a"), IV: []byte("b"), PublicKey: "pk"}
	auth := store.AuthenticatorRecord{AccountID: "alice.testnet", CredentialID: []byte("cred-1"), PublicKeyCOSE: []byte("cose")}
	require.NoError(t, s.RegisterKey(key, auth))

	dup := store.EncryptedKeyRecord{AccountID: "alice.testnet", DeviceIndex: 1, Ciphertext: []byte("c"), IV: []byte("d"), PublicKey: "pk2"}
	dupAuth := store.AuthenticatorRecord{AccountID: "alice.testnet", CredentialID: []byte("cred-2"), PublicKeyCOSE: []byte("cose")}
	assert.Error(t, s.RegisterKey(dup, dupAuth))
}

func TestVRFKeypairSaveAndGet(t *testing.T) {
	s := newTestDB(t)
	_, err := s.VRFKeypair("alice.testnet")
	require.Error(t, err)

	rec := &store.VRFEncryptedKeypair{AccountID: "alice.testnet", VRFCiphertext: []byte("ct"), Nonce: []byte("n"), KEKServerLock: []byte("lockref")}
	require.NoError(t, s.SaveVRFKeypair(rec))

	got, err := s.VRFKeypair("alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, []byte("lockref"), got.KEKServerLock)

	// re-enrollment upserts in place
	rec2 := &store.VRFEncryptedKeypair{AccountID: "alice.testnet", VRFCiphertext: []byte("ct2"), Nonce: []byte("n2"), KEKServerLock: []byte("lockref2")}
	require.NoError(t, s.SaveVRFKeypair(rec2))
	got, err = s.VRFKeypair("alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct2"), got.VRFCiphertext)
}

func TestNextDeviceIndex(t *testing.T) {
	s := newTestDB(t)
	idx, err := s.NextDeviceIndex("alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	key := store.EncryptedKeyRecord{AccountID: "alice.testnet", DeviceIndex: 1, Ciphertext: []byte("a"), IV: []byte("b"), PublicKey: "pk"}
	auth := store.AuthenticatorRecord{AccountID: "alice.testnet", CredentialID: []byte("cred-1"), PublicKeyCOSE: []byte("cose")}
	require.NoError(t, s.RegisterKey(key, auth))

	idx, err = s.NextDeviceIndex("alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}
