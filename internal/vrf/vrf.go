// Package vrf holds session-scoped VRF keypair custody in memory with a
// lock/unlock protocol, including a Shamir-3-pass server-assisted
// unlock relayed through Vault. The VRF secret never leaves this
// package; only challenges and public keys do.
package vrf

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/nearkit/wallet-host/internal/store"
	"github.com/nearkit/wallet-host/internal/walleterr"
	"github.com/nearkit/wallet-host/pkg/cryptoprim"
)

// Session is the in-memory VRF session: {accountId, keypair,
// startedAt}. It exists only in this package's address space.
type Session struct {
	AccountID string
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	StartedAt time.Time
}

// Status is returned by CheckStatus.
type Status struct {
	Active            bool
	NearAccountID     string
	SessionDurationMS int64
}

// VaultConfig configures the optional Shamir-3-pass relay. When Addr is
// empty the relay is disabled and UnlockKeypair always falls back to the
// direct WebAuthn-PRF path.
type VaultConfig struct {
	Addr      string
	Token     string
	MountPath string
	KeyPath   string
}

// KeypairStore loads and persists the at-rest encrypted VRF keypair
// records the server-assisted unlock path works against;
// internal/keystore.Store satisfies this.
type KeypairStore interface {
	VRFKeypair(accountID string) (*store.VRFEncryptedKeypair, error)
	SaveVRFKeypair(rec *store.VRFEncryptedKeypair) error
}

// Manager owns at most one unlocked session at a time.
type Manager struct {
	mu      sync.Mutex
	session *Session

	vault    *vaultapi.Client
	vaultCfg VaultConfig
	keys     KeypairStore
	log      zerolog.Logger
}

func New(cfg VaultConfig, keys KeypairStore, log zerolog.Logger) (*Manager, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = "wallet-vrf"
	}
	m := &Manager{vaultCfg: cfg, keys: keys, log: log}
	if cfg.Addr == "" {
		return m, nil
	}
	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Addr
	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("new vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	m.vault = client
	return m, nil
}

// DeriveFromPRF derives the VRF Ed25519 keypair from a PRF output,
// bootstrapping or re-deriving a session's key material.
func (m *Manager) DeriveFromPRF(accountID string, prfOutput []byte) (ed25519.PublicKey, error) {
	seed, err := cryptoprim.DeriveKey(prfOutput, "vrf-salt:"+accountID, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("derive vrf seed: %w", err)
	}
	pub, priv, err := cryptoprim.GenerateEd25519FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("generate vrf keypair: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &Session{AccountID: accountID, priv: priv, pub: pub, StartedAt: time.Now()}
	return pub, nil
}

// errNoServerLock marks an account with no server-assisted unlock
// material: no relay, no store, no enrolled record, or no lock reference.
var errNoServerLock = errors.New("no server-locked vrf keypair")

// UnlockKeypair installs the account's VRF keypair in memory. When the
// account has an enrolled {vrfCiphertext, kekServerLock} record it first
// tries the server-assisted path: the relay releases the KEK without
// ever seeing the VRF plaintext, and the stored ciphertext opens
// locally. The WebAuthn-PRF derivation (prfOutput is the caller's
// assertion result) is only the fallback.
func (m *Manager) UnlockKeypair(ctx context.Context, accountID string, prfOutput []byte) (ed25519.PublicKey, error) {
	pub, err := m.unlockServerAssisted(ctx, accountID)
	if err == nil {
		return pub, nil
	}
	if !errors.Is(err, errNoServerLock) {
		m.log.Warn().Err(err).Str("account", accountID).Msg("server-assisted vrf unlock failed, falling back to webauthn prf")
	}
	return m.DeriveFromPRF(accountID, prfOutput)
}

func (m *Manager) unlockServerAssisted(ctx context.Context, accountID string) (ed25519.PublicKey, error) {
	if m.vault == nil || m.keys == nil {
		return nil, errNoServerLock
	}
	rec, err := m.keys.VRFKeypair(accountID)
	if err != nil || len(rec.KEKServerLock) == 0 {
		return nil, errNoServerLock
	}
	kek, err := m.RemoveServerLock(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("remove server lock: %w", err)
	}
	seed, err := cryptoprim.Open(kek, rec.Nonce, rec.VRFCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt vrf keypair: %w", err)
	}
	pub, priv, err := cryptoprim.GenerateEd25519FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("rebuild vrf keypair: %w", err)
	}

	m.mu.Lock()
	m.session = &Session{AccountID: accountID, priv: priv, pub: pub, StartedAt: time.Now()}
	m.mu.Unlock()
	return pub, nil
}

// EnrollServerAssisted derives the account's VRF keypair seed from
// prfOutput, seals it under a fresh KEK, hands the KEK to the relay,
// and persists the {ciphertext, nonce, lock reference} record so later
// unlocks can skip the WebAuthn ceremony. A no-op when the relay or
// store is absent.
func (m *Manager) EnrollServerAssisted(ctx context.Context, accountID string, prfOutput []byte) error {
	if m.vault == nil || m.keys == nil {
		return nil
	}
	seed, err := cryptoprim.DeriveKey(prfOutput, "vrf-salt:"+accountID, ed25519.SeedSize)
	if err != nil {
		return fmt.Errorf("derive vrf seed: %w", err)
	}
	kek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, kek); err != nil {
		return fmt.Errorf("generate kek: %w", err)
	}
	ciphertext, nonce, err := cryptoprim.Seal(kek, seed)
	if err != nil {
		return fmt.Errorf("seal vrf keypair: %w", err)
	}
	lockRef, err := m.ApplyServerLock(ctx, accountID, kek)
	if err != nil {
		return err
	}
	now := time.Now()
	return m.keys.SaveVRFKeypair(&store.VRFEncryptedKeypair{
		AccountID:     accountID,
		VRFCiphertext: ciphertext,
		Nonce:         nonce,
		KEKServerLock: lockRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// ApplyServerLock hands the keypair's KEK to the relay, which keeps it
// under its own lock, and returns the lock reference the caller stores
// alongside the ciphertext. The relay only ever sees the KEK, never the
// VRF plaintext.
func (m *Manager) ApplyServerLock(ctx context.Context, accountID string, kek []byte) ([]byte, error) {
	if m.vault == nil {
		return nil, walleterr.New(walleterr.HostError, "shamir-3-pass relay not configured")
	}
	path := m.lockPath(accountID)
	data := map[string]any{"data": map[string]any{"kek": base64.StdEncoding.EncodeToString(kek)}}
	if _, err := m.vault.Logical().WriteWithContext(ctx, path, data); err != nil {
		return nil, fmt.Errorf("apply server lock: %w", err)
	}
	return []byte(path), nil
}

// RemoveServerLock asks the relay to release the KEK it holds for
// accountID, ending with this process able to open the stored
// ciphertext. TouchID/WebAuthn is only required as a fallback when this
// path is unavailable or fails.
func (m *Manager) RemoveServerLock(ctx context.Context, accountID string) ([]byte, error) {
	if m.vault == nil {
		return nil, walleterr.New(walleterr.HostError, "shamir-3-pass relay not configured")
	}
	secret, err := m.vault.Logical().ReadWithContext(ctx, m.lockPath(accountID))
	if err != nil {
		return nil, fmt.Errorf("remove server lock: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no server-locked vrf keypair for %s", accountID)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid server-locked secret format")
	}
	enc, _ := data["kek"].(string)
	kek, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode server-locked kek: %w", err)
	}
	return kek, nil
}

func (m *Manager) lockPath(accountID string) string {
	return fmt.Sprintf("%s/data/%s/%s", m.vaultCfg.MountPath, m.vaultCfg.KeyPath, accountID)
}

// GenerateChallenge binds {userId, rpId, blockHeight, blockHash} to the
// active session's VRF keypair.
func (m *Manager) GenerateChallenge(userID, rpID string, blockHeight uint64, blockHash string) (*cryptoprim.VRFChallenge, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil || session.AccountID != userID {
		return nil, walleterr.New(walleterr.NotConfigured, "no active vrf session for account")
	}
	return cryptoprim.GenerateVRFChallenge(session.priv, userID, rpID, blockHeight, blockHash)
}

// CheckStatus reports whether a session is active and for which account.
func (m *Manager) CheckStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Status{Active: false}
	}
	return Status{
		Active:            true,
		NearAccountID:     m.session.AccountID,
		SessionDurationMS: time.Since(m.session.StartedAt).Milliseconds(),
	}
}

// Logout zeroes the in-memory keypair and clears the session.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		for i := range m.session.priv {
			m.session.priv[i] = 0
		}
	}
	m.session = nil
}
