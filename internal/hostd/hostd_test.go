package hostd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nearkit/wallet-host/internal/confirmation"
	"github.com/nearkit/wallet-host/internal/keystore"
	"github.com/nearkit/wallet-host/internal/logging"
	"github.com/nearkit/wallet-host/internal/nearrpc"
	"github.com/nearkit/wallet-host/internal/nonce"
	"github.com/nearkit/wallet-host/internal/prefs"
	"github.com/nearkit/wallet-host/internal/signer"
	"github.com/nearkit/wallet-host/internal/store"
	"github.com/nearkit/wallet-host/pkg/cryptoprim"
)

// recordingSender captures every envelope Dispatch sends back, the way
// a websocket connection's write side would, without needing a real
// transport.
type recordingSender struct {
	envelopes []Envelope
}

func (r *recordingSender) Send(env Envelope) error {
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *recordingSender) last() Envelope {
	if len(r.envelopes) == 0 {
		return Envelope{}
	}
	return r.envelopes[len(r.envelopes)-1]
}

type fakeFetcher struct{ hash string }

func testBlockHash() string {
	var raw [32]byte
	for i := range raw {
		raw[i] = byte(i + 7)
	}
	return base58.Encode(raw[:])
}

func newTestHost(t *testing.T) (*Host, *gorm.DB, *recordingSender, *httptest.Server) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      "wallet-host",
			"result": map[string]any{
				"nonce":      0,
				"block_hash": testBlockHash(),
				"header":     map[string]any{"hash": testBlockHash(), "height": 10},
				"transaction": map[string]any{"hash": "Fake11TxHash11111111111111111111111111111"},
			},
		})
	}))

	rpc := nearrpc.New([]string{srv.URL}, 2*time.Second, logging.Nop())
	ks := keystore.New(db)

	host := New(Deps{
		Keys:    ks,
		Prefs:   prefs.New(db),
		RPC:     rpc,
		Confirm: confirmation.New(),
		Log:     logging.Nop(),
	})
	sgnr := signer.New(signer.Deps{
		Ceremony: host.Ceremony(),
		Confirm:  host.deps.Confirm,
		Keys:     ks,
		Prefs:    host.deps.Prefs,
		RPC:      rpc,
		Log:      logging.Nop(),
	})
	host.deps.Signer = sgnr
	return host, db, &recordingSender{}, srv
}

func seedAccount(t *testing.T, ks *keystore.Store, accountID string, prfFirst, prfSecond []byte) {
	t.Helper()
	chachaKey, err := cryptoprim.DeriveKey(prfFirst, cryptoprim.ChaCha20Salt(accountID), 32)
	require.NoError(t, err)
	seed, err := cryptoprim.DeriveKey(prfSecond, cryptoprim.Ed25519Salt(accountID), 32)
	require.NoError(t, err)
	pub, priv, err := cryptoprim.GenerateEd25519FromSeed(seed)
	require.NoError(t, err)
	ciphertext, iv, err := cryptoprim.Seal(chachaKey, priv.Seed())
	require.NoError(t, err)
	require.NoError(t, ks.RegisterKey(
		store.EncryptedKeyRecord{AccountID: accountID, DeviceIndex: 1, Ciphertext: ciphertext, IV: iv, PublicKey: cryptoprim.EncodePublicKey(pub)},
		store.AuthenticatorRecord{AccountID: accountID, CredentialID: []byte("cred-" + accountID), PublicKeyCOSE: []byte("cose")},
	))
}

func TestDispatchUnknownTypeRepliesError(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	host.Dispatch(context.Background(), Envelope{RequestID: "r1", Type: "PM_NOT_A_REAL_TYPE"}, sender)

	got := sender.last()
	require.Equal(t, typeError, got.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	require.Equal(t, "INVALID_REQUEST", payload.Code)
}

func TestDispatchPingRepliesReady(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	host.Dispatch(context.Background(), Envelope{RequestID: "r2", Type: TypePing}, sender)

	require.Equal(t, TypeReady, sender.last().Type)
}

func TestDispatchSetConfigResolvesRPID(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	payload, _ := json.Marshal(setConfigPayload{RPID: "app.example.com", RPOverride: "example.com"})
	host.Dispatch(context.Background(), Envelope{RequestID: "r3", Type: TypeSetConfig, Payload: payload}, sender)

	got := sender.last()
	require.Equal(t, typeResult, got.Type)
	var res map[string]string
	require.NoError(t, json.Unmarshal(got.Payload, &res))
	require.Equal(t, "example.com", res["rpId"])
}

func TestDispatchSetConfigRebuildsRPCAndClearsSession(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	host.deps.Signer.BindSession(nonce.New("lena.testnet", "ed25519:PK", host.deps.RPC, nil))

	payload, _ := json.Marshal(map[string]any{
		"rpId":         "app.example.com",
		"rpIdOverride": "example.com",
		"nearRpcUrls":  []string{srv.URL},
	})
	host.Dispatch(context.Background(), Envelope{RequestID: "cfg1", Type: TypeSetConfig, Payload: payload}, sender)
	require.Equal(t, typeResult, sender.last().Type)

	// The rebuilt RPC client invalidated the bound session: signing now
	// fails until the next login rebinds a nonce manager.
	req := signer.SignTxsRequest{
		AccountID: "lena.testnet",
		Txs:       []signer.TxInput{{ReceiverID: "x.testnet", Actions: []signer.Action{{Kind: cryptoprim.ActionTransfer, DepositYocto: "1"}}}},
		Confirm:   signer.ConfirmationOverride{UIMode: "skip"},
	}
	body, _ := json.Marshal(req)
	host.Dispatch(context.Background(), Envelope{RequestID: "cfg2", Type: TypeSignTxsWithActions, Payload: body}, sender)
	require.Equal(t, typeError, sender.last().Type)
	require.Contains(t, string(sender.last().Payload), "NOT_CONFIGURED")
}

func TestDispatchGetLoginStateNoSession(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	host.Dispatch(context.Background(), Envelope{RequestID: "r4", Type: TypeGetLoginState}, sender)

	got := sender.last()
	require.Equal(t, typeResult, got.Type)
	require.Contains(t, string(got.Payload), `"loggedIn":false`)
}

func TestDispatchSignTxsWithActionsWithoutSessionErrors(t *testing.T) {
	host, db, sender, srv := newTestHost(t)
	defer srv.Close()

	ks := keystore.New(db)
	seedAccount(t, ks, "gina.testnet", []byte("prf-1"), []byte("prf-2"))

	req := signer.SignTxsRequest{
		AccountID: "gina.testnet",
		Txs:       []signer.TxInput{{ReceiverID: "x.testnet", Actions: []signer.Action{{Kind: cryptoprim.ActionTransfer, DepositYocto: "1"}}}},
		Confirm:   signer.ConfirmationOverride{UIMode: "skip"},
	}
	payload, _ := json.Marshal(req)
	host.Dispatch(context.Background(), Envelope{RequestID: "r5", Type: TypeSignTxsWithActions, Payload: payload}, sender)

	got := sender.last()
	require.Equal(t, typeError, got.Type) // no bound nonce manager: login never ran
}

func TestDispatchHasPasskeyReflectsRegisteredAccount(t *testing.T) {
	host, db, sender, srv := newTestHost(t)
	defer srv.Close()

	ks := keystore.New(db)
	seedAccount(t, ks, "holly.testnet", []byte("prf-1"), []byte("prf-2"))

	payload, _ := json.Marshal(map[string]string{"accountId": "holly.testnet"})
	host.Dispatch(context.Background(), Envelope{RequestID: "r6", Type: TypeHasPasskey, Payload: payload}, sender)

	got := sender.last()
	require.Equal(t, typeResult, got.Type)
	require.Contains(t, string(got.Payload), `"hasPasskey":true`)
}

func TestDispatchStartDevice2LinkingFlowReturnsCode(t *testing.T) {
	host, db, sender, srv := newTestHost(t)
	defer srv.Close()

	ks := keystore.New(db)
	seedAccount(t, ks, "ivy.testnet", []byte("prf-1"), []byte("prf-2"))

	payload, _ := json.Marshal(map[string]string{"accountId": "ivy.testnet"})
	host.Dispatch(context.Background(), Envelope{RequestID: "link1", Type: TypeStartDevice2LinkingFlow, Payload: payload}, sender)

	got := sender.last()
	require.Equal(t, typeResult, got.Type)
	var res struct {
		LinkCode    string `json:"linkCode"`
		DeviceIndex int    `json:"deviceIndex"`
	}
	require.NoError(t, json.Unmarshal(got.Payload, &res))
	require.NotEmpty(t, res.LinkCode)
	require.Equal(t, 2, res.DeviceIndex) // seedAccount already registered deviceIndex 1

	host.linkMu.Lock()
	_, ok := host.linkSessions[res.LinkCode]
	host.linkMu.Unlock()
	require.True(t, ok)
}

func TestDispatchStopDevice2LinkingFlowInvalidatesCode(t *testing.T) {
	host, db, sender, srv := newTestHost(t)
	defer srv.Close()

	ks := keystore.New(db)
	seedAccount(t, ks, "jack.testnet", []byte("prf-1"), []byte("prf-2"))

	startPayload, _ := json.Marshal(map[string]string{"accountId": "jack.testnet"})
	host.Dispatch(context.Background(), Envelope{RequestID: "link2", Type: TypeStartDevice2LinkingFlow, Payload: startPayload}, sender)
	var started struct {
		LinkCode string `json:"linkCode"`
	}
	require.NoError(t, json.Unmarshal(sender.last().Payload, &started))

	stopPayload, _ := json.Marshal(map[string]string{"code": started.LinkCode})
	host.Dispatch(context.Background(), Envelope{RequestID: "link3", Type: TypeStopDevice2LinkingFlow, Payload: stopPayload}, sender)
	require.Equal(t, typeResult, sender.last().Type)

	scanPayload, _ := json.Marshal(map[string]string{"code": started.LinkCode})
	host.Dispatch(context.Background(), Envelope{RequestID: "link4", Type: TypeLinkDeviceWithScannedQR, Payload: scanPayload}, sender)
	got := sender.last()
	require.Equal(t, typeError, got.Type)
	require.Contains(t, string(got.Payload), "unknown or already-redeemed")
}

func TestDispatchLinkDeviceWithScannedQRRejectsUnknownCode(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	scanPayload, _ := json.Marshal(map[string]string{"code": "not-a-real-code"})
	host.Dispatch(context.Background(), Envelope{RequestID: "link5", Type: TypeLinkDeviceWithScannedQR, Payload: scanPayload}, sender)

	got := sender.last()
	require.Equal(t, typeError, got.Type)
	require.Contains(t, string(got.Payload), "unknown or already-redeemed")
}

func TestDispatchLinkDeviceWithScannedQRRejectsExpiredCode(t *testing.T) {
	host, db, sender, srv := newTestHost(t)
	defer srv.Close()

	ks := keystore.New(db)
	seedAccount(t, ks, "kate.testnet", []byte("prf-1"), []byte("prf-2"))

	startPayload, _ := json.Marshal(map[string]string{"accountId": "kate.testnet"})
	host.Dispatch(context.Background(), Envelope{RequestID: "link6", Type: TypeStartDevice2LinkingFlow, Payload: startPayload}, sender)
	var started struct {
		LinkCode string `json:"linkCode"`
	}
	require.NoError(t, json.Unmarshal(sender.last().Payload, &started))

	host.linkMu.Lock()
	host.linkSessions[started.LinkCode].createdAt = time.Now().Add(-2 * deviceLinkTTL)
	host.linkMu.Unlock()

	scanPayload, _ := json.Marshal(map[string]string{"code": started.LinkCode})
	host.Dispatch(context.Background(), Envelope{RequestID: "link7", Type: TypeLinkDeviceWithScannedQR, Payload: scanPayload}, sender)

	got := sender.last()
	require.Equal(t, typeError, got.Type)
	require.Contains(t, string(got.Payload), "expired")
}

func TestDispatchCancelWithNothingPendingSendsNoReply(t *testing.T) {
	host, _, sender, srv := newTestHost(t)
	defer srv.Close()

	// Cancelling a request with no pending confirmation/ceremony is a no-op,
	// not an error — PM_CANCEL never produces a reply envelope.
	host.Dispatch(context.Background(), Envelope{RequestID: "r7", Type: TypeCancel}, sender)
	require.Empty(t, sender.envelopes)
}
