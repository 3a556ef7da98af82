package hostd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/rs/zerolog"

	"github.com/nearkit/wallet-host/internal/confirmation"
	"github.com/nearkit/wallet-host/internal/keystore"
	"github.com/nearkit/wallet-host/internal/nearrpc"
	"github.com/nearkit/wallet-host/internal/nonce"
	"github.com/nearkit/wallet-host/internal/prefs"
	"github.com/nearkit/wallet-host/internal/signer"
	"github.com/nearkit/wallet-host/internal/vrf"
	"github.com/nearkit/wallet-host/internal/walleterr"
	"github.com/nearkit/wallet-host/internal/webauthnx"
)

// deviceLinkTTL bounds how long a PM_START_DEVICE2_LINKING_FLOW code stays
// redeemable before PM_LINK_DEVICE_WITH_SCANNED_QR_DATA must reject it.
const deviceLinkTTL = 5 * time.Minute

// deviceLinkSession is the pending state between a device starting a link
// flow (which reserves a device index and hands back a scannable code) and
// the scan that completes it by running the actual registration ceremony.
// The QR-scanning UI itself lives with the caller; only the code's
// generation, redemption, and expiry are modeled here.
type deviceLinkSession struct {
	accountID   string
	deviceIndex int
	requestID   string
	pf          signer.ProgressFunc
	createdAt   time.Time
}

// Deps bundles the per-connection singletons a Host dispatches against:
// one signer, one nonce manager, one confirmation controller, one VRF
// manager per active session.
type Deps struct {
	WebAuthn *webauthnx.Service
	Keys     *keystore.Store
	Prefs    *prefs.Store
	RPC      *nearrpc.Client
	VRF      *vrf.Manager
	Confirm  *confirmation.Controller
	Signer   *signer.Signer
	Log      zerolog.Logger

	RPID       string
	RPOverride string
}

// Host is the wallet host dispatcher: it owns the per-origin singletons,
// tracks in-flight requests so PM_CANCEL can cancel them, and bridges
// WebAuthn ceremonies to the connected browser through a Sender. The
// Sender interface keeps the transport (websocket, in-process, test
// fake) pluggable.
type Host struct {
	deps Deps

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	linkMu       sync.Mutex
	linkSessions map[string]*deviceLinkSession

	ceremony *wsCeremony
}

// New builds a Host with its own wsCeremony ceremony bridge. It does not
// touch deps.Signer; the bridge reaches a Signer only through Ceremony().
func New(deps Deps) *Host {
	h := &Host{
		deps:         deps,
		cancels:      make(map[string]context.CancelFunc),
		linkSessions: make(map[string]*deviceLinkSession),
		ceremony:     newWSCeremony(),
	}
	return h
}

// Ceremony exposes the bridge a caller must wire into signer.Deps.Ceremony
// before constructing the Signer passed in Deps.Signer.
func (h *Host) Ceremony() signer.Ceremony { return h.ceremony }

// SetSigner completes the two-step wiring Ceremony() exists for: build the
// Signer with this Host's Ceremony(), then hand it back here so Dispatch
// has somewhere to route PM_* requests.
func (h *Host) SetSigner(s *signer.Signer) { h.deps.Signer = s }

// Dispatch routes one inbound Envelope to its handler and writes exactly
// one terminal PM_RESULT or ERROR envelope back via sender.
// Ceremony-response envelopes
// (WEBAUTHN_*_RESPONSE) are routed to the pending ceremony instead of
// producing a terminal reply, PING is answered with READY, and PM_CANCEL
// sends no reply of its own.
func (h *Host) Dispatch(parent context.Context, env Envelope, sender Sender) {
	h.ceremony.Attach(sender)

	switch env.Type {
	case typeWebAuthnCreateResponse, typeWebAuthnGetResponse:
		h.ceremony.resolve(env.RequestID, env.Payload)
		return
	case TypePing:
		_ = sender.Send(Envelope{RequestID: env.RequestID, Type: TypeReady})
		return
	case TypeCancel:
		h.cancel(env.RequestID)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	h.cancels[env.RequestID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.cancels, env.RequestID)
		h.mu.Unlock()
		cancel()
	}()

	pf := func(p signer.Progress) {
		_ = sender.Send(Envelope{
			RequestID: env.RequestID,
			Type:      typeProgress,
			Payload: mustMarshal(ProgressPayload{
				Step: p.Step, Phase: p.Phase, Status: p.Status, Message: p.Message, Data: p.Data,
			}),
		})
	}

	result, err := h.route(ctx, env, pf)
	if err != nil {
		h.replyError(sender, env.RequestID, err)
		return
	}
	_ = sender.Send(Envelope{RequestID: env.RequestID, Type: typeResult, Payload: mustMarshal(result)})
}

func (h *Host) cancel(requestID string) {
	h.mu.Lock()
	cancel, ok := h.cancels[requestID]
	h.mu.Unlock()
	if ok {
		cancel()
	}
	h.deps.Confirm.Close(requestID)
	h.ceremony.abort(requestID)
}

func (h *Host) replyError(sender Sender, requestID string, err error) {
	code := string(walleterr.CodeOf(err))
	msg := err.Error()
	_ = sender.Send(Envelope{
		RequestID: requestID,
		Type:      typeError,
		Payload:   mustMarshal(ErrorPayload{Code: code, Message: msg}),
	})
}

// route is the dispatch table proper: one case per PM_* message type.
// Each case unmarshals its payload and calls into the internal/signer,
// internal/keystore, internal/prefs, or internal/vrf collaborators.
func (h *Host) route(ctx context.Context, env Envelope, pf signer.ProgressFunc) (any, error) {
	switch env.Type {
	case TypeSetConfig:
		return h.handleSetConfig(env.Payload)
	case TypeRegister:
		return h.handleRegister(ctx, env.RequestID, env.Payload, pf)
	case TypeLogin:
		return h.handleLogin(ctx, env.RequestID, env.Payload, pf)
	case TypeLogout:
		return h.handleLogout()
	case TypeGetLoginState:
		return h.handleGetLoginState()
	case TypeSignTxsWithActions:
		return h.handleSignTxsWithActions(ctx, env.RequestID, env.Payload, pf)
	case TypeSignAndSendTxs:
		return h.handleSignAndSendTxs(ctx, env.RequestID, env.Payload, pf)
	case TypeSendTransaction:
		return h.handleSignAndSendTxs(ctx, env.RequestID, env.Payload, pf) // single-tx convenience alias
	case TypeExecuteAction:
		return h.handleSignAndSendTxs(ctx, env.RequestID, env.Payload, pf) // single-action convenience alias
	case TypeSignNEP413:
		return h.handleSignNEP413(ctx, env.RequestID, env.Payload, pf)
	case TypeExportKeypair:
		return h.handleExportKeypair(ctx, env.RequestID, env.Payload, pf)
	case TypeGetRecentLogins:
		return h.handleGetRecentLogins(env.Payload)
	case TypePrefetchBlockheight:
		return h.handlePrefetchBlockheight(ctx)
	case TypeSetConfirmBehavior:
		return h.handleSetConfirmBehavior(env.Payload)
	case TypeSetConfirmationConfig:
		return h.handleSetConfirmationConfig(env.Payload)
	case TypeGetConfirmationConfig:
		return h.handleGetConfirmationConfig(env.Payload)
	case TypeSetTheme:
		return h.handleSetTheme(env.Payload)
	case TypeHasPasskey:
		return h.handleHasPasskey(env.Payload)
	case TypeViewAccessKeys:
		return h.handleViewAccessKeys(ctx, env.Payload)
	case TypeDeleteDeviceKey:
		return h.handleDeleteDeviceKey(env.Payload)
	case TypeRecoverAccountFlow:
		return h.handleRecoverAccount(env.Payload)
	case TypeStartDevice2LinkingFlow:
		return h.handleStartDevice2LinkingFlow(env.RequestID, env.Payload, pf)
	case TypeLinkDeviceWithScannedQR:
		return h.handleLinkDeviceWithScannedQR(ctx, env.Payload)
	case TypeStopDevice2LinkingFlow:
		return h.handleStopDevice2LinkingFlow(env.Payload)
	default:
		return nil, walleterr.New(walleterr.InvalidRequest, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

type setConfigPayload struct {
	RPID             string   `json:"rpId"`
	RPOverride       string   `json:"rpIdOverride"`
	NearRPCURLs      []string `json:"nearRpcUrls,omitempty"`
	NearRPCTimeoutMS int      `json:"nearRpcTimeoutMs,omitempty"`
}

// handleSetConfig resolves the relying-party id and, when the payload
// carries RPC endpoints, rebuilds the NEAR client and invalidates every
// singleton that closed over the old one: the signer's bound nonce
// manager (cleared; the next login rebinds against the new client) and
// the VRF session.
func (h *Host) handleSetConfig(raw json.RawMessage) (any, error) {
	var p setConfigPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_SET_CONFIG payload", err.Error())
	}
	h.deps.RPID = webauthnx.ResolveRPID(p.RPID, p.RPOverride)
	h.deps.RPOverride = p.RPOverride

	if len(p.NearRPCURLs) > 0 {
		timeout := time.Duration(p.NearRPCTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client := nearrpc.New(p.NearRPCURLs, timeout, h.deps.Log)
		h.deps.RPC = client
		h.deps.Signer.SetRPC(client)
		if h.deps.VRF != nil {
			h.deps.VRF.Logout()
		}
	}
	return map[string]any{"rpId": h.deps.RPID}, nil
}

type registerPayload struct {
	AccountID   string `json:"accountId"`
	DeviceIndex int    `json:"deviceIndex"`
}

func (h *Host) handleRegister(ctx context.Context, requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_REGISTER payload", err.Error())
	}
	if p.DeviceIndex == 0 {
		idx, err := h.deps.Keys.NextDeviceIndex(p.AccountID)
		if err != nil {
			return nil, walleterr.Wrap(walleterr.HostError, "determine next device index", err.Error())
		}
		p.DeviceIndex = idx
	}
	existing, err := credentialsFor(h.deps.Keys, p.AccountID)
	if err != nil {
		return nil, err
	}

	res, err := h.deps.Signer.Register(ctx, requestID, signer.RegisterRequest{
		AccountID:              p.AccountID,
		DeviceIndex:            p.DeviceIndex,
		RPID:                   h.deps.RPID,
		RPOverride:             h.deps.RPOverride,
		ExistingAuthenticators: existing,
	}, pf)
	if err != nil {
		return nil, err
	}
	_ = h.deps.Prefs.SetLastUser(p.AccountID)
	_ = h.deps.Prefs.UpdateLastLogin(p.AccountID)
	return res, nil
}

type loginPayload struct {
	AccountID string `json:"accountId"`
}

func (h *Host) handleLogin(ctx context.Context, requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	var p loginPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_LOGIN payload", err.Error())
	}
	if p.AccountID == "" {
		last, _ := h.deps.Prefs.LastUser()
		p.AccountID = last
	}
	creds, err := credentialsFor(h.deps.Keys, p.AccountID)
	if err != nil {
		return nil, err
	}

	res, err := h.deps.Signer.Login(ctx, requestID, signer.LoginRequest{
		AccountID:      p.AccountID,
		RPID:           h.deps.RPID,
		RPOverride:     h.deps.RPOverride,
		Authenticators: creds,
	}, pf)
	if err != nil {
		return nil, err
	}

	h.deps.Signer.BindSession(nonce.New(p.AccountID, res.PublicKey, h.deps.RPC, nil))
	if h.deps.VRF != nil {
		_, _ = h.deps.VRF.UnlockKeypair(ctx, p.AccountID, res.PRFFirst)
	}
	_ = h.deps.Prefs.SetLastUser(p.AccountID)
	_ = h.deps.Prefs.UpdateLastLogin(p.AccountID)

	return map[string]any{
		"accountId": p.AccountID,
		"publicKey": res.PublicKey,
	}, nil
}

func (h *Host) handleLogout() (any, error) {
	h.deps.Signer.ClearSession()
	if h.deps.VRF != nil {
		h.deps.VRF.Logout()
	}
	return map[string]any{"loggedOut": true}, nil
}

func (h *Host) handleGetLoginState() (any, error) {
	last, _ := h.deps.Prefs.LastUser()
	status := struct {
		LoggedIn  bool   `json:"loggedIn"`
		AccountID string `json:"accountId,omitempty"`
	}{LoggedIn: last != "", AccountID: last}
	return status, nil
}

func decodeSignTxs(raw json.RawMessage) (signer.SignTxsRequest, error) {
	var req signer.SignTxsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, walleterr.Wrap(walleterr.InvalidRequest, "decode sign-transactions payload", err.Error())
	}
	return req, nil
}

func (h *Host) handleSignTxsWithActions(ctx context.Context, requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	req, err := decodeSignTxs(raw)
	if err != nil {
		return nil, err
	}
	return h.deps.Signer.SignTxsWithActions(ctx, requestID, req, pf)
}

func (h *Host) handleSignAndSendTxs(ctx context.Context, requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	var req signer.SignAndSendTxsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode sign-and-send payload", err.Error())
	}
	return h.deps.Signer.SignAndSendTxs(ctx, requestID, req, pf)
}

func (h *Host) handleSignNEP413(ctx context.Context, requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	var req signer.NEP413Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_SIGN_NEP413 payload", err.Error())
	}
	return h.deps.Signer.SignNEP413(ctx, requestID, req, pf)
}

func (h *Host) handleExportKeypair(ctx context.Context, requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	var req signer.ExportKeyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_EXPORT_NEAR_KEYPAIR payload", err.Error())
	}
	seed, pub, err := h.deps.Signer.ExportKey(ctx, requestID, req, pf)
	if err != nil {
		return nil, err
	}
	return map[string]any{"seed": seed, "publicKey": pub}, nil
}

func (h *Host) handleGetRecentLogins(raw json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(raw, &p)
	if p.Limit == 0 {
		p.Limit = 5
	}
	logins, err := h.deps.Prefs.RecentLogins(p.Limit)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "query recent logins", err.Error())
	}
	return map[string]any{"recentLogins": logins}, nil
}

func (h *Host) handlePrefetchBlockheight(ctx context.Context) (any, error) {
	h.deps.Signer.PrefetchBlockheight()
	hash, height, err := h.deps.RPC.FinalBlock(ctx)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.RPCTransient, "prefetch block height", err.Error())
	}
	return map[string]any{"blockHash": hash, "blockHeight": height}, nil
}

func (h *Host) handleSetConfirmBehavior(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId"`
		Behavior  string `json:"behavior"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_SET_CONFIRM_BEHAVIOR payload", err.Error())
	}
	if err := h.deps.Prefs.SetConfirmBehavior(p.AccountID, p.Behavior); err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "set confirm behavior", err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (h *Host) handleSetConfirmationConfig(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string                    `json:"accountId"`
		Config    prefs.ConfirmationConfig `json:"config"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_SET_CONFIRMATION_CONFIG payload", err.Error())
	}
	if err := h.deps.Prefs.SetConfirmationConfig(p.AccountID, p.Config); err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "set confirmation config", err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (h *Host) handleGetConfirmationConfig(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_GET_CONFIRMATION_CONFIG payload", err.Error())
	}
	cfg, err := h.deps.Prefs.Get(p.AccountID)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "get confirmation config", err.Error())
	}
	return cfg.Effective(), nil
}

func (h *Host) handleSetTheme(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId"`
		Theme     string `json:"theme"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_SET_THEME payload", err.Error())
	}
	if err := h.deps.Prefs.SetTheme(p.AccountID, p.Theme); err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "set theme", err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (h *Host) handleHasPasskey(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_HAS_PASSKEY payload", err.Error())
	}
	auths, err := h.deps.Keys.Authenticators(p.AccountID)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "query authenticators", err.Error())
	}
	return map[string]any{"hasPasskey": len(auths) > 0}, nil
}

func (h *Host) handleViewAccessKeys(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_VIEW_ACCESS_KEYS payload", err.Error())
	}
	nonceVal, err := h.deps.RPC.ViewAccessKey(ctx, p.AccountID, p.PublicKey)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.RPCTransient, "view access key", err.Error())
	}
	return map[string]any{"nonce": nonceVal}, nil
}

func (h *Host) handleDeleteDeviceKey(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID   string `json:"accountId"`
		DeviceIndex int    `json:"deviceIndex"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_DELETE_DEVICE_KEY payload", err.Error())
	}
	if err := h.deps.Keys.Delete(p.AccountID, p.DeviceIndex); err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "delete device key", err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (h *Host) handleRecoverAccount(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_RECOVER_ACCOUNT_FLOW payload", err.Error())
	}
	return h.deps.Signer.RecoverAccount(p.AccountID)
}

func newLinkCode() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate link code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// handleStartDevice2LinkingFlow begins device-linking from the new
// device's side (Device 2): it reserves the next device index and hands
// back a code meant to be rendered as a QR. The caller is expected to
// keep its progress subscriber alive past
// the terminal reply (router.PostOptions.Sticky) since this pf is reused
// later, when PM_LINK_DEVICE_WITH_SCANNED_QR_DATA redeems the code.
func (h *Host) handleStartDevice2LinkingFlow(requestID string, raw json.RawMessage, pf signer.ProgressFunc) (any, error) {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_START_DEVICE2_LINKING_FLOW payload", err.Error())
	}
	idx, err := h.deps.Keys.NextDeviceIndex(p.AccountID)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "determine next device index", err.Error())
	}
	code, err := newLinkCode()
	if err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "generate link code", err.Error())
	}

	h.linkMu.Lock()
	h.linkSessions[code] = &deviceLinkSession{
		accountID:   p.AccountID,
		deviceIndex: idx,
		requestID:   requestID,
		pf:          pf,
		createdAt:   time.Now(),
	}
	h.linkMu.Unlock()

	return map[string]any{"linkCode": code, "deviceIndex": idx}, nil
}

// handleLinkDeviceWithScannedQR redeems a code minted by
// PM_START_DEVICE2_LINKING_FLOW and runs the actual registration ceremony
// for the waiting device, driving progress back through that device's
// original (sticky) subscriber rather than this request's own caller.
func (h *Host) handleLinkDeviceWithScannedQR(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_LINK_DEVICE_WITH_SCANNED_QR_DATA payload", err.Error())
	}

	h.linkMu.Lock()
	sess, ok := h.linkSessions[p.Code]
	if ok {
		delete(h.linkSessions, p.Code)
	}
	h.linkMu.Unlock()
	if !ok {
		return nil, walleterr.New(walleterr.InvalidRequest, "unknown or already-redeemed device-link code")
	}
	if time.Since(sess.createdAt) > deviceLinkTTL {
		return nil, walleterr.New(walleterr.InvalidRequest, "device-link code expired")
	}

	existing, err := credentialsFor(h.deps.Keys, sess.accountID)
	if err != nil {
		return nil, err
	}
	res, err := h.deps.Signer.Register(ctx, sess.requestID, signer.RegisterRequest{
		AccountID:              sess.accountID,
		DeviceIndex:            sess.deviceIndex,
		RPID:                   h.deps.RPID,
		RPOverride:             h.deps.RPOverride,
		ExistingAuthenticators: existing,
	}, sess.pf)
	if err != nil {
		return nil, err
	}
	_ = h.deps.Prefs.SetLastUser(sess.accountID)
	_ = h.deps.Prefs.UpdateLastLogin(sess.accountID)
	return res, nil
}

// handleStopDevice2LinkingFlow cancels a pending link code before it is
// scanned, e.g. the waiting device navigating away or an explicit cancel.
func (h *Host) handleStopDevice2LinkingFlow(raw json.RawMessage) (any, error) {
	var p struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, walleterr.Wrap(walleterr.InvalidRequest, "decode PM_STOP_DEVICE2_LINKING_FLOW payload", err.Error())
	}
	h.linkMu.Lock()
	delete(h.linkSessions, p.Code)
	h.linkMu.Unlock()
	return map[string]any{"stopped": true}, nil
}

// credentialsFor loads the webauthn.Credential set for an account's
// allowCredentials/excludeCredentials list from its stored
// authenticator records.
func credentialsFor(ks *keystore.Store, accountID string) ([]webauthn.Credential, error) {
	recs, err := ks.Authenticators(accountID)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.HostError, "query authenticators", err.Error())
	}
	out := make([]webauthn.Credential, len(recs))
	for i, r := range recs {
		out[i] = webauthn.Credential{
			ID:        r.CredentialID,
			PublicKey: r.PublicKeyCOSE,
			Authenticator: webauthn.Authenticator{
				SignCount: r.SignCount,
			},
		}
	}
	return out, nil
}

// --- ceremony bridge ---

// wsCeremony implements signer.Ceremony by sending a WEBAUTHN_*_REQUEST
// envelope to the connected browser and blocking on a per-request
// channel until the matching WEBAUTHN_*_RESPONSE envelope arrives (or
// the context is cancelled). A server process cannot itself invoke
// navigator.credentials; the ceremony round trip has to cross back to
// the connected browser, and this channel is where it crosses.
type wsCeremony struct {
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	sender  Sender
}

func newWSCeremony() *wsCeremony {
	return &wsCeremony{pending: make(map[string]chan json.RawMessage)}
}

// Attach installs the Sender used to push ceremony requests to the
// browser. Dispatch calls it for every inbound envelope, so the Sender of
// the most recently dispatched envelope is the one used.
func (c *wsCeremony) Attach(sender Sender) { c.sender = sender }

func (c *wsCeremony) resolve(requestID string, payload json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (c *wsCeremony) abort(requestID string) {
	c.resolve(requestID, json.RawMessage(`{"cancelled":true}`))
}

func (c *wsCeremony) await(ctx context.Context, requestID string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	select {
	case payload := <-ch:
		var cancelProbe struct {
			Cancelled bool `json:"cancelled"`
		}
		_ = json.Unmarshal(payload, &cancelProbe)
		if cancelProbe.Cancelled {
			return nil, context.Canceled
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Minute):
		return nil, fmt.Errorf("webauthn ceremony timed out waiting for browser response")
	}
}

// PerformRegistration satisfies signer.Ceremony: send the credential
// creation options to the browser, wait for its raw JSON
// navigator.credentials.create() response, and parse it. The protocol
// parse functions accept any io.Reader, a raw websocket payload
// included.
func (c *wsCeremony) PerformRegistration(ctx context.Context, requestID string, opts *protocol.CredentialCreation) (*protocol.ParsedCredentialCreationData, error) {
	if c.sender == nil {
		return nil, fmt.Errorf("ceremony bridge has no attached sender")
	}
	if err := c.sender.Send(Envelope{RequestID: requestID, Type: typeWebAuthnCreateRequest, Payload: mustMarshal(opts)}); err != nil {
		return nil, fmt.Errorf("send webauthn create request: %w", err)
	}
	payload, err := c.await(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return protocol.ParseCredentialCreationResponseBody(bytes.NewReader(payload))
}

// PerformAssertion is PerformRegistration's login-ceremony counterpart.
func (c *wsCeremony) PerformAssertion(ctx context.Context, requestID string, opts *protocol.CredentialAssertion) (*protocol.ParsedCredentialAssertionData, error) {
	if c.sender == nil {
		return nil, fmt.Errorf("ceremony bridge has no attached sender")
	}
	if err := c.sender.Send(Envelope{RequestID: requestID, Type: typeWebAuthnGetRequest, Payload: mustMarshal(opts)}); err != nil {
		return nil, fmt.Errorf("send webauthn get request: %w", err)
	}
	payload, err := c.await(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(payload))
}
