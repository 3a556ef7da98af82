// Package signer runs one signing operation end-to-end while streaming
// progress: registration, single/batched transaction signing, NEP-413
// message signing, and key export. Serial processing per account is
// preserved by the caller holding one Signer per active session.
//
// The actual WebAuthn ceremony (navigator.credentials.create/get) runs
// in the relying browser, reached over the websocket transport; this
// package depends only on the Ceremony interface so the state-machine
// logic is independent of that transport.
package signer

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/rs/zerolog"

	"github.com/nearkit/wallet-host/internal/confirmation"
	"github.com/nearkit/wallet-host/internal/keystore"
	"github.com/nearkit/wallet-host/internal/nearrpc"
	"github.com/nearkit/wallet-host/internal/nonce"
	"github.com/nearkit/wallet-host/internal/prefs"
	"github.com/nearkit/wallet-host/internal/store"
	"github.com/nearkit/wallet-host/internal/vrf"
	"github.com/nearkit/wallet-host/internal/walleterr"
	"github.com/nearkit/wallet-host/internal/webauthnx"
	"github.com/nearkit/wallet-host/pkg/cryptoprim"
)

// Phase names line up with the numbered pipeline steps so progress
// payloads are self-describing on the wire.
const (
	PhasePreparation    = "preparation"
	PhaseConfirmation   = "confirmation"
	PhaseAuthenticating = "authenticating"
	PhaseAuthComplete   = "auth_complete"
	PhaseSigning        = "signing"
	PhaseSigned         = "signed"
	PhaseBroadcasting   = "broadcasting"
	PhaseBroadcastDone  = "broadcast_done"
	PhaseActionError    = "ACTION_ERROR"
)

// Progress is one `{requestId, step, phase, status, message}` envelope.
// Every handler streams numbered progress along the signing pipeline.
type Progress struct {
	RequestID string
	Step      int
	Phase     string
	Status    string // progress|complete|error
	Message   string
	Data      any
}

type ProgressFunc func(Progress)

func emit(pf ProgressFunc, requestID string, step int, phase, status, message string, data any) {
	if pf == nil {
		return
	}
	pf(Progress{RequestID: requestID, Step: step, Phase: phase, Status: status, Message: message, Data: data})
}

// Ceremony performs the actual WebAuthn round trip against the relying
// browser — owned by the wallet host dispatcher, not this package, so
// the FSM can be unit tested with a fake.
type Ceremony interface {
	PerformRegistration(ctx context.Context, requestID string, opts *protocol.CredentialCreation) (*protocol.ParsedCredentialCreationData, error)
	PerformAssertion(ctx context.Context, requestID string, opts *protocol.CredentialAssertion) (*protocol.ParsedCredentialAssertionData, error)
}

// WebAuthnService is the ceremony bookkeeping collaborator: challenge/
// session issuance, response validation, and PRF extraction.
// *webauthnx.Service is the production implementation; tests substitute a
// fake so the FSM can be exercised without a real platform authenticator.
type WebAuthnService interface {
	BeginRegistration(accountID string, deviceIndex int, salts webauthnx.PRFSalts, existingCreds []webauthn.Credential, challenge []byte) (*protocol.CredentialCreation, string, error)
	FinishRegistration(accountID string, deviceIndex int, sessionID string, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, webauthnx.PRFOutputs, error)
	BeginLogin(accountID string, salts webauthnx.PRFSalts, creds []webauthn.Credential, challenge []byte) (*protocol.CredentialAssertion, string, error)
	FinishLogin(accountID, sessionID string, creds []webauthn.Credential, response *protocol.ParsedCredentialAssertionData) (webauthnx.PRFOutputs, uint32, error)
}

// Action is one queued action in a transaction, mirroring
// cryptoprim.Action but accepting spec-facing field names.
type Action struct {
	Kind         cryptoprim.ActionKind `json:"kind"`
	MethodName   string                `json:"methodName,omitempty"`
	Args         []byte                `json:"args,omitempty"`
	Gas          uint64                `json:"gas,omitempty"`
	DepositYocto string                `json:"depositYocto,omitempty"`
}

// TxInput is one queued transaction to sign.
type TxInput struct {
	ReceiverID string   `json:"receiverId"`
	Actions    []Action `json:"actions"`
}

// SignedTx is the Ed25519-signed, borsh-encoded outcome of one TxInput.
type SignedTx struct {
	Nonce       uint64 `json:"nonce"`
	BlockHash   string `json:"blockHash"`
	SignedTxB64 string `json:"signedTx"`
	Hash        string `json:"hash,omitempty"` // populated only after a successful broadcast
}

// ConfirmationOverride lets a single call override the effective
// confirmation config, merged per-call-override over user-pref over
// default.
type ConfirmationOverride struct {
	UIMode             string `json:"uiMode,omitempty"`
	Behavior           string `json:"behavior,omitempty"`
	AutoProceedDelayMS int    `json:"autoProceedDelayMs,omitempty"`
}

// Deps bundles every collaborator the signer FSM orchestrates. All
// fields are required except VRF, which is optional (a deployment may
// choose not to exercise the VRF challenge path).
type Deps struct {
	WebAuthn WebAuthnService
	Ceremony Ceremony
	VRF      *vrf.Manager
	Confirm  *confirmation.Controller
	Keys     *keystore.Store
	Prefs    *prefs.Store
	RPC      *nearrpc.Client
	Log      zerolog.Logger
}

// Signer drives the signing state machine for one active login session.
// A fresh nonce.Manager is bound at login and cleared at logout.
type Signer struct {
	deps  Deps
	nonce *nonce.Manager
}

func New(deps Deps) *Signer {
	return &Signer{deps: deps}
}

// BindSession installs the nonce manager for the account that just
// logged in or registered.
func (s *Signer) BindSession(mgr *nonce.Manager) { s.nonce = mgr }

// ClearSession drops the bound nonce manager on logout.
func (s *Signer) ClearSession() {
	if s.nonce != nil {
		s.nonce.Reset()
	}
	s.nonce = nil
}

// PrefetchBlockheight nudges the session's nonce manager to refresh
// stale block data in the background. No-op without an active session.
func (s *Signer) PrefetchBlockheight() {
	if s.nonce != nil {
		s.nonce.PrefetchBlockheight()
	}
}

// SetRPC swaps the RPC client after a config change and clears the
// bound session: the old nonce manager closed over the old client, so
// the next login rebinds against the new one.
func (s *Signer) SetRPC(c *nearrpc.Client) {
	s.deps.RPC = c
	s.ClearSession()
}

func fail(code walleterr.Code, msg string, details any) error {
	return walleterr.Wrap(code, msg, details)
}

// RegisterRequest starts a new device registration.
type RegisterRequest struct {
	AccountID              string                `json:"accountId"`
	DeviceIndex            int                   `json:"deviceIndex"` // 1 for the first device on this account
	RPID                   string                `json:"rpId,omitempty"`
	RPOverride             string                `json:"rpIdOverride,omitempty"`
	ExistingAuthenticators []webauthn.Credential `json:"-"`
}

// RegisterResult is the durable outcome of a successful registration.
type RegisterResult struct {
	PublicKey    string `json:"publicKey"` // "ed25519:<base58>", see encodePublicKey
	CredentialID []byte `json:"credentialId"`
	VRFPublicKey []byte `json:"vrfPublicKey,omitempty"`
}

// Register runs PREPARING -> AUTHENTICATING -> AUTH_COMPLETE -> SIGNING
// (key derivation + persistence). The confirmation state is skipped:
// registration has no queued actions to confirm.
func (s *Signer) Register(ctx context.Context, requestID string, req RegisterRequest, pf ProgressFunc) (*RegisterResult, error) {
	emit(pf, requestID, 1, PhasePreparation, "progress", "validating registration request", nil)
	if req.AccountID == "" {
		return nil, fail(walleterr.InvalidRequest, "accountId is required", nil)
	}
	if req.DeviceIndex < 1 {
		req.DeviceIndex = 1
	}

	// RPID/RPOverride resolution is baked into the webauthn.Config at
	// webauthnx.Service construction time; the fields stay on
	// RegisterRequest so callers can validate them up front.
	salts := derivedSalts(req.AccountID)

	emit(pf, requestID, 4, PhaseAuthenticating, "progress", "beginning webauthn registration ceremony", nil)
	// No VRF session can exist yet for a brand-new device (it is only
	// derived from a PRF output this very ceremony produces), so
	// registration always takes go-webauthn's own random challenge.
	opts, sessionID, err := s.deps.WebAuthn.BeginRegistration(req.AccountID, req.DeviceIndex, salts, req.ExistingAuthenticators, nil)
	if err != nil {
		return nil, fail(walleterr.AuthFailed, "begin registration", err.Error())
	}

	resp, err := s.deps.Ceremony.PerformRegistration(ctx, requestID, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fail(walleterr.Cancelled, "registration cancelled", nil)
		}
		return nil, fail(walleterr.AuthFailed, "webauthn registration failed", err.Error())
	}
	if cancelled(ctx) {
		return nil, fail(walleterr.Cancelled, "registration cancelled", nil)
	}

	cred, prf, err := s.deps.WebAuthn.FinishRegistration(req.AccountID, req.DeviceIndex, sessionID, resp)
	if err != nil {
		return nil, err
	}
	emit(pf, requestID, 5, PhaseAuthComplete, "progress", "prf outputs extracted", nil)

	chachaKey, err := cryptoprim.DeriveKey(prf.First, cryptoprim.ChaCha20Salt(req.AccountID), chacha20KeySize)
	if err != nil {
		return nil, fail(walleterr.SigningFailed, "derive chacha20 key", err.Error())
	}
	ed25519Seed, err := cryptoprim.DeriveKey(prf.Second, cryptoprim.Ed25519Salt(req.AccountID), ed25519SeedSize)
	if err != nil {
		return nil, fail(walleterr.SigningFailed, "derive ed25519 seed", err.Error())
	}
	pub, priv, err := cryptoprim.GenerateEd25519FromSeed(ed25519Seed)
	if err != nil {
		return nil, fail(walleterr.SigningFailed, "generate ed25519 keypair", err.Error())
	}

	ciphertext, iv, err := cryptoprim.Seal(chachaKey, priv.Seed())
	if err != nil {
		return nil, fail(walleterr.SigningFailed, "encrypt signing key", err.Error())
	}
	emit(pf, requestID, 6, PhaseSigning, "progress", "persisting encrypted key record", nil)

	publicKeyStr := encodePublicKey(pub)
	keyRec := store.EncryptedKeyRecord{
		AccountID:   req.AccountID,
		DeviceIndex: req.DeviceIndex,
		Ciphertext:  ciphertext,
		IV:          iv,
		PublicKey:   publicKeyStr,
		CreatedAt:   time.Now(),
	}
	authRec := store.AuthenticatorRecord{
		AccountID:        req.AccountID,
		CredentialID:     cred.ID,
		PublicKeyCOSE:    cred.PublicKey,
		DeviceIndex:      req.DeviceIndex,
		UserVerification: "preferred",
		CreatedAt:        time.Now(),
	}
	if err := s.deps.Keys.RegisterKey(keyRec, authRec); err != nil {
		return nil, err
	}

	var vrfPub []byte
	if s.deps.VRF != nil {
		if pubKey, verr := s.deps.VRF.DeriveFromPRF(req.AccountID, prf.First); verr == nil {
			vrfPub = pubKey
		}
		// Best-effort: enroll the keypair for server-assisted unlock so
		// later logins can skip the WebAuthn ceremony when the relay is up.
		if verr := s.deps.VRF.EnrollServerAssisted(ctx, req.AccountID, prf.First); verr != nil {
			s.deps.Log.Warn().Err(verr).Str("account", req.AccountID).Msg("vrf server-assisted enrollment failed")
		}
	}

	emit(pf, requestID, 7, PhaseSigned, "complete", "registration complete", nil)
	return &RegisterResult{PublicKey: publicKeyStr, CredentialID: cred.ID, VRFPublicKey: vrfPub}, nil
}

// LoginRequest starts an authentication ceremony for an existing account.
type LoginRequest struct {
	AccountID      string                `json:"accountId"`
	RPID           string                `json:"rpId,omitempty"`
	RPOverride     string                `json:"rpIdOverride,omitempty"`
	Authenticators []webauthn.Credential `json:"-"`
}

type LoginResult struct {
	PublicKey string `json:"publicKey"`
	PRFFirst  []byte `json:"-"`
	PRFSecond []byte `json:"-"`
}

// Login runs PREPARING -> AUTHENTICATING -> AUTH_COMPLETE, returning the
// PRF outputs the caller needs to bind a nonce.Manager and, if desired,
// unlock the VRF session.
func (s *Signer) Login(ctx context.Context, requestID string, req LoginRequest, pf ProgressFunc) (*LoginResult, error) {
	emit(pf, requestID, 1, PhasePreparation, "progress", "validating login request", nil)
	if req.AccountID == "" {
		return nil, fail(walleterr.InvalidRequest, "accountId is required", nil)
	}

	salts := derivedSalts(req.AccountID)
	emit(pf, requestID, 4, PhaseAuthenticating, "progress", "beginning webauthn login ceremony", nil)
	// Logout clears the VRF session (internal/vrf), so the account that
	// is logging back in never has one active yet either; Login takes
	// the library's own random challenge, same as Register.
	opts, sessionID, err := s.deps.WebAuthn.BeginLogin(req.AccountID, salts, req.Authenticators, nil)
	if err != nil {
		return nil, fail(walleterr.AuthFailed, "begin login", err.Error())
	}

	resp, err := s.deps.Ceremony.PerformAssertion(ctx, requestID, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fail(walleterr.Cancelled, "login cancelled", nil)
		}
		return nil, fail(walleterr.AuthFailed, "webauthn login failed", err.Error())
	}
	if cancelled(ctx) {
		return nil, fail(walleterr.Cancelled, "login cancelled", nil)
	}

	prf, signCount, err := s.deps.WebAuthn.FinishLogin(req.AccountID, sessionID, req.Authenticators, resp)
	if err != nil {
		return nil, err
	}
	if len(resp.RawID) > 0 {
		_ = s.deps.Keys.TouchAuthenticator(resp.RawID, signCount)
	}
	emit(pf, requestID, 5, PhaseAuthComplete, "complete", "authentication complete", nil)

	keyRec, err := s.deps.Keys.Get(req.AccountID, 1)
	publicKeyStr := ""
	if err == nil {
		publicKeyStr = keyRec.PublicKey
	}
	return &LoginResult{PublicKey: publicKeyStr, PRFFirst: prf.First, PRFSecond: prf.Second}, nil
}

// SignTxsRequest signs (without broadcasting) one or more transactions.
type SignTxsRequest struct {
	AccountID   string               `json:"accountId"`
	DeviceIndex int                  `json:"deviceIndex"`
	Txs         []TxInput            `json:"transactions"`
	Confirm     ConfirmationOverride `json:"confirm,omitempty"`
}

// signCore implements PREPARING..SIGNED, shared by SignTxsWithActions and
// SignAndSendTxs (which additionally broadcasts each signed tx).
func (s *Signer) signCore(ctx context.Context, requestID string, req SignTxsRequest, pf ProgressFunc) ([]SignedTx, ed25519PublicKeyHex, error) {
	emit(pf, requestID, 1, PhasePreparation, "progress", "validating transaction inputs", nil)
	if req.AccountID == "" {
		return nil, "", fail(walleterr.InvalidRequest, "accountId is required", nil)
	}
	if len(req.Txs) == 0 {
		return nil, "", fail(walleterr.InvalidRequest, "at least one transaction is required", nil)
	}
	for _, tx := range req.Txs {
		if tx.ReceiverID == "" {
			return nil, "", fail(walleterr.InvalidRequest, "receiverId is required", nil)
		}
		for _, a := range tx.Actions {
			if a.Kind == cryptoprim.ActionFunctionCall && a.MethodName == "" {
				return nil, "", fail(walleterr.InvalidRequest, "methodName is required for function call actions", nil)
			}
		}
	}
	if s.nonce == nil {
		return nil, "", fail(walleterr.NotConfigured, "no active session: login before signing", nil)
	}
	if req.DeviceIndex < 1 {
		req.DeviceIndex = 1
	}

	// Pre-warm the nonce manager so signing does not race block-hash
	// refresh.
	if _, err := s.nonce.GetNonceBlockHashAndHeight(ctx, true); err != nil {
		return nil, "", fail(walleterr.RPCTransient, "prefetch block data", err.Error())
	}

	cfg := s.effectiveConfirmation(req.AccountID, req.Confirm)
	emit(pf, requestID, 2, PhaseConfirmation, "progress", "awaiting user confirmation", nil)
	decision, err := s.deps.Confirm.Present(ctx, requestID, confirmation.PresentRequest{
		Summary:            summarize(req.Txs),
		UIMode:             confirmation.UIMode(cfg.UIMode),
		Behavior:           confirmation.Behavior(cfg.Behavior),
		AutoProceedDelayMS: cfg.AutoProceedDelayMS,
		Theme:              cfg.Theme,
	}, func(phase, msg string) { emit(pf, requestID, 2, phase, "progress", msg, nil) })
	if err != nil {
		return nil, "", fail(walleterr.HostError, "present confirmation", err.Error())
	}
	if decision.Cancelled {
		emit(pf, requestID, 2, PhaseActionError, "error", "user cancelled", nil)
		return nil, "", fail(walleterr.Cancelled, "user cancelled confirmation", nil)
	}

	// Re-authenticate for this specific operation: every signing call
	// performs its own fresh assertion ceremony and PRF extraction rather
	// than reusing whatever a prior Login captured. The private key only
	// ever exists reconstructed from the PRF output of the current call.
	prf, err := s.authenticate(ctx, requestID, req.AccountID, pf)
	if err != nil {
		return nil, "", err
	}
	prfFirst := prf.First

	chachaKey, err := cryptoprim.DeriveKey(prfFirst, cryptoprim.ChaCha20Salt(req.AccountID), chacha20KeySize)
	if err != nil {
		return nil, "", fail(walleterr.SigningFailed, "derive chacha20 key", err.Error())
	}
	keyRec, err := s.deps.Keys.Get(req.AccountID, req.DeviceIndex)
	if err != nil {
		return nil, "", fail(walleterr.DecryptionFailed, "no encrypted key record for account", err.Error())
	}
	seedBytes, err := cryptoprim.Open(chachaKey, keyRec.IV, keyRec.Ciphertext)
	if err != nil {
		return nil, "", fail(walleterr.DecryptionFailed, "decrypt signing key", err.Error())
	}
	pub, priv, err := cryptoprim.GenerateEd25519FromSeed(seedBytes)
	if err != nil {
		return nil, "", fail(walleterr.SigningFailed, "reconstruct keypair", err.Error())
	}
	if encodePublicKey(pub) != keyRec.PublicKey {
		return nil, "", fail(walleterr.DecryptionFailed, "decrypted key does not match stored public key", nil)
	}

	emit(pf, requestID, 6, PhaseSigning, "progress", "reserving nonces and signing transactions", nil)
	nonces, err := s.nonce.ReserveNonces(len(req.Txs))
	if err != nil {
		return nil, "", fail(walleterr.InvalidNonce, "reserve nonces", err.Error())
	}

	block, err := s.nonce.GetNonceBlockHashAndHeight(ctx, false)
	if err != nil {
		s.releaseAll(nonces)
		return nil, "", fail(walleterr.RPCTransient, "fetch block data", err.Error())
	}
	blockHashBytes, err := decodeBlockHash(block.BlockHash)
	if err != nil {
		s.releaseAll(nonces)
		return nil, "", fail(walleterr.SigningFailed, "decode block hash", err.Error())
	}

	var pubKeyArr [32]byte
	copy(pubKeyArr[:], pub)

	signed := make([]SignedTx, 0, len(req.Txs))
	for i, txIn := range req.Txs {
		actions := make([]cryptoprim.Action, 0, len(txIn.Actions))
		for _, a := range txIn.Actions {
			actions = append(actions, cryptoprim.Action{
				Kind: a.Kind, MethodName: a.MethodName, Args: a.Args, Gas: a.Gas, DepositYocto: a.DepositYocto,
			})
		}
		txBody := cryptoprim.Transaction{
			SignerID:   req.AccountID,
			PublicKey:  pubKeyArr,
			Nonce:      nonces[i],
			ReceiverID: txIn.ReceiverID,
			BlockHash:  blockHashBytes,
			Actions:    actions,
		}
		encoded, err := cryptoprim.EncodeTransaction(txBody)
		if err != nil {
			s.releaseAll(nonces)
			return nil, "", fail(walleterr.SigningFailed, "encode transaction", err.Error())
		}
		sig := cryptoprim.Sign(priv, encoded)
		signedTxB64, err := encodeSignedTransaction(encoded, sig)
		if err != nil {
			s.releaseAll(nonces)
			return nil, "", fail(walleterr.SigningFailed, "encode signed transaction", err.Error())
		}
		signed = append(signed, SignedTx{Nonce: nonces[i], BlockHash: block.BlockHash, SignedTxB64: signedTxB64})
	}
	emit(pf, requestID, 7, PhaseSigned, "complete", "transactions signed", nil)
	return signed, ed25519PublicKeyHex(encodePublicKey(pub)), nil
}

// SignTxsWithActions implements PM_SIGN_TXS_WITH_ACTIONS: sign only, no
// broadcast.
func (s *Signer) SignTxsWithActions(ctx context.Context, requestID string, req SignTxsRequest, pf ProgressFunc) ([]SignedTx, error) {
	signed, _, err := s.signCore(ctx, requestID, req, pf)
	if err != nil {
		return nil, err
	}
	for _, n := range nonceValues(signed) {
		s.nonce.ReleaseNonce(n) // signing without sending does not hold the reservation
	}
	return signed, nil
}

// SignAndSendTxsRequest extends SignTxsRequest with broadcast options.
type SignAndSendTxsRequest struct {
	SignTxsRequest
	WaitUntil           string `json:"waitUntil,omitempty"`
	ExecuteSequentially bool   `json:"executeSequentially,omitempty"` // advisory only; results are always returned in input order
}

// SignAndSendTxs implements PM_SIGN_AND_SEND_TXS: sign then broadcast
// each transaction, sequentially, to avoid INVALID_NONCE races.
func (s *Signer) SignAndSendTxs(ctx context.Context, requestID string, req SignAndSendTxsRequest, pf ProgressFunc) ([]SignedTx, error) {
	signed, _, err := s.signCore(ctx, requestID, req.SignTxsRequest, pf)
	if err != nil {
		return nil, err
	}

	emit(pf, requestID, 8, PhaseBroadcasting, "progress", "broadcasting transactions", nil)
	for i := range signed {
		hash, sendErr := s.deps.RPC.SendTransaction(ctx, signed[i].SignedTxB64, req.WaitUntil)
		if sendErr != nil {
			s.nonce.ReleaseNonce(signed[i].Nonce)
			emit(pf, requestID, 8, PhaseActionError, "error", "broadcast failed", nil)
			return signed[:i], sendErr
		}
		signed[i].Hash = hash
		actualNonce := signed[i].Nonce
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if uerr := s.nonce.UpdateNonceFromBlockchain(bgCtx, actualNonce); uerr != nil {
				s.deps.Log.Warn().Err(uerr).Msg("post-broadcast nonce reconciliation failed")
			}
		}()
	}
	emit(pf, requestID, 9, PhaseBroadcastDone, "complete", "broadcast complete", nil)
	return signed, nil
}

// NEP413Request signs an off-chain message per the NEP-413 standard.
type NEP413Request struct {
	AccountID   string  `json:"accountId"`
	DeviceIndex int     `json:"deviceIndex"`
	Message     string  `json:"message"`
	Recipient   string  `json:"recipient"`
	State       *string `json:"state,omitempty"`
}

type NEP413Result struct {
	PublicKey string `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// SignNEP413 authenticates, then builds the NEP-413 payload and signs it:
// borsh-encode, prefix, hash, then sign. Unlike transaction signing it
// presents no confirmation step and reserves no nonce.
func (s *Signer) SignNEP413(ctx context.Context, requestID string, req NEP413Request, pf ProgressFunc) (*NEP413Result, error) {
	emit(pf, requestID, 1, PhasePreparation, "progress", "validating nep-413 request", nil)
	if req.AccountID == "" || req.Message == "" || req.Recipient == "" {
		return nil, fail(walleterr.InvalidRequest, "accountId, message and recipient are required", nil)
	}
	if req.DeviceIndex < 1 {
		req.DeviceIndex = 1
	}

	prf, err := s.authenticate(ctx, requestID, req.AccountID, pf)
	if err != nil {
		return nil, err
	}

	chachaKey, err := cryptoprim.DeriveKey(prf.First, cryptoprim.ChaCha20Salt(req.AccountID), chacha20KeySize)
	if err != nil {
		return nil, fail(walleterr.SigningFailed, "derive chacha20 key", err.Error())
	}
	keyRec, err := s.deps.Keys.Get(req.AccountID, req.DeviceIndex)
	if err != nil {
		return nil, fail(walleterr.DecryptionFailed, "no encrypted key record for account", err.Error())
	}
	seedBytes, err := cryptoprim.Open(chachaKey, keyRec.IV, keyRec.Ciphertext)
	if err != nil {
		return nil, fail(walleterr.DecryptionFailed, "decrypt signing key", err.Error())
	}
	pub, priv, err := cryptoprim.GenerateEd25519FromSeed(seedBytes)
	if err != nil {
		return nil, fail(walleterr.SigningFailed, "reconstruct keypair", err.Error())
	}

	emit(pf, requestID, 6, PhaseSigning, "progress", "signing nep-413 payload", nil)
	var nonceBytes [32]byte
	copy(nonceBytes[:], cryptoprim.SHA256([]byte(requestID+req.Message))[:32])
	payload := cryptoprim.NEP413Payload{Message: req.Message, Recipient: req.Recipient, Nonce: nonceBytes, State: req.State}
	encoded := cryptoprim.EncodeNEP413(payload)
	digest := cryptoprim.SHA256(encoded)
	sig := cryptoprim.Sign(priv, digest)

	emit(pf, requestID, 7, PhaseSigned, "complete", "nep-413 message signed", nil)
	return &NEP413Result{PublicKey: encodePublicKey(pub), Signature: sig}, nil
}

// ExportKeyRequest decrypts and returns the raw signing key for an
// account/device. Like signing, it performs its own fresh WebAuthn
// assertion ceremony rather than accepting a caller-supplied PRF output.
type ExportKeyRequest struct {
	AccountID   string `json:"accountId"`
	DeviceIndex int    `json:"deviceIndex"`
}

// ExportKey implements PM_EXPORT_NEAR_KEYPAIR.
func (s *Signer) ExportKey(ctx context.Context, requestID string, req ExportKeyRequest, pf ProgressFunc) (ed25519Seed, ed25519Public []byte, err error) {
	if req.AccountID == "" {
		return nil, nil, fail(walleterr.InvalidRequest, "accountId is required", nil)
	}
	if req.DeviceIndex < 1 {
		req.DeviceIndex = 1
	}
	prf, err := s.authenticate(ctx, requestID, req.AccountID, pf)
	if err != nil {
		return nil, nil, err
	}
	chachaKey, err := cryptoprim.DeriveKey(prf.First, cryptoprim.ChaCha20Salt(req.AccountID), chacha20KeySize)
	if err != nil {
		return nil, nil, fail(walleterr.SigningFailed, "derive chacha20 key", err.Error())
	}
	keyRec, err := s.deps.Keys.Get(req.AccountID, req.DeviceIndex)
	if err != nil {
		return nil, nil, fail(walleterr.DecryptionFailed, "no encrypted key record for account", err.Error())
	}
	seedBytes, err := cryptoprim.Open(chachaKey, keyRec.IV, keyRec.Ciphertext)
	if err != nil {
		return nil, nil, fail(walleterr.DecryptionFailed, "decrypt signing key", err.Error())
	}
	pub, _, err := cryptoprim.GenerateEd25519FromSeed(seedBytes)
	if err != nil {
		return nil, nil, fail(walleterr.SigningFailed, "reconstruct keypair", err.Error())
	}
	return seedBytes, pub, nil
}

// RecoverAccountResult is a discover-only outcome: it reports what was
// found without mutating any encrypted key record.
type RecoverAccountResult struct {
	AccountID             string `json:"accountId"`
	HasEncryptedKeyRecord bool   `json:"hasEncryptedKeyRecord"`
	AuthenticatorCount    int    `json:"authenticatorCount"`
}

// RecoverAccount discovers whether an account has recoverable state
// without performing any key rotation — a subsequent explicit
// LinkDevice-style call performs rotation.
func (s *Signer) RecoverAccount(accountID string) (*RecoverAccountResult, error) {
	if accountID == "" {
		return nil, fail(walleterr.InvalidRequest, "accountId is required", nil)
	}
	auths, err := s.deps.Keys.Authenticators(accountID)
	if err != nil {
		return nil, fail(walleterr.RecoveryFailed, "query authenticators", err.Error())
	}
	_, keyErr := s.deps.Keys.Get(accountID, 1)
	return &RecoverAccountResult{
		AccountID:             accountID,
		HasEncryptedKeyRecord: keyErr == nil,
		AuthenticatorCount:    len(auths),
	}, nil
}

// --- helpers ---

const chacha20KeySize = 32
const ed25519SeedSize = 32

type ed25519PublicKeyHex = string

func derivedSalts(accountID string) webauthnx.PRFSalts {
	return webauthnx.PRFSalts{
		First:  []byte(cryptoprim.ChaCha20Salt(accountID)),
		Second: []byte(cryptoprim.Ed25519Salt(accountID)),
	}
}

// authenticate runs a fresh WebAuthn assertion ceremony for accountID and
// returns its PRF outputs, emitting AUTHENTICATING/AUTH_COMPLETE. Every
// signing, export, and NEP-413 call goes through this rather than reusing
// PRF captured at a prior Login. When a VRF session is already active for
// the account, the ceremony's challenge is the prefix of a fresh VRF
// output bound to current block data; otherwise go-webauthn's own random
// challenge is used.
func (s *Signer) authenticate(ctx context.Context, requestID, accountID string, pf ProgressFunc) (webauthnx.PRFOutputs, error) {
	creds, err := s.credentials(accountID)
	if err != nil {
		return webauthnx.PRFOutputs{}, err
	}

	var challenge []byte
	if s.deps.VRF != nil && s.nonce != nil {
		block, berr := s.nonce.GetNonceBlockHashAndHeight(ctx, false)
		if berr != nil {
			s.deps.Log.Warn().Err(berr).Msg("fetch block data for vrf challenge failed, falling back to a random webauthn challenge")
		} else if vc, verr := s.deps.VRF.GenerateChallenge(accountID, "", block.BlockHeight, block.BlockHash); verr != nil {
			s.deps.Log.Warn().Err(verr).Msg("vrf challenge generation failed, falling back to a random webauthn challenge")
		} else {
			challenge = cryptoprim.WebAuthnChallenge(vc)
		}
	}

	salts := derivedSalts(accountID)
	emit(pf, requestID, 4, PhaseAuthenticating, "progress", "beginning webauthn assertion ceremony", nil)
	opts, sessionID, err := s.deps.WebAuthn.BeginLogin(accountID, salts, creds, challenge)
	if err != nil {
		return webauthnx.PRFOutputs{}, fail(walleterr.AuthFailed, "begin login", err.Error())
	}

	resp, err := s.deps.Ceremony.PerformAssertion(ctx, requestID, opts)
	if err != nil {
		if ctx.Err() != nil {
			return webauthnx.PRFOutputs{}, fail(walleterr.Cancelled, "authentication cancelled", nil)
		}
		return webauthnx.PRFOutputs{}, fail(walleterr.AuthFailed, "webauthn assertion failed", err.Error())
	}
	if cancelled(ctx) {
		return webauthnx.PRFOutputs{}, fail(walleterr.Cancelled, "authentication cancelled", nil)
	}

	prf, signCount, err := s.deps.WebAuthn.FinishLogin(accountID, sessionID, creds, resp)
	if err != nil {
		return webauthnx.PRFOutputs{}, err
	}
	if len(resp.RawID) > 0 {
		_ = s.deps.Keys.TouchAuthenticator(resp.RawID, signCount)
	}
	emit(pf, requestID, 5, PhaseAuthComplete, "progress", "prf outputs extracted", nil)
	return prf, nil
}

// credentials loads the webauthn.Credential allowCredentials set for
// accountID, the signer-side mirror of internal/hostd's credentialsFor.
func (s *Signer) credentials(accountID string) ([]webauthn.Credential, error) {
	recs, err := s.deps.Keys.Authenticators(accountID)
	if err != nil {
		return nil, fail(walleterr.AuthFailed, "query authenticators", err.Error())
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

func encodePublicKey(pub []byte) string {
	return cryptoprim.EncodePublicKey(pub)
}

func decodeBlockHash(hash string) ([32]byte, error) {
	return cryptoprim.DecodeBlockHash(hash)
}

func summarize(txs []TxInput) confirmation.Summary {
	if len(txs) == 0 {
		return confirmation.Summary{}
	}
	first := txs[0]
	method := ""
	amount := ""
	for _, a := range first.Actions {
		if a.Kind == cryptoprim.ActionFunctionCall && method == "" {
			method = a.MethodName
		}
		if a.DepositYocto != "" {
			amount = a.DepositYocto
		}
	}
	return confirmation.Summary{ReceiverID: first.ReceiverID, Method: method, AmountYocto: amount}
}

func (s *Signer) effectiveConfirmation(accountID string, override ConfirmationOverride) prefs.ConfirmationConfig {
	cfg, _ := s.deps.Prefs.Get(accountID)
	if override.UIMode != "" {
		cfg.UIMode = override.UIMode
	}
	if override.Behavior != "" {
		cfg.Behavior = override.Behavior
	}
	if override.AutoProceedDelayMS > 0 {
		cfg.AutoProceedDelayMS = override.AutoProceedDelayMS
	}
	return cfg.Effective()
}

func (s *Signer) releaseAll(nonces []uint64) {
	for _, n := range nonces {
		s.nonce.ReleaseNonce(n)
	}
}

func nonceValues(signed []SignedTx) []uint64 {
	out := make([]uint64, len(signed))
	for i, s := range signed {
		out[i] = s.Nonce
	}
	return out
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// encodeSignedTransaction borsh-appends the signature after the
// transaction body and base64-encodes the result, the wire shape
// send_tx expects.
func encodeSignedTransaction(txBody, sig []byte) (string, error) {
	w := cryptoprim.NewBorshWriter()
	w.WriteFixedBytes(txBody)
	w.WriteU8(0) // KeyType::ED25519
	w.WriteFixedBytes(sig)
	return base64.StdEncoding.EncodeToString(w.Bytes()), nil
}
