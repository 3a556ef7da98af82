// Package webauthnx wraps github.com/go-webauthn/webauthn for the NEAR
// wallet host: registration/login ceremony bookkeeping with sessions
// persisted via gorm, a device-scoped user handle ("accountId" for
// device 1, "accountId (n)" for device n>1), PRF extension eval on both
// registration and login, and rpId override resolution.
package webauthnx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nearkit/wallet-host/internal/store"
	"github.com/nearkit/wallet-host/internal/walleterr"
)

// ResolveRPID picks the relying-party id: if the host is the override
// or ends with '.'+override, use the override; otherwise use the host.
func ResolveRPID(host, override string) string {
	if override == "" {
		return host
	}
	if host == override || len(host) > len(override) && host[len(host)-len(override)-1:] == "."+override {
		return override
	}
	return host
}

// DeviceUserHandle builds the device-scoped user handle: accountId for
// device 1, "accountId (n)" for device n>1, preventing platform passkey
// sync from overwriting credentials across devices.
func DeviceUserHandle(accountID string, deviceIndex int) string {
	if deviceIndex <= 1 {
		return accountID
	}
	return fmt.Sprintf("%s (%d)", accountID, deviceIndex)
}

// PRFSalts are the two HKDF salts requested via the PRF extension eval:
// first=chacha20Salt, second=ed25519Salt.
type PRFSalts struct {
	First  []byte
	Second []byte
}

// PRFOutputs holds the two PRF results extracted from a credential
// response's clientExtensionResults.
type PRFOutputs struct {
	First  []byte
	Second []byte
}

// accountUser adapts one (accountId, deviceIndex) identity to the
// webauthn.User interface.
type accountUser struct {
	accountID   string
	deviceIndex int
	creds       []webauthn.Credential
}

func (u *accountUser) WebAuthnID() []byte         { return []byte(DeviceUserHandle(u.accountID, u.deviceIndex)) }
func (u *accountUser) WebAuthnName() string       { return u.accountID }
func (u *accountUser) WebAuthnDisplayName() string { return u.accountID }
func (u *accountUser) WebAuthnIcon() string        { return "" }
func (u *accountUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

type Service struct {
	wa *webauthn.WebAuthn
	db *gorm.DB
}

func New(db *gorm.DB, rpID, rpName, rpOrigin string) (*Service, error) {
	cfg := &webauthn.Config{
		RPDisplayName: rpName,
		RPID:          rpID,
		RPOrigins:     []string{rpOrigin},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: 60 * time.Second},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: 60 * time.Second},
		},
	}
	wa, err := webauthn.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("new webauthn: %w", err)
	}
	return &Service{wa: wa, db: db}, nil
}

// BeginRegistration starts a registration ceremony for a new device,
// requesting PRF extension eval on both salts. When challenge is
// non-empty it replaces go-webauthn's own randomly generated challenge,
// binding the ceremony to the first 32 bytes of a VRF output.
func (s *Service) BeginRegistration(accountID string, deviceIndex int, salts PRFSalts, existingCreds []webauthn.Credential, challenge []byte) (*protocol.CredentialCreation, string, error) {
	user := &accountUser{accountID: accountID, deviceIndex: deviceIndex, creds: existingCreds}

	residentKey := protocol.ResidentKeyRequirementRequired
	opts, session, err := s.wa.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey: residentKey,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithExtensions(protocol.AuthenticationExtensions{
			"prf": map[string]any{
				"eval": map[string]any{
					"first":  salts.First,
					"second": salts.Second,
				},
			},
		}),
	)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}
	overrideChallenge(&opts.Response.Challenge, session, challenge)

	sessionID, err := s.storeSession(accountID, session)
	if err != nil {
		return nil, "", err
	}
	return opts, sessionID, nil
}

// FinishRegistration validates the ceremony and returns the parsed
// credential plus extracted PRF outputs. It does not persist anything;
// the caller owns atomic persistence via internal/keystore.
func (s *Service) FinishRegistration(accountID string, deviceIndex int, sessionID string, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, PRFOutputs, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, PRFOutputs{}, err
	}

	user := &accountUser{accountID: accountID, deviceIndex: deviceIndex}
	cred, err := s.wa.CreateCredential(user, *session, response)
	if err != nil {
		return nil, PRFOutputs{}, walleterr.Wrap(walleterr.AuthFailed, "create credential", err.Error())
	}

	prf, err := extractPRF(response.ClientExtensionResults)
	s.deleteSession(sessionID)
	if err != nil {
		return cred, PRFOutputs{}, walleterr.Wrap(walleterr.PRFUnavailable, "credential response lacked PRF outputs", err.Error())
	}
	return cred, prf, nil
}

// BeginLogin starts a login ceremony with allowCredentials built from
// the account's known authenticators, requesting PRF eval as in
// registration. When challenge is non-empty it replaces go-webauthn's own
// randomly generated challenge the same way BeginRegistration does.
func (s *Service) BeginLogin(accountID string, salts PRFSalts, creds []webauthn.Credential, challenge []byte) (*protocol.CredentialAssertion, string, error) {
	user := &accountUser{accountID: accountID, creds: creds}

	opts, session, err := s.wa.BeginLogin(user,
		webauthn.WithUserVerification(protocol.VerificationPreferred),
		webauthn.WithAssertionExtensions(protocol.AuthenticationExtensions{
			"prf": map[string]any{
				"eval": map[string]any{
					"first":  salts.First,
					"second": salts.Second,
				},
			},
		}),
	)
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}
	overrideChallenge(&opts.Response.Challenge, session, challenge)

	sessionID, err := s.storeSession(accountID, session)
	if err != nil {
		return nil, "", err
	}
	return opts, sessionID, nil
}

// overrideChallenge replaces go-webauthn's randomly generated ceremony
// challenge with challenge on both the options sent to the authenticator
// and the session used later to validate its response, keeping the two
// sides consistent. A no-op when challenge is empty.
func overrideChallenge(optsChallenge *protocol.URLEncodedBase64, session *webauthn.SessionData, challenge []byte) {
	if len(challenge) == 0 {
		return
	}
	*optsChallenge = protocol.URLEncodedBase64(challenge)
	session.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
}

// FinishLogin validates the assertion and returns the extracted PRF
// outputs plus the matched credential's sign count for bookkeeping.
func (s *Service) FinishLogin(accountID, sessionID string, creds []webauthn.Credential, response *protocol.ParsedCredentialAssertionData) (PRFOutputs, uint32, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return PRFOutputs{}, 0, err
	}

	user := &accountUser{accountID: accountID, creds: creds}
	_, err = s.wa.ValidateLogin(user, *session, response)
	s.deleteSession(sessionID)
	if err != nil {
		return PRFOutputs{}, 0, walleterr.Wrap(walleterr.AuthFailed, "validate login", err.Error())
	}

	prf, err := extractPRF(response.ClientExtensionResults)
	if err != nil {
		return PRFOutputs{}, 0, walleterr.Wrap(walleterr.PRFUnavailable, "credential response lacked PRF outputs", err.Error())
	}
	return prf, response.Response.AuthenticatorData.Counter, nil
}

func extractPRF(ext protocol.AuthenticationExtensionsClientOutputs) (PRFOutputs, error) {
	raw, ok := ext["prf"]
	if !ok {
		return PRFOutputs{}, fmt.Errorf("no prf extension in clientExtensionResults")
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return PRFOutputs{}, fmt.Errorf("marshal prf extension: %w", err)
	}
	var parsed struct {
		Results struct {
			First  []byte `json:"first"`
			Second []byte `json:"second"`
		} `json:"results"`
	}
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return PRFOutputs{}, fmt.Errorf("unmarshal prf extension: %w", err)
	}
	if len(parsed.Results.First) == 0 {
		return PRFOutputs{}, fmt.Errorf("prf.results.first missing")
	}
	return PRFOutputs{First: parsed.Results.First, Second: parsed.Results.Second}, nil
}

func (s *Service) storeSession(accountID string, session *webauthn.SessionData) (string, error) {
	sessionID := uuid.New().String()
	blob, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	rec := &store.WebAuthnSession{
		ID:          sessionID,
		AccountID:   accountID,
		Challenge:   []byte(session.Challenge),
		SessionData: blob,
		ExpiresAt:   time.Now().Add(5 * time.Minute),
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(rec).Error; err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return sessionID, nil
}

func (s *Service) getSession(sessionID string) (*webauthn.SessionData, error) {
	var rec store.WebAuthnSession
	if err := s.db.Where("id = ?", sessionID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("session not found: %w", err)
	}
	if rec.IsExpired() {
		s.deleteSession(sessionID)
		return nil, fmt.Errorf("session expired")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(rec.SessionData, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *Service) deleteSession(sessionID string) {
	s.db.Where("id = ?", sessionID).Delete(&store.WebAuthnSession{})
}

// CleanupExpiredSessions drops ceremony sessions past their expiry.
func (s *Service) CleanupExpiredSessions() {
	s.db.Where("expires_at < ?", time.Now()).Delete(&store.WebAuthnSession{})
}
