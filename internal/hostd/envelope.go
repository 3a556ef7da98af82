// Package hostd is the wallet host dispatcher: the top-level message
// handler that adopts a transport connection, boots per-origin
// singletons (encrypted key store, preferences, near-rpc client, nonce
// manager, VRF worker manager, signer, confirmation UI), and dispatches
// each inbound envelope to a handler.
//
// The parent side reaches it over a single long-lived connection (see
// internal/transport's gorilla/websocket server); the Envelope/Dispatch
// shape is generalized to a Sender interface so it is
// transport-agnostic and testable.
package hostd

import "encoding/json"

// Envelope is the wire shape for every message crossing the host
// boundary: progress envelopes carry
// {requestId, type:'PROGRESS', payload:{step, phase, status, message, data?}};
// terminal replies carry exactly one PM_RESULT/ERROR envelope.
type Envelope struct {
	RequestID string          `json:"requestId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message type constants the dispatcher honors.
const (
	TypePing                    = "PING"
	TypeReady                   = "READY"
	TypeSetConfig               = "PM_SET_CONFIG"
	TypeCancel                  = "PM_CANCEL"
	TypeRegister                = "PM_REGISTER"
	TypeLogin                   = "PM_LOGIN"
	TypeLogout                  = "PM_LOGOUT"
	TypeGetLoginState           = "PM_GET_LOGIN_STATE"
	TypeSignTxsWithActions      = "PM_SIGN_TXS_WITH_ACTIONS"
	TypeSignAndSendTxs          = "PM_SIGN_AND_SEND_TXS"
	TypeSendTransaction         = "PM_SEND_TRANSACTION"
	TypeExecuteAction           = "PM_EXECUTE_ACTION"
	TypeSignNEP413              = "PM_SIGN_NEP413"
	TypeExportKeypair           = "PM_EXPORT_NEAR_KEYPAIR"
	TypeGetRecentLogins         = "PM_GET_RECENT_LOGINS"
	TypePrefetchBlockheight     = "PM_PREFETCH_BLOCKHEIGHT"
	TypeSetConfirmBehavior      = "PM_SET_CONFIRM_BEHAVIOR"
	TypeSetConfirmationConfig   = "PM_SET_CONFIRMATION_CONFIG"
	TypeGetConfirmationConfig   = "PM_GET_CONFIRMATION_CONFIG"
	TypeSetTheme                = "PM_SET_THEME"
	TypeHasPasskey              = "PM_HAS_PASSKEY"
	TypeViewAccessKeys          = "PM_VIEW_ACCESS_KEYS"
	TypeDeleteDeviceKey         = "PM_DELETE_DEVICE_KEY"
	TypeRecoverAccountFlow      = "PM_RECOVER_ACCOUNT_FLOW"
	TypeLinkDeviceWithScannedQR = "PM_LINK_DEVICE_WITH_SCANNED_QR_DATA"
	TypeStartDevice2LinkingFlow = "PM_START_DEVICE2_LINKING_FLOW"
	TypeStopDevice2LinkingFlow  = "PM_STOP_DEVICE2_LINKING_FLOW"

	typeProgress = "PROGRESS"
	typeResult   = "PM_RESULT"
	typeError    = "ERROR"

	// Ceremony round-trip envelope types: the dispatcher asks the
	// connected browser to run a real navigator.credentials call and
	// waits for the matching response envelope.
	typeWebAuthnCreateRequest  = "WEBAUTHN_CREATE_REQUEST"
	typeWebAuthnCreateResponse = "WEBAUTHN_CREATE_RESPONSE"
	typeWebAuthnGetRequest     = "WEBAUTHN_GET_REQUEST"
	typeWebAuthnGetResponse    = "WEBAUTHN_GET_RESPONSE"
)

// ErrorPayload is ERROR.payload's shape.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ProgressPayload is PROGRESS.payload's shape.
type ProgressPayload struct {
	Step    int    `json:"step"`
	Phase   string `json:"phase"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Sender delivers outbound envelopes to the connected relying page; the
// websocket transport implements it (see internal/transport).
type Sender interface {
	Send(env Envelope) error
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
