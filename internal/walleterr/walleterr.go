// Package walleterr defines the typed error taxonomy carried on
// ERROR.payload.code across the parent<->wallet-host boundary.
package walleterr

import "fmt"

type Code string

const (
	InvalidRequest     Code = "INVALID_REQUEST"
	NotConfigured      Code = "NOT_CONFIGURED"
	Cancelled          Code = "CANCELLED"
	AuthFailed         Code = "AUTH_FAILED"
	PRFUnavailable     Code = "PRF_UNAVAILABLE"
	DecryptionFailed   Code = "DECRYPTION_FAILED"
	SigningFailed      Code = "SIGNING_FAILED"
	InvalidNonce       Code = "INVALID_NONCE"
	RPCTimeout         Code = "RPC_TIMEOUT"
	RPCTransient       Code = "RPC_TRANSIENT"
	BroadcastFailed    Code = "BROADCAST_FAILED"
	LinkDeviceInitFail Code = "LINK_DEVICE_INIT_FAILED"
	RecoveryFailed     Code = "RECOVERY_FAILED"
	HostError          Code = "HOST_ERROR"
	ReadyTimeout       Code = "READY_TIMEOUT" // transport-only, never crosses the port
)

// Error is the structured error carried in ERROR envelopes and returned
// by every component that can fail in a caller-visible way.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error with no details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying the wrapped error's message as Details.
func Wrap(code Code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Is lets errors.Is(err, walleterr.New(walleterr.Cancelled, "")) style
// comparisons match any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the taxonomy code from err, defaulting to HostError for
// any error not produced by New/Wrap — the dispatcher's ERROR.payload.code
// must always be one of the known codes, never a raw Go error string.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return HostError
}
