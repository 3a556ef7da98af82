// Package router is the parent-side counterpart to internal/hostd: it turns
// method-shaped calls into correlated envelopes, fans progress out to
// subscribers, and owns the activation-overlay policy and per-request
// timeout/cancellation, for two Go processes talking over
// internal/transport.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nearkit/wallet-host/internal/hostd"
	"github.com/nearkit/wallet-host/internal/signer"
	"github.com/nearkit/wallet-host/internal/walleterr"
)

// Overlay mutates the activation-overlay visibility; the router owns the
// policy, a caller (e.g. internal/transport or a UI binding) owns the paint.
type Overlay interface {
	Show()
	Hide()
}

type nopOverlay struct{}

func (nopOverlay) Show() {}
func (nopOverlay) Hide() {}

// Poster sends an envelope to the wallet host across whatever carries it
// (a websocket connection in production, an in-process channel in tests).
type Poster interface {
	Post(env hostd.Envelope) error
}

// ProgressHandler receives one PROGRESS payload at a time, in send order.
type ProgressHandler func(payload hostd.ProgressPayload)

// PostOptions configures one post() call.
type PostOptions struct {
	OnProgress ProgressHandler
	// Sticky subscribers keep receiving progress after the terminal reply,
	// for flows that keep emitting past completion (device-link polling,
	// account recovery). Unregistered on StopSticky or router Close.
	Sticky bool
	// OnRequestID, if set, is called with the assigned requestId before the
	// envelope is posted. Sticky callers need it to unregister later via
	// StopSticky, since Post itself blocks until the terminal reply.
	OnRequestID func(requestID string)
}

type pending struct {
	resultCh chan result
	progress ProgressHandler
	sticky   bool
	timer    *time.Timer
}

type result struct {
	payload []byte
	err     error
}

const defaultTimeout = 20 * time.Second

// stepUserConfirmation and stepUserConfirmationDone are the literal
// phase strings confirmation.Controller.Present emits through its
// ProgressEmitter callback — confirmation.go never exports them as
// named constants, so the router names them here to avoid restating
// the bare strings at every use.
const (
	stepUserConfirmation     = "STEP_2_USER_CONFIRMATION"
	stepUserConfirmationDone = "user-confirmation-complete"
)

// showPhases are the phases that require a user gesture (a confirmation
// click or a WebAuthn ceremony).
var showPhases = map[string]bool{
	stepUserConfirmation:       true,
	signer.PhaseAuthenticating: true,
}

// hidePhases are the phases that are either non-interactive or terminal,
// so any previously shown overlay should come down.
var hidePhases = map[string]bool{
	signer.PhasePreparation:   true,
	stepUserConfirmationDone:  true,
	signer.PhaseAuthComplete:  true,
	signer.PhaseSigning:       true,
	signer.PhaseSigned:        true,
	signer.PhaseBroadcasting:  true,
	signer.PhaseBroadcastDone: true,
	signer.PhaseActionError:   true,
}

// Router correlates requestIds with pending callers, dispatches PROGRESS
// envelopes, and applies the "phase heuristic" activation-overlay policy.
type Router struct {
	poster  Poster
	overlay Overlay
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	sticky  map[string]ProgressHandler

	counter int64

	// cancelLimiter bounds how fast cancelAll-style bursts can fire
	// PM_CANCEL envelopes at the host, the way security.UserRateLimiter
	// bounds login attempts — a misbehaving caller spamming cancels
	// should not be able to flood the wallet host's dispatch loop.
	cancelLimiter *rate.Limiter

	overlayVisible bool
}

// New builds a Router posting through poster. overlay may be nil, in which
// case overlay show/hide calls are no-ops.
func New(poster Poster, overlay Overlay, log zerolog.Logger) *Router {
	if overlay == nil {
		overlay = nopOverlay{}
	}
	return &Router{
		poster:        poster,
		overlay:       overlay,
		log:           log,
		timeout:       defaultTimeout,
		pending:       make(map[string]*pending),
		sticky:        make(map[string]ProgressHandler),
		cancelLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
}

// SetTimeout overrides the default 20s per-request timeout.
func (r *Router) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

func (r *Router) nextRequestID() string {
	n := atomic.AddInt64(&r.counter, 1)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), strconv.FormatInt(n, 36))
}

// Post sends env (with a freshly assigned RequestID) to the wallet host and
// blocks until its terminal reply arrives, ctx is cancelled, or the
// per-request timeout elapses. Any inbound PROGRESS for the same requestId
// resets the timeout.
func (r *Router) Post(ctx context.Context, env hostd.Envelope, opts PostOptions) (json.RawMessage, error) {
	requestID := r.nextRequestID()
	env.RequestID = requestID
	if opts.OnRequestID != nil {
		opts.OnRequestID(requestID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pending{
		resultCh: make(chan result, 1),
		progress: opts.OnProgress,
		sticky:   opts.Sticky,
	}

	r.mu.Lock()
	p.timer = time.AfterFunc(r.timeout, func() { r.timeoutRequest(requestID) })
	r.pending[requestID] = p
	if opts.Sticky && opts.OnProgress != nil {
		r.sticky[requestID] = opts.OnProgress
	}
	r.mu.Unlock()

	if err := r.poster.Post(env); err != nil {
		r.finish(requestID, result{err: fmt.Errorf("post envelope: %w", err)})
	}

	select {
	case res := <-p.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		r.cancelRequestLocked(requestID, false)
		<-p.resultCh // finish() always sends, even on ctx-driven cancel
		return nil, walleterr.New(walleterr.Cancelled, "request cancelled")
	}
}

func (r *Router) timeoutRequest(requestID string) {
	r.finish(requestID, result{err: fmt.Errorf("requestId %s: %w", requestID, context.DeadlineExceeded)})
}

// Deliver routes one inbound envelope from the wallet host: PROGRESS fans
// out (and resets the timeout); PM_RESULT/ERROR resolves the pending entry.
func (r *Router) Deliver(env hostd.Envelope) {
	switch env.Type {
	case "PROGRESS":
		r.deliverProgress(env)
	case "ERROR":
		var ep hostd.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		r.finish(env.RequestID, result{err: walleterr.Wrap(walleterr.Code(ep.Code), ep.Message, ep.Details)})
	default: // PM_RESULT and any other terminal reply type
		r.finish(env.RequestID, result{payload: env.Payload})
	}
}

func (r *Router) deliverProgress(env hostd.Envelope) {
	var p hostd.ProgressPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	r.mu.Lock()
	entry, ok := r.pending[env.RequestID]
	sticky, stickyOK := r.sticky[env.RequestID]
	if ok {
		entry.timer.Reset(r.timeout)
	}
	r.mu.Unlock()

	r.applyOverlayPolicy(p)

	switch {
	case ok && entry.progress != nil:
		entry.progress(p)
	case stickyOK && sticky != nil:
		sticky(p)
	default:
		r.log.Debug().Str("requestId", env.RequestID).Str("phase", p.Phase).Msg("dropped PROGRESS for unknown requestId")
	}
}

// applyOverlayPolicy is the phase heuristic: phases needing a user
// gesture show the overlay, phases indicating completion or
// non-interactive work hide it. Show/hide are no-ops when already in
// that state.
func (r *Router) applyOverlayPolicy(p hostd.ProgressPayload) {
	r.mu.Lock()
	visible := r.overlayVisible
	r.mu.Unlock()

	switch {
	case showPhases[p.Phase] && !visible:
		r.setOverlay(true)
	case hidePhases[p.Phase] && visible:
		r.setOverlay(false)
	}
}

func (r *Router) setOverlay(show bool) {
	r.mu.Lock()
	r.overlayVisible = show
	r.mu.Unlock()
	if show {
		r.overlay.Show()
	} else {
		r.overlay.Hide()
	}
}

func (r *Router) finish(requestID string, res result) {
	r.mu.Lock()
	entry, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
		if !entry.sticky {
			delete(r.sticky, requestID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	// Any terminal reply hides the overlay, result or error; like the phase
	// policy, Hide is not called again when the overlay is already hidden.
	r.mu.Lock()
	visible := r.overlayVisible
	r.mu.Unlock()
	if visible {
		r.setOverlay(false)
	}
	entry.resultCh <- res
}

// CancelRequest posts PM_CANCEL for requestID and lets the wallet host's
// ERROR{code=CANCELLED} resolve the pending entry through Deliver. It does
// not resolve the entry itself.
func (r *Router) CancelRequest(requestID string) {
	r.cancelRequestLocked(requestID, true)
}

func (r *Router) cancelRequestLocked(requestID string, post bool) {
	if post {
		// Throttled, not dropped: a burst past the limiter's allowance waits
		// for a token, so every cancellation still reaches the host.
		_ = r.cancelLimiter.Wait(context.Background())
	}
	r.mu.Lock()
	_, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if post {
		_ = r.poster.Post(hostd.Envelope{RequestID: requestID, Type: hostd.TypeCancel})
	} else {
		// ctx-driven cancellation: still tell the host so it stops work
		// and closes any open confirmation UI, then resolve locally —
		// the host never replies to PM_CANCEL.
		_ = r.poster.Post(hostd.Envelope{RequestID: requestID, Type: hostd.TypeCancel})
		r.finish(requestID, result{err: walleterr.New(walleterr.Cancelled, "request cancelled")})
	}
}

// CancelAll cancels every currently pending request, e.g. on logout.
func (r *Router) CancelAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.CancelRequest(id)
	}
}

// StopSticky unregisters a sticky subscriber explicitly, without touching
// any still-pending (non-terminal) request for the same id.
func (r *Router) StopSticky(requestID string) {
	r.mu.Lock()
	delete(r.sticky, requestID)
	r.mu.Unlock()
}

// Close tears the router down: cancels every pending request and drops all
// sticky subscribers, mirroring logout's "clear all pending reservations,
// all sticky subscribers" contract.
func (r *Router) Close() {
	r.CancelAll()
	r.mu.Lock()
	r.sticky = make(map[string]ProgressHandler)
	r.mu.Unlock()
}
