package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nearkit/wallet-host/internal/hostd"
	"github.com/nearkit/wallet-host/internal/logging"
	"github.com/nearkit/wallet-host/internal/signer"
)

// fakePoster hands every posted envelope to a handler, simulating the
// wallet host's dispatcher without needing a real transport.
type fakePoster struct {
	mu      sync.Mutex
	handler func(env hostd.Envelope)
}

func (p *fakePoster) Post(env hostd.Envelope) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		go h(env)
	}
	return nil
}

type recordingOverlay struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingOverlay) Show() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, "show")
}

func (o *recordingOverlay) Hide() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, "hide")
}

func (o *recordingOverlay) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.calls))
	copy(out, o.calls)
	return out
}

func TestPostResolvesOnResult(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, nil, logging.Nop())
	poster.handler = func(env hostd.Envelope) {
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PM_RESULT", Payload: json.RawMessage(`{"ok":true}`)})
	}

	payload, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypePing}, PostOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestPostRejectsOnError(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, nil, logging.Nop())
	poster.handler = func(env hostd.Envelope) {
		errPayload, _ := json.Marshal(hostd.ErrorPayload{Code: "AUTH_FAILED", Message: "nope"})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "ERROR", Payload: errPayload})
	}

	_, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeLogin}, PostOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "AUTH_FAILED")
}

func TestPostProgressResetsTimeoutAndResolves(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, nil, logging.Nop())
	r.SetTimeout(30 * time.Millisecond)

	poster.handler = func(env hostd.Envelope) {
		for i := 0; i < 3; i++ {
			prog, _ := json.Marshal(hostd.ProgressPayload{Step: i, Phase: "signing", Status: "progress"})
			r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PROGRESS", Payload: prog})
			time.Sleep(20 * time.Millisecond)
		}
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PM_RESULT", Payload: json.RawMessage(`{}`)})
	}

	var got []int
	_, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeSignTxsWithActions}, PostOptions{
		OnProgress: func(p hostd.ProgressPayload) { got = append(got, p.Step) },
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestPostTimesOutWithoutProgress(t *testing.T) {
	poster := &fakePoster{} // handler never replies
	r := New(poster, nil, logging.Nop())
	r.SetTimeout(10 * time.Millisecond)

	_, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeSignNEP413}, PostOptions{})
	require.Error(t, err)
}

func TestOverlayShowsOnGestureAndHidesOnTerminal(t *testing.T) {
	poster := &fakePoster{}
	overlay := &recordingOverlay{}
	r := New(poster, overlay, logging.Nop())

	poster.handler = func(env hostd.Envelope) {
		prog, _ := json.Marshal(hostd.ProgressPayload{Phase: signer.PhaseAuthenticating, Status: "progress"})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PROGRESS", Payload: prog})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PM_RESULT", Payload: json.RawMessage(`{}`)})
	}

	_, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeLogin}, PostOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"show", "hide"}, overlay.snapshot())
}

func TestOverlayShowsOnUserConfirmationAndHidesOnAuthComplete(t *testing.T) {
	poster := &fakePoster{}
	overlay := &recordingOverlay{}
	r := New(poster, overlay, logging.Nop())

	poster.handler = func(env hostd.Envelope) {
		confirmProg, _ := json.Marshal(hostd.ProgressPayload{Phase: stepUserConfirmation, Status: "progress"})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PROGRESS", Payload: confirmProg})
		authProg, _ := json.Marshal(hostd.ProgressPayload{Phase: signer.PhaseAuthComplete, Status: "progress"})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PROGRESS", Payload: authProg})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PM_RESULT", Payload: json.RawMessage(`{}`)})
	}

	_, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeSignTxsWithActions}, PostOptions{})
	require.NoError(t, err)
	// auth_complete already hides the overlay, so the terminal PM_RESULT's
	// own hide call is a no-op (already-hidden states never re-fire Hide).
	require.Equal(t, []string{"show", "hide"}, overlay.snapshot())
}

func TestCancelRequestResolvesPendingCaller(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, nil, logging.Nop())

	var posted []string
	var mu sync.Mutex
	poster.handler = func(env hostd.Envelope) {
		mu.Lock()
		posted = append(posted, env.Type)
		mu.Unlock()
		if env.Type == hostd.TypeCancel {
			errPayload, _ := json.Marshal(hostd.ErrorPayload{Code: "CANCELLED", Message: "user cancel"})
			r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "ERROR", Payload: errPayload})
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	var reqEnv hostd.Envelope
	go func() {
		defer wg.Done()
		_, callErr = r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeSignAndSendTxs}, PostOptions{})
	}()
	time.Sleep(10 * time.Millisecond)

	r.mu.Lock()
	for id := range r.pending {
		reqEnv.RequestID = id
	}
	r.mu.Unlock()
	r.CancelRequest(reqEnv.RequestID)

	wg.Wait()
	require.Error(t, callErr)
	require.Contains(t, callErr.Error(), "CANCELLED")
}

func TestStickyRequestReceivesProgressAfterTerminalReplyUntilStopped(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, nil, logging.Nop())

	var gotRequestID string
	var mu sync.Mutex
	var progressAfterTerminal []string

	poster.handler = func(env hostd.Envelope) {
		startProg, _ := json.Marshal(hostd.ProgressPayload{Phase: "preparation", Status: "progress"})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PROGRESS", Payload: startProg})
		r.Deliver(hostd.Envelope{RequestID: env.RequestID, Type: "PM_RESULT", Payload: json.RawMessage(`{"linkCode":"abc"}`)})
	}

	opts := PostOptions{
		Sticky:      true,
		OnRequestID: func(id string) { gotRequestID = id },
		OnProgress: func(p hostd.ProgressPayload) {
			mu.Lock()
			progressAfterTerminal = append(progressAfterTerminal, p.Phase)
			mu.Unlock()
		},
	}
	payload, err := r.Post(context.Background(), hostd.Envelope{Type: hostd.TypeStartDevice2LinkingFlow}, opts)
	require.NoError(t, err)
	require.JSONEq(t, `{"linkCode":"abc"}`, string(payload))
	require.NotEmpty(t, gotRequestID)

	// The sticky subscriber keeps receiving progress after Post already
	// returned, e.g. the later PM_LINK_DEVICE_WITH_SCANNED_QR_DATA ceremony
	// driving progress back through the same requestId.
	laterProg, _ := json.Marshal(hostd.ProgressPayload{Phase: signer.PhaseAuthenticating, Status: "progress"})
	r.Deliver(hostd.Envelope{RequestID: gotRequestID, Type: "PROGRESS", Payload: laterProg})

	mu.Lock()
	got := append([]string(nil), progressAfterTerminal...)
	mu.Unlock()
	require.Equal(t, []string{"preparation", signer.PhaseAuthenticating}, got)

	r.StopSticky(gotRequestID)
	r.Deliver(hostd.Envelope{RequestID: gotRequestID, Type: "PROGRESS", Payload: laterProg})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progressAfterTerminal, 2) // unchanged: subscriber unregistered
}

func TestDeliverDropsProgressForUnknownRequest(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, nil, logging.Nop())
	prog, _ := json.Marshal(hostd.ProgressPayload{Phase: "signing"})
	// Must not panic when nothing is pending and nothing is sticky.
	r.Deliver(hostd.Envelope{RequestID: "ghost", Type: "PROGRESS", Payload: prog})
}
