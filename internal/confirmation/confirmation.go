// Package confirmation is the transaction confirmation controller: a
// headless present/resolve protocol so the signer state machine never
// reaches into UI details. A pending presentation is resolved through a
// stored handle (Confirm/Close) rather than blocking forever.
package confirmation

import (
	"context"
	"sync"
	"time"
)

type UIMode string

const (
	ModeSkip   UIMode = "skip"
	ModeModal  UIMode = "modal"
	ModeDrawer UIMode = "drawer"
)

type Behavior string

const (
	BehaviorRequireClick Behavior = "requireClick"
	BehaviorAutoProceed  Behavior = "autoProceed"
)

// Summary is the queued-action summary shown to the user.
type Summary struct {
	ReceiverID  string
	Method      string
	AmountYocto string
}

// PresentRequest bundles everything Present needs.
type PresentRequest struct {
	Summary            Summary
	UIMode             UIMode
	Behavior           Behavior
	AutoProceedDelayMS int
	Theme              string
}

// Decision is the resolved outcome of a presentation.
type Decision struct {
	Confirmed bool
	Cancelled bool
}

// ProgressEmitter lets Present emit a STEP_2_USER_CONFIRMATION progress
// event, forwarded by the wallet host.
type ProgressEmitter func(phase, message string)

type pending struct {
	confirmed chan struct{}
	cancel    context.CancelFunc
}

// Controller tracks at most one open presentation per requestId so a
// PM_CANCEL can close it, or an explicit Confirm can resolve it.
type Controller struct {
	mu      sync.Mutex
	pending map[string]pending
}

func New() *Controller {
	return &Controller{pending: make(map[string]pending)}
}

// Present shows (logically) a confirmation and resolves with the user's
// decision. uiMode=skip always auto-confirms with zero delay; callers
// are expected to have already normalized the request via
// prefs.ConfirmationConfig.Effective, but Present enforces the
// invariant itself as well.
func (c *Controller) Present(ctx context.Context, requestID string, req PresentRequest, emit ProgressEmitter) (Decision, error) {
	if req.UIMode == ModeSkip {
		req.Behavior = BehaviorAutoProceed
		req.AutoProceedDelayMS = 0
	}

	presentCtx, cancel := context.WithCancel(ctx)
	confirmed := make(chan struct{})
	c.mu.Lock()
	c.pending[requestID] = pending{confirmed: confirmed, cancel: cancel}
	c.mu.Unlock()
	defer c.clear(requestID)

	if emit != nil {
		emit("STEP_2_USER_CONFIRMATION", "awaiting user confirmation")
	}

	var autoTimer <-chan time.Time
	if req.Behavior == BehaviorAutoProceed {
		t := time.NewTimer(time.Duration(req.AutoProceedDelayMS) * time.Millisecond)
		defer t.Stop()
		autoTimer = t.C
	}

	select {
	case <-autoTimer:
		if emit != nil {
			emit("user-confirmation-complete", "auto-proceeded")
		}
		return Decision{Confirmed: true}, nil
	case <-confirmed:
		if emit != nil {
			emit("user-confirmation-complete", "user confirmed")
		}
		return Decision{Confirmed: true}, nil
	case <-presentCtx.Done():
		return Decision{Cancelled: true}, nil
	}
}

// Confirm resolves a requireClick presentation as confirmed, the
// explicit-click counterpart to the auto-proceed timer. The entry is
// removed before the channel closes so a second Confirm for the same
// id is a no-op.
func (c *Controller) Confirm(requestID string) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		close(p.confirmed)
	}
}

func (c *Controller) clear(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// Close is the PM_CANCEL path: it rejects the pending presentation for
// requestID, if any.
func (c *Controller) Close(requestID string) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if ok {
		p.cancel()
	}
}
