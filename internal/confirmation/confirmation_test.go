package confirmation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSkipModeForcesAutoProceedZeroDelay(t *testing.T) {
	c := New()
	req := PresentRequest{UIMode: ModeSkip, Behavior: BehaviorRequireClick, AutoProceedDelayMS: 5000}

	start := time.Now()
	decision, err := c.Present(context.Background(), "req-1", req, nil)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.True(t, decision.Confirmed)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestCancelRejectsPendingPresentation(t *testing.T) {
	c := New()
	req := PresentRequest{UIMode: ModeModal, Behavior: BehaviorRequireClick}

	done := make(chan Decision, 1)
	go func() {
		d, _ := c.Present(context.Background(), "req-2", req, nil)
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close("req-2")

	select {
	case d := <-done:
		assert.True(t, d.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("Present did not return after Close")
	}
}

func TestExplicitConfirmResolves(t *testing.T) {
	c := New()
	req := PresentRequest{UIMode: ModeModal, Behavior: BehaviorRequireClick}

	done := make(chan Decision, 1)
	go func() {
		d, _ := c.Present(context.Background(), "req-3", req, nil)
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	c.Confirm("req-3")

	select {
	case d := <-done:
		assert.True(t, d.Confirmed)
	case <-time.After(time.Second):
		t.Fatal("Present did not return after Confirm")
	}
}
