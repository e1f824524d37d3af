package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if !policy.ShouldRetry(errors.New("connection refused"), 1) {
		t.Error("expected connection error to be retryable")
	}
	if !policy.ShouldRetry(errors.New("connection reset"), 1000) {
		t.Error("unlimited policy should keep retrying")
	}

	delay := policy.NextDelay(1)
	if delay != 1*time.Second {
		t.Errorf("expected 1s delay, got %v", delay)
	}

	delay = policy.NextDelay(2)
	if delay != 2*time.Second {
		t.Errorf("expected 2s delay, got %v", delay)
	}

	delay = policy.NextDelay(3)
	if delay != 4*time.Second {
		t.Errorf("expected 4s delay, got %v", delay)
	}
}

func TestRetryPolicyMaxAttempts(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	if policy.ShouldRetry(errors.New("timeout"), 4) {
		t.Error("should not retry after max attempts")
	}
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()

	if policy.ShouldRetry(errors.New("malformed ws or wss URL"), 1) {
		t.Error("expected malformed URL to be non-retryable")
	}
	closeErr := &websocket.CloseError{Code: websocket.ClosePolicyViolation}
	if policy.ShouldRetry(closeErr, 1) {
		t.Error("expected policy violation close to be non-retryable")
	}
	if !policy.ShouldRetry(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, 1) {
		t.Error("expected abnormal closure to be retryable")
	}
}

func TestRetryPolicyNilError(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.ShouldRetry(nil, 1) {
		t.Error("nil error should not be retryable")
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{
		InitialDelay: 1 * time.Second,
		Multiplier:   10.0,
		MaxDelay:     30 * time.Second,
	}

	delay := policy.NextDelay(5)
	if delay != policy.MaxDelay {
		t.Errorf("delay %v should be capped at %v", delay, policy.MaxDelay)
	}
	if d := policy.NextDelay(0); d != time.Second {
		t.Errorf("attempt 0 should be treated as first attempt, got %v", d)
	}
}
