package relay

import (
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// RetryPolicy controls how a dropped relay session is re-established with
// exponential backoff.
type RetryPolicy struct {
	// MaxAttempts bounds consecutive failed attempts. Zero means retry forever.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// unlimited attempts, 1s initial delay, 2x multiplier, 60s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  0,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     60 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies transport errors. A relay that rejects the
// websocket handshake with a client error or a malformed URL will not start
// accepting us on retry; everything else (resets, timeouts, abnormal
// closes) is transient.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseUnsupportedData) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "malformed ws or wss url") ||
		strings.Contains(msg, "unsupported protocol scheme") {
		return false
	}
	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
