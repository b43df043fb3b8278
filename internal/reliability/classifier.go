package reliability

import (
	"context"
	"errors"
	"net"
	"time"
)

// IsRetryableHTTPStatus reports whether a vendor status is worth retrying by
// the caller. The gateway itself never retries; the flag is surfaced to clients.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeCode classifies error codes emitted by realtime voice providers.
func IsRetryableRealtimeCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "session_time_limit_exceeded", "error":
		return true
	default:
		return false
	}
}

// IsRetryableError treats timeouts and transient network failures as retryable.
// Caller cancellation is not.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExponentialBackoff doubles base per attempt and caps the result.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
