package helper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidMaxAttempts is returned when RetryWithBackoff gets maxAttempts < 1.
var ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than zero")

// RetryWithBackoff runs operation up to maxAttempts times, doubling baseDelay
// after every failed attempt. Errors IsRetryable rejects stop the loop early.
// The last error is returned unchanged.
func RetryWithBackoff(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}
		if attempt == maxAttempts || !IsRetryable(lastErr) {
			break
		}

		log.Debug().Err(lastErr).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("operation failed, will retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
		delay *= 2
	}

	return lastErr
}

// IsRetryable reports whether err looks transient: timeouts, rate limits
// (except daily quotas) and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, http.StatusText(http.StatusTooManyRequests)) {
		return !strings.Contains(msg, "tokens per day")
	}
	for _, code := range []int{
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		if strings.Contains(msg, http.StatusText(code)) || strings.Contains(msg, " "+strconv.Itoa(code)) {
			return true
		}
	}
	return false
}
