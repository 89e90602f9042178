package githost

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryOptions configures retry behavior for gh invocations.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryOptions returns the defaults used for all gh calls.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithRetry executes an operation with exponential backoff, honoring context
// cancellation and any Retry-After hint embedded in the error text.
func WithRetry[T any](ctx context.Context, op func() (T, error), opts RetryOptions) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}
		if !isRetryableError(lastErr) {
			return result, lastErr
		}
		if attempt >= opts.MaxRetries {
			return result, lastErr
		}

		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if retryAfter := extractRetryAfter(lastErr); retryAfter > 0 {
			delay = retryAfter
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	return result, lastErr
}

// isRetryableError reports whether an error is transient: HTTP 429/5xx from
// the API, or a network-level failure. Auth and validation errors are not
// retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	for _, status := range []string{"http 429", "status 429", "http 500", "http 502", "http 503", "http 504",
		"status 500", "status 502", "status 503", "status 504"} {
		if strings.Contains(errStr, status) {
			return true
		}
	}

	for _, netErr := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"context deadline exceeded",
		"dial tcp",
	} {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}
	return false
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry.after[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)rate.limit.*?(\d+)\s*seconds?`),
}

// extractRetryAfter pulls a Retry-After duration out of the error text, or 0.
func extractRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	errStr := err.Error()
	for _, re := range retryAfterPatterns {
		if m := re.FindStringSubmatch(errStr); len(m) > 1 {
			if seconds, parseErr := strconv.Atoi(m[1]); parseErr == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	if strings.Contains(strings.ToLower(errStr), "429") {
		return 60 * time.Second
	}
	return 0
}
