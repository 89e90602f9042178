package agent

import (
	"strings"

	"github.com/alekspetrov/swarm/internal/stream"
)

// rateLimitSignatures are matched case-insensitively against agent stderr
// and error events. The list is a heuristic; the pool keeps a hit counter so
// drift is observable on the dashboard.
var rateLimitSignatures = []string{
	"rate limit",
	"usage limit",
	"too many requests",
	"429",
	"token limit exceeded",
	"exceeded your",
	"capacity",
	"overloaded",
	"try again later",
	"rate_limit",
	"throttl",
}

// IsRateLimitText reports whether the text carries a rate-limit signature.
func IsRateLimitText(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range rateLimitSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// isRateLimitOutcome checks both stderr and the event stream for rate-limit
// signatures. error and rate_limit_event events count; ordinary output does
// not, to keep false positives down.
func isRateLimitOutcome(stderr string, events []*stream.Event) bool {
	if IsRateLimitText(stderr) {
		return true
	}
	for _, e := range events {
		if e.Type == stream.TypeRateLimit {
			return true
		}
		if e.Type == stream.TypeError && IsRateLimitText(e.Summary) {
			return true
		}
	}
	return false
}
