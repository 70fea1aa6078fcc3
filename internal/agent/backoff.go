package agent

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	maxRateLimitRetries  = 3
	retryAfterBuffer     = 5 * time.Second
	retryFallbackPerStep = 20 * time.Second
)

var retryAfterPattern = regexp.MustCompile(`(?i)retry after (\d+) seconds?`)

// parseRetryAfter extracts a suggested wait from a free-text provider
// error, when one is present.
func parseRetryAfter(msg string) (time.Duration, bool) {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// retryWait decides how long to sleep before retry number attempt
// (1-based): the provider's suggestion plus a buffer, or a fixed
// per-attempt fallback.
func retryWait(err error, attempt int) time.Duration {
	if wait, ok := parseRetryAfter(err.Error()); ok {
		return wait + retryAfterBuffer
	}
	return time.Duration(attempt) * retryFallbackPerStep
}

func isRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "rate_limit", "too many requests", "resource_exhausted", "quota"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "no such host",
		"dial tcp", "broken pipe", "unexpected eof", "tls handshake",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsCorruptedConversation matches the provider rejection produced by a
// history with unmatched tool-call ids. The coordinator reacts by
// resetting the session and retrying once.
func IsCorruptedConversation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "tool_call") && !strings.Contains(msg, "tool call") {
		return false
	}
	for _, marker := range []string{"invalid", "must be", "preceding", "without", "unexpected", "mismatch"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
