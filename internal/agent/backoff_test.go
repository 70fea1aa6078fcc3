package agent

import (
	"errors"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{"rate limit exceeded, retry after 12 seconds", 12 * time.Second, true},
		{"Rate limit: Retry After 1 second", time.Second, true},
		{"rate limit exceeded", 0, false},
		{"retry after soon", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseRetryAfter(tc.msg)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = (%v, %v), want (%v, %v)", tc.msg, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRetryWaitFallbackScalesWithAttempt(t *testing.T) {
	err := errors.New("429 too many requests")
	if got := retryWait(err, 1); got != 20*time.Second {
		t.Fatalf("attempt 1 wait = %v", got)
	}
	if got := retryWait(err, 3); got != 60*time.Second {
		t.Fatalf("attempt 3 wait = %v", got)
	}
}

func TestRetryWaitUsesSuggestionPlusBuffer(t *testing.T) {
	err := errors.New("429: please retry after 7 seconds")
	if got := retryWait(err, 2); got != 12*time.Second {
		t.Fatalf("suggested wait = %v, want 12s", got)
	}
}

func TestIsRateLimit(t *testing.T) {
	if !isRateLimit(errors.New("HTTP 429 Too Many Requests")) {
		t.Fatalf("429 not detected")
	}
	if !isRateLimit(errors.New("quota exhausted for model")) {
		t.Fatalf("quota not detected")
	}
	if isRateLimit(errors.New("invalid api key")) {
		t.Fatalf("false positive on auth error")
	}
}

func TestIsConnectionError(t *testing.T) {
	if !isConnectionError(errors.New("dial tcp 1.2.3.4:443: connection refused")) {
		t.Fatalf("connection refused not detected")
	}
	if isConnectionError(errors.New("model not found")) {
		t.Fatalf("false positive on model error")
	}
}

func TestIsCorruptedConversation(t *testing.T) {
	err := errors.New(`invalid parameter: messages with role 'tool' must be a response to a preceding message with 'tool_calls'`)
	if !IsCorruptedConversation(err) {
		t.Fatalf("provider rejection not detected")
	}
	if IsCorruptedConversation(errors.New("429 rate limit")) {
		t.Fatalf("rate limit misclassified as corruption")
	}
	if IsCorruptedConversation(nil) {
		t.Fatalf("nil error misclassified")
	}
}
