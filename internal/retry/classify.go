package retry

import (
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
)

// ErrorClass is one of the five error kinds spec §4.4/§7 classifies every
// backend failure into.
type ErrorClass string

const (
	RetryableTransient ErrorClass = "RETRYABLE_TRANSIENT"
	RetryableRateLimit ErrorClass = "RETRYABLE_RATE_LIMIT"
	NonRetryableAuth   ErrorClass = "NON_RETRYABLE_AUTH"
	NonRetryableClient ErrorClass = "NON_RETRYABLE_CLIENT"
	NonRetryablePerm   ErrorClass = "NON_RETRYABLE_PERMANENT"
)

// Retryable reports whether class warrants another attempt.
func (c ErrorClass) Retryable() bool {
	return c == RetryableTransient || c == RetryableRateLimit
}

// Classify maps a backend Result/error into one of the five error classes,
// per spec §4.4's keyword/status-code rules.
func Classify(res *backend.Result, callErr error) ErrorClass {
	if callErr != nil {
		return RetryableTransient
	}
	if res == nil || res.Success {
		return ""
	}

	msg := strings.ToLower(res.Error)
	status := statusCode(res)

	switch {
	case status == 429, containsAny(msg, "rate limit", "quota exceeded", "throttl"):
		return RetryableRateLimit
	case status == 401, status == 403, containsAny(msg, "unauthorized", "invalid api key", "auth_required"):
		return NonRetryableAuth
	case status >= 400 && status < 500, containsAny(msg, "invalid", "malformed", "bad request"):
		return NonRetryableClient
	case status >= 500, containsAny(msg, "timeout"), status == 0:
		return RetryableTransient
	default:
		return NonRetryablePerm
	}
}

func statusCode(res *backend.Result) int {
	if res.Metadata == nil {
		return 0
	}
	if v, ok := res.Metadata["status_code"]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
