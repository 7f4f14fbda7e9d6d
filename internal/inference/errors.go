package inference

import "strings"

// retryable classifies an error as transient. Rate limits, server errors and
// timeouts are retried; authentication and validation failures are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	// Rate limits.
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return true
	}

	// Server errors (5xx).
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	// Timeouts and connection failures.
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") {
		return true
	}

	return false
}
