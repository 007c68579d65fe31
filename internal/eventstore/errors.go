package eventstore

import (
	"errors"
	"fmt"
	"net/http"
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("event store error %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the failure is worth another delivery
// attempt. Client errors other than 429 are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Transport failures (timeouts, refused connections, DNS) and
	// anything unclassified stay retryable so evidence is never lost
	// to a misread failure.
	return true
}
