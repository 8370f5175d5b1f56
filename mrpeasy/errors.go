package mrpeasy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrOrderNotFound = errors.New("manufacturing order not found")

// APIError is a non-2xx response from the MRPeasy API.
type APIError struct {
	StatusCode int
	Body       string
	// RetryAfter carries the server's Retry-After hint on 429 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("mrpeasy api error %d: %s", e.StatusCode, body)
}

// AuthFailure reports a credentials/permission problem. These never resolve
// by retrying.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// Temporary reports whether the response class is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTransient reports whether err looks like a temporary remote failure:
// a retryable HTTP status, a transport timeout, or a dropped connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsAuthFailure reports a 401/403 from the API.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AuthFailure()
}

// RetryAfterHint extracts the server-supplied backoff hint, if any.
func RetryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
