package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrJobNotFound is returned by JobStatus when the backend does not know the job
// (yet, or any more).
var ErrJobNotFound = errors.New("job not found")

// HTTPError represents a non-2xx response from the ingestion backend.
type HTTPError struct {
	StatusCode int
	Body       string
	Op         string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err means the backend has no record of the job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsTransient reports whether err looks like a flaky network or an overloaded
// server rather than a request the backend will keep rejecting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "eof")
}

// Message trims an error down to something fit for a status line.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		body := strings.TrimSpace(httpErr.Body)
		if body == "" {
			return fmt.Sprintf("server returned HTTP %d", httpErr.StatusCode)
		}
		return fmt.Sprintf("server returned HTTP %d: %s", httpErr.StatusCode, truncate(body, 160))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out"
	}
	return truncate(err.Error(), 200)
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
