package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTransient                = errors.New("transient registry failure")
	ErrNotFound                 = errors.New("not found")
	ErrForbidden                = errors.New("access denied")
	ErrIntrospectionUnavailable = errors.New("manifest introspection unavailable")
)

// StatusError is a non-2xx registry response.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string
	RetryAfter time.Duration
	transient  bool
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s failed: %s", e.Op, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.transient:
		return ErrTransient
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

func newStatusError(op string, resp *http.Response, message string) *StatusError {
	e := &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Message:    strings.TrimSpace(message),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	e.transient = isTransientResponse(resp, e.RetryAfter)
	return e
}

// isTransientResponse treats secondary and primary rate limits as retryable even
// though GitHub reports some of them as 403.
func isTransientResponse(resp *http.Response, retryAfter time.Duration) bool {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= 500:
		return true
	case resp.StatusCode == http.StatusForbidden:
		if retryAfter > 0 {
			return true
		}
		return strings.TrimSpace(resp.Header.Get("X-RateLimit-Remaining")) == "0"
	default:
		return false
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

// transientError marks a transport failure (timeout, reset) as retryable.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }

func (e transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
