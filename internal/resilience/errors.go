package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error as safe to retry: timeouts, throttling,
// dropped connections, 5xx responses.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"net::err_",
	"navigation failed",
	"websocket: close",
	"database is locked",
}

// IsTransient reports whether err, or anything it wraps, is worth retrying.
// Cancellation of the caller's context is never transient; a per-call
// deadline is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a status code is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyError labels an error "transient" or "permanent" for reports.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
