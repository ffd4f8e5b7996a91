package xnat

// errors.go classifies archive communication failures.
//
// Every failed request is wrapped in a TransportError that records whether a
// retry could plausibly succeed. Timeouts, connection resets, throttling and
// 5xx responses are retryable; authentication failures are not. A 409 means
// the archive holds conflicting state for an identifier we tried to create and
// gets its own type. A failed hierarchy walk is reported as a WalkError naming
// the failed level and every level already created, so a retry can resume
// instead of re-walking from the subject.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TransportError is a failed request to the archive.
type TransportError struct {
	Op        string // "put", "upload", "import", "session"
	Level     Level  // level being created; LevelSubject for session ops is meaningless, see Op
	Status    int    // HTTP status, 0 if the request never completed
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Status != 0 {
		return fmt.Sprintf("xnat %s %s: %s transport error: status %d", e.Op, e.Level, kind, e.Status)
	}
	return fmt.Sprintf("xnat %s %s: %s transport error: %v", e.Op, e.Level, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError reports that the archive already holds a resource whose state
// conflicts with the identifier we tried to create.
type ConflictError struct {
	Level Level
	ID    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("xnat identifier conflict at %s %q", e.Level, e.ID)
}

// WalkError is a hierarchy walk that stopped partway. Completed holds the URI
// of every level created before the failure, in walk order.
type WalkError struct {
	Failed    Level
	Completed []LevelURI
	Err       error
}

// LevelURI pairs a created level with its archive path.
type LevelURI struct {
	Level Level
	URI   string
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("xnat upload failed at %s after %d levels: %v", e.Failed, len(e.Completed), e.Err)
}

func (e *WalkError) Unwrap() error { return e.Err }

// Retryable reports whether err (anywhere in its chain) is a retryable
// transport error.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// classifyStatus maps an unexpected HTTP status to an error.
func classifyStatus(op string, level Level, id string, status int) error {
	switch {
	case status == http.StatusConflict:
		return &ConflictError{Level: level, ID: id}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &TransportError{Op: op, Level: level, Status: status, Retryable: false,
			Err: errors.New("archive rejected credentials")}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &TransportError{Op: op, Level: level, Status: status, Retryable: true,
			Err: fmt.Errorf("archive returned %s", http.StatusText(status))}
	default:
		return &TransportError{Op: op, Level: level, Status: status, Retryable: false,
			Err: fmt.Errorf("archive returned %s", http.StatusText(status))}
	}
}

// classifyRequestErr maps a request that never produced a response. The
// caller checks its own context before calling this, so a DeadlineExceeded
// here is the per-request timeout, not the upload being cancelled.
func classifyRequestErr(op string, level Level, err error) error {
	if errors.Is(err, context.Canceled) {
		return &TransportError{Op: op, Level: level, Retryable: false, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Level: level, Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Op: op, Level: level, Retryable: true, Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "EOF") {
		return &TransportError{Op: op, Level: level, Retryable: true, Err: err}
	}
	return &TransportError{Op: op, Level: level, Retryable: false, Err: err}
}
