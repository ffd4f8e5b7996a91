package scans

// errors.go maps pipeline failures to user-facing messages.
//
// Error codes grouped by category, for support reference:
//
//	FILE001 - The uploaded file could not be prepared for the archive
//	ARC001  - The archive was temporarily unreachable (retryable)
//	ARC002  - The archive rejected the request (terminal)
//	ARC003  - The archive already holds conflicting data for this scan
//	DB001   - The scan records could not be updated
//	REC001  - The requested user, experiment or scan does not exist
//	UPL001  - Too many uploads are in progress
//	UPL002  - The upload was cancelled or timed out
//	ERR000  - Fallback for anything unclassified
//
// Classification is by error type first (errors.As on the pipeline's typed
// errors), with a small pattern table as fallback for untyped errors.

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mindbrainbody/mbam/internal/store"
	"github.com/mindbrainbody/mbam/internal/xnat"
)

// PersistenceError is a failed local record write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UserMessage is user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // what happened
	Action  string // what to do about it
	Code    string // support reference code
}

// MapError converts any pipeline error into a UserMessage.
func MapError(err error) UserMessage {
	var (
		preErr      *PreprocessError
		transErr    *xnat.TransportError
		conflictErr *xnat.ConflictError
		persistErr  *PersistenceError
	)

	switch {
	case errors.As(err, &preErr):
		return UserMessage{
			Message: "The uploaded file could not be prepared for the archive",
			Action:  "Check that the file is a valid .nii, .nii.gz or .zip scan file",
			Code:    "FILE001",
		}
	case errors.As(err, &conflictErr):
		return UserMessage{
			Message: "The archive already holds conflicting data for this scan",
			Action:  "Contact support with this code; the archive state needs review",
			Code:    "ARC003",
		}
	case errors.As(err, &transErr):
		if transErr.Retryable {
			return UserMessage{
				Message: "The imaging archive was temporarily unreachable",
				Action:  "Please try the upload again in a few moments",
				Code:    "ARC001",
			}
		}
		return UserMessage{
			Message: "The imaging archive rejected the upload",
			Action:  "Contact support with this code",
			Code:    "ARC002",
		}
	case errors.As(err, &persistErr):
		return UserMessage{
			Message: "The scan was uploaded but local records could not be updated",
			Action:  "Contact support with this code; the upload does not need repeating",
			Code:    "DB001",
		}
	case errors.Is(err, store.ErrNotFound):
		return UserMessage{
			Message: "The requested record does not exist",
			Action:  "Verify the user and experiment identifiers",
			Code:    "REC001",
		}
	case errors.Is(err, ErrTooManyUploads):
		return UserMessage{
			Message: "Too many uploads are in progress",
			Action:  "Please wait a moment and try again",
			Code:    "UPL001",
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return UserMessage{
			Message: "The upload was cancelled or timed out",
			Action:  "Please try again",
			Code:    "UPL002",
		}
	}

	// Fallback for untyped errors.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "does not belong"):
		return UserMessage{
			Message: "The experiment does not belong to this user",
			Action:  "Verify the user and experiment identifiers",
			Code:    "REC001",
		}
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return UserMessage{
			Message: "A record with this identifier already exists",
			Action:  "Please try again",
			Code:    "DB001",
		}
	default:
		return UserMessage{
			Message: "An unexpected error occurred",
			Action:  "Please try again or contact support",
			Code:    "ERR000",
		}
	}
}

// HTTPStatus picks the response status for a pipeline error.
func HTTPStatus(err error) int {
	var (
		preErr      *PreprocessError
		transErr    *xnat.TransportError
		conflictErr *xnat.ConflictError
	)

	switch {
	case errors.As(err, &preErr):
		return http.StatusBadRequest
	case errors.As(err, &conflictErr):
		return http.StatusConflict
	case errors.As(err, &transErr):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTooManyUploads):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
