package store

// errors.go defines the sentinel errors shared across the engine and the
// mapping from technical errors to user-friendly messages with codes.
//
// Error codes are grouped by category:
//
//	SNAP001 - Not found: referenced source, snapshot, or lake is missing
//	SNAP002 - Invalid input: empty or malformed record batch / config
//	SNAP003 - Not ready: lake queried before a successful build
//	SNAP004 - Version conflict: concurrent imports for the same source
//	DB001   - Connection refused: unable to reach the database
//	DB002   - Timeout: operation timed out
//
// When users encounter errors they can quote the code to support staff
// for faster diagnosis.

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a referenced source, snapshot, or lake
// does not exist. Surfaced immediately, no retry.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned for empty or malformed record batches and
// missing required configuration, before any mutation occurs.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotReady is returned when querying a lake that has not completed a
// successful build.
var ErrNotReady = errors.New("not ready")

// UserMessage is a user-facing error with a support code and a suggested action.
type UserMessage struct {
	Code    string
	Message string
	Action  string
}

// MapError translates a technical error into a user-friendly message.
// Unrecognized errors get a generic message with the raw text preserved
// in server-side logs only.
func MapError(err error) UserMessage {
	switch {
	case errors.Is(err, ErrNotFound):
		return UserMessage{
			Code:    "SNAP001",
			Message: "The requested item does not exist",
			Action:  "Check the source, snapshot, or lake identifier and try again",
		}
	case errors.Is(err, ErrInvalidInput):
		return UserMessage{
			Code:    "SNAP002",
			Message: "The request was rejected before any data was changed",
			Action:  "Provide a non-empty record batch and required settings",
		}
	case errors.Is(err, ErrNotReady):
		return UserMessage{
			Code:    "SNAP003",
			Message: "This lake has not been built yet",
			Action:  "Run a build and wait for it to reach the ready state",
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint"):
		return UserMessage{
			Code:    "SNAP004",
			Message: "Another import for this source finished first",
			Action:  "Retry the import; the next version number will be used",
		}
	case strings.Contains(msg, "connection refused"):
		return UserMessage{
			Code:    "DB001",
			Message: "Unable to connect to the database",
			Action:  "Please try again in a few moments",
		}
	case strings.Contains(msg, "timeout"):
		return UserMessage{
			Code:    "DB002",
			Message: "The operation timed out",
			Action:  "Try a smaller batch or try again later",
		}
	}

	return UserMessage{
		Code:    "GEN001",
		Message: "An unexpected error occurred",
		Action:  "Please try again or contact support with code GEN001",
	}
}

// notFoundf wraps ErrNotFound with context.
func notFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// invalidf wraps ErrInvalidInput with context.
func invalidf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}
