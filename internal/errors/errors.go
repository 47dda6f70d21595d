// Package errors provides standardized error codes for the chat client.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (directory, transport, protocol, session)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by UI layers for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that consuming layers can rely on.
const (
	// Directory domain - REST session directory errors
	CodeDirectoryCreateFailed = "directory.create_failed" // Session could not be created
	CodeDirectoryFetchFailed  = "directory.fetch_failed"  // History fetch failed (network or server)
	CodeDirectoryBadResponse  = "directory.bad_response"  // Response body could not be decoded
	CodeDirectoryRenameFailed = "directory.rename_failed" // Session rename failed
	CodeDirectoryDeleteFailed = "directory.delete_failed" // Session delete failed

	// Transport domain - streaming connection errors
	CodeTransportDialFailed = "transport.dial_failed" // WebSocket dial failed
	CodeTransportNotOpen    = "transport.not_open"    // Send attempted on a non-open connection
	CodeTransportClosed     = "transport.closed"      // Connection closed unexpectedly
	CodeTransportSendFailed = "transport.send_failed" // Write to the socket failed

	// Protocol domain - frame decoding errors
	CodeProtocolInvalid = "protocol.invalid" // Malformed frame payload
	CodeProtocolUnknown = "protocol.unknown" // Unknown mt discriminant

	// Session domain - lifecycle controller errors
	CodeSessionMaxAttempts = "session.max_attempts" // Reconnect attempt cap exceeded
	CodeSessionNotActive   = "session.not_active"   // Operation requires an active session

	// Archive domain - local sqlite mirror errors
	CodeArchiveOpenFailed  = "archive.open_failed"  // Database open failed
	CodeArchiveQueryFailed = "archive.query_failed" // Database query failed
	CodeArchiveSaveFailed  = "archive.save_failed"  // Failed to save data

	// Auth domain - token provider errors
	CodeAuthTokenMissing = "auth.token_missing" // No token available for the backend

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal client error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "directory.create_failed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError (possibly wrapped), returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// HasCode reports whether err carries the given stable code.
// This is the primary check used at the lifecycle controller boundary
// to translate collaborator failures into state transitions.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}
