package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Status represents the operational status of components
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ID represents a unique identifier
type ID string

// NewID generates a new ID from a string
func NewID(s string) ID {
	return ID(s)
}

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new random identifier
func GenerateID() ID {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err == nil {
		return ID(hex.EncodeToString(b))
	}
	return ID(hex.EncodeToString([]byte(time.Now().String())))
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode reports whether any error in err's chain carries the given code.
func IsErrCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetErrorCode returns the code of the outermost *Error in err's chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Generic error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeHandlerFailed      = "HANDLER_FAILED"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
)

// Routing, correlation and decoding error codes. These double as the status
// strings carried by failed reply envelopes.
const (
	ErrCodeDuplicateCategory = "DUPLICATE_CATEGORY"
	ErrCodeDuplicateCommand  = "DUPLICATE_COMMAND"
	ErrCodeUnknownCategory   = "UNKNOWN_CATEGORY"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeInsufficientAuth  = "INSUFFICIENT_AUTH"
	ErrCodeRegistryFrozen    = "REGISTRY_FROZEN"
	ErrCodeInvalidEncoding   = "INVALID_ENCODING"
	ErrCodeMalformedAddress  = "MALFORMED_ADDRESS"
	ErrCodeAlreadyCompleted  = "ALREADY_COMPLETED"
	ErrCodeConnectionClosed  = "CONNECTION_CLOSED"
)
