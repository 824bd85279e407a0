package voice

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failure conditions in voice operations. Codes drive
// retry decisions and monitoring; they are conditions, not concrete types.
type ErrorCode string

const (
	// ErrCodeConnection indicates an unreachable destination or provider auth failure.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeState indicates an operation invalid for the current call or channel state.
	ErrCodeState ErrorCode = "STATE_ERROR"

	// ErrCodeNotFound indicates an unknown call, channel, or participant.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeVerification indicates a bad webhook signature or untrusted fingerprint.
	ErrCodeVerification ErrorCode = "VERIFICATION_ERROR"

	// ErrCodeCapacity indicates a voice channel at its participant limit.
	ErrCodeCapacity ErrorCode = "CAPACITY_ERROR"

	// ErrCodeInvalidInput indicates malformed destinations or identifiers.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeUnavailable indicates the provider rejected the request or is down.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeAudioStream indicates a media-stream or recognition-session failure.
	ErrCodeAudioStream ErrorCode = "AUDIO_STREAM_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with a classification code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext attaches a key-value pair for debugging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the condition may succeed on retry.
// Connection errors from initiate are deliberately not retryable: a bad
// destination or auth failure does not heal with time.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeAudioStream:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}
func ErrState(message string, err error) *Error    { return NewError(ErrCodeState, message, err) }
func ErrNotFound(message string, err error) *Error { return NewError(ErrCodeNotFound, message, err) }
func ErrVerification(message string, err error) *Error {
	return NewError(ErrCodeVerification, message, err)
}
func ErrCapacity(message string, err error) *Error { return NewError(ErrCodeCapacity, message, err) }
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}
func ErrTimeout(message string, err error) *Error { return NewError(ErrCodeTimeout, message, err) }
func ErrUnavailable(message string, err error) *Error {
	return NewError(ErrCodeUnavailable, message, err)
}
func ErrAudioStream(message string, err error) *Error {
	return NewError(ErrCodeAudioStream, message, err)
}
func ErrInternal(message string, err error) *Error { return NewError(ErrCodeInternal, message, err) }

// GetErrorCode extracts the ErrorCode from an error, defaulting to internal.
func GetErrorCode(err error) ErrorCode {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
