package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired    = sterrors.New("zmqflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("zmqflow: logger is required")
	ErrExecutorRequired  = sterrors.New("zmqflow: executor is required")
	ErrHandlerRequired   = sterrors.New("zmqflow: task handler is required")
	ErrTaskNameRequired  = sterrors.New("zmqflow: task name is required")
	ErrDuplicateTask     = sterrors.New("zmqflow: task already registered")
	ErrUnknownTaskKind   = sterrors.New("zmqflow: unknown task kind")
	ErrUnknownMode       = sterrors.New("zmqflow: unknown topology mode")
	ErrUnknownCommand    = sterrors.New("zmqflow: unknown command")
	ErrShortMessage      = sterrors.New("zmqflow: message has too few frames")
	ErrTimeout           = sterrors.New("zmqflow: operation timed out")
	ErrNoPendingRequest  = sterrors.New("zmqflow: no pending request to reply to")
	ErrReplyPending      = sterrors.New("zmqflow: previous request has not been answered")
	ErrWrongMode         = sterrors.New("zmqflow: operation not supported by topology mode")
	ErrNodeClosed        = sterrors.New("zmqflow: node is closed")
	ErrAlreadyStarted    = sterrors.New("zmqflow: already started")
	ErrSinkRequired      = sterrors.New("zmqflow: relay sink is required")
	ErrDeviceFailed      = sterrors.New("zmqflow: proxy device failed")
	ErrInvalidDescriptor = sterrors.New("zmqflow: invalid worker descriptor")

	ErrPrototypeRequired      = sterrors.New("zmqflow: message prototype is required")
	ErrPrototypePointerNeeded = sterrors.New("zmqflow: message prototype must be a pointer")
)

// ConfigValidationError wraps the joined validation failures of a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "zmqflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ChecksumError reports a body whose CRC-32 does not match the value carried
// in its meta frame. The message is dropped; the receiving loop continues.
type ChecksumError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("zmqflow: checksum mismatch: expected %08x, got %08x", e.Expected, e.Actual)
}

// BindError is fatal for the worker or device that raised it.
type BindError struct {
	Endpoint string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("zmqflow: cannot bind or connect %q: %v", e.Endpoint, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ExecutorError carries a failure raised by the query executor. It is turned
// into a structured error envelope and never stops the request loop.
type ExecutorError struct {
	Operation string
	Err       error
}

func (e *ExecutorError) Error() string {
	if e.Operation == "" {
		return "zmqflow: executor failed: " + e.Err.Error()
	}
	return fmt.Sprintf("zmqflow: executor failed for %q: %v", e.Operation, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return sterrors.Is(err, ErrTimeout)
}
