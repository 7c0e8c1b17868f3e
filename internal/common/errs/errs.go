// Package errs defines the error kinds the orchestrator classifies for
// retry decisions, and the broader error taxonomy used at task boundaries.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Error kind names. Retry policies reference these by name.
const (
	KindConnection   = "ConnectionError"
	KindTimeout      = "TimeoutError"
	KindRateLimit    = "RateLimitError"
	KindIO           = "IOError"
	KindFileNotFound = "FileNotFoundError"
	KindDeadlock     = "DeadlockError"
	KindInput        = "InputError"
	KindIntegrity    = "IntegrityError"
	KindUnknown      = "UnknownError"
)

// Sentinel errors for the transient kinds. Task bodies and service
// clients wrap these so the classifier can recognize them.
var (
	ErrConnection = errors.New("connection error")
	ErrTimeout    = errors.New("timeout")
	ErrRateLimit  = errors.New("rate limit exceeded")
	ErrDeadlock   = errors.New("deadlock detected")
)

// InputError marks a malformed or incomplete input. Never retried.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// NewInputError creates an InputError with a formatted message.
func NewInputError(format string, args ...interface{}) *InputError {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// IntegrityError marks a constraint or foreign-key failure from the
// persistence layer. Never retried.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return e.Msg }

// Kind classifies an error into one of the named kinds. Specific kinds
// are checked before the generic network/filesystem fallbacks.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return KindInput
	}
	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return KindIntegrity
	}

	switch {
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, ErrDeadlock):
		return KindDeadlock
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return KindTimeout
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindIO
	}

	return KindUnknown
}

// Retryable reports whether kind belongs to the transient taxonomy.
// Input, integrity, and unknown errors are terminal.
func Retryable(kind string) bool {
	switch kind {
	case KindConnection, KindTimeout, KindRateLimit, KindIO, KindFileNotFound, KindDeadlock:
		return true
	}
	return false
}
