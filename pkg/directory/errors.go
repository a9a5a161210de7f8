package directory

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Client matches exactly one of them via errors.Is.
var (
	// ErrAuthExpired means the bearer token was rejected; the call may be re-issued
	// with fresh credentials.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrTransport means the connection failed or the stream broke.
	ErrTransport = errors.New("transport failure")
	// ErrRemote means the directory processed and rejected the request.
	ErrRemote = errors.New("remote failure")
	// ErrTimeout means a caller-imposed deadline elapsed.
	ErrTimeout = errors.New("operation timed out")
	// ErrInterrupted means the caller was cancelled while waiting.
	ErrInterrupted = errors.New("operation interrupted")
)

// Error wraps a failed directory operation with its kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error for op.
func NewError(op string, kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// IsAuthExpired reports whether err signals an expired or rejected bearer token.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// KindOf returns the kind of err, or nil when err is not a classified directory error.
func KindOf(err error) error {
	for _, kind := range []error{ErrAuthExpired, ErrTransport, ErrRemote, ErrTimeout, ErrInterrupted} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
