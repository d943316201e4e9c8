package netstream

import (
	"errors"
	"syscall"
)

// Error kinds surfaced by driver operations. Implementations wrap these
// with context; callers match them with errors.Is.
var (
	// ErrInvalidDriverMode is returned by SetMode for modes other than
	// ModePlain and ModeTLS.
	ErrInvalidDriverMode = errors.New("driver mode not supported")

	// ErrUnsupportedValue is returned by a setter when the value itself
	// is not supported by the driver.
	ErrUnsupportedValue = errors.New("value not supported by driver")

	// ErrUnsupportedInMode is returned by a setter when the value is
	// only meaningful under a different configuration, e.g. permitted
	// peers without name checking.
	ErrUnsupportedInMode = errors.New("value not supported in the configured authentication mode")

	// ErrCredentialParse indicates that a configured or default CA, CRL,
	// key or certificate file could not be parsed. It aborts session
	// bootstrap.
	ErrCredentialParse = errors.New("credential parsing failed")

	// ErrTLSHandshake indicates that the TLS handshake ended in neither
	// success nor a pending-I/O state.
	ErrTLSHandshake = errors.New("TLS handshake failed")

	// ErrReceive and ErrSend indicate a non-retryable I/O failure
	// reported by the TLS session.
	ErrReceive = errors.New("receive failed")
	ErrSend    = errors.New("send failed")

	// ErrClosed indicates a clean peer close (TLS close-notify).
	ErrClosed = errors.New("connection closed by peer")

	// ErrEOF indicates the stream ended without a clean close.
	ErrEOF = errors.New("connection reached end of stream")

	// ErrAbortRequested indicates Abort was called on the driver; all
	// subsequent I/O fails fast with this error.
	ErrAbortRequested = errors.New("connection abort requested")

	// ErrRetry is not an error condition: the operation would block and
	// must be retried after the next readiness wait. It must never be
	// surfaced as a failure.
	ErrRetry = errors.New("operation would block, retry")

	// ErrNotConnected is returned by operations that need an open
	// socket when none is present.
	ErrNotConnected = errors.New("not connected")
)

// Stable numeric codes for the error kinds above, carried in log
// events alongside the message.
const (
	CodeInvalidDriverMode = iota + 1
	CodeUnsupportedValue
	CodeUnsupportedInMode
	CodeCredentialParse
	CodeTLSHandshake
	CodeReceive
	CodeSend
	CodeClosed
	CodeEOF
	CodeAbortRequested
	CodeRetry
	CodeNotConnected
)

// ErrorCode returns the numeric code identifying err in log events.
// OS-level failures report the errno; driver error kinds report their
// code constant; anything else reports zero.
func ErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	switch {
	case errors.Is(err, ErrInvalidDriverMode):
		return CodeInvalidDriverMode
	case errors.Is(err, ErrUnsupportedValue):
		return CodeUnsupportedValue
	case errors.Is(err, ErrUnsupportedInMode):
		return CodeUnsupportedInMode
	case errors.Is(err, ErrCredentialParse):
		return CodeCredentialParse
	case errors.Is(err, ErrTLSHandshake):
		return CodeTLSHandshake
	case errors.Is(err, ErrReceive):
		return CodeReceive
	case errors.Is(err, ErrSend):
		return CodeSend
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrEOF):
		return CodeEOF
	case errors.Is(err, ErrAbortRequested):
		return CodeAbortRequested
	case errors.Is(err, ErrRetry):
		return CodeRetry
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	default:
		return 0
	}
}
