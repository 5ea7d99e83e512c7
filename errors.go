package dispatch

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Canonical error kinds reported by dispatches and entries. Errors coming from
// the transport are wrapped so callers can match them with errors.Is.
var (
	ErrCanceled            = errors.New("operation canceled")
	ErrTimedOut            = errors.New("timed out")
	ErrConnectionReset     = errors.New("connection reset")
	ErrEOF                 = errors.New("end of file")
	ErrShuttingDown        = errors.New("shutting down")
	ErrAddressInUse        = errors.New("address in use")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrAddressNotAvailable = errors.New("address not available")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrNotFound            = errors.New("not found")
	ErrUnexpected          = errors.New("unexpected data")
	ErrInvalidState        = errors.New("invalid state")
	ErrDispatchesRemain    = errors.New("dispatches remain")
)

var canonicalErrors = []error{
	ErrCanceled,
	ErrTimedOut,
	ErrConnectionReset,
	ErrEOF,
	ErrShuttingDown,
	ErrAddressInUse,
	ErrPermissionDenied,
	ErrAddressNotAvailable,
	ErrResourceExhausted,
	ErrNotFound,
	ErrUnexpected,
	ErrInvalidState,
}

// QueryTimeoutError is returned when a query times out.
type QueryTimeoutError struct {
	query *dns.Msg
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}

func (e QueryTimeoutError) Unwrap() error {
	return ErrTimedOut
}

// Maps an error returned by the network stack to one of the canonical kinds. Errors
// that are already canonical, or that don't map to any kind, are returned as-is.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range canonicalErrors {
		if errors.Is(err, kind) {
			return err
		}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrap(ErrEOF, err.Error())
	case errors.Is(err, net.ErrClosed):
		return errors.Wrap(ErrCanceled, err.Error())
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errors.Wrap(ErrTimedOut, err.Error())
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE):
		return errors.Wrap(ErrConnectionReset, err.Error())
	case errors.Is(err, syscall.EADDRINUSE):
		return errors.Wrap(ErrAddressInUse, err.Error())
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return errors.Wrap(ErrPermissionDenied, err.Error())
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return errors.Wrap(ErrAddressNotAvailable, err.Error())
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.Wrap(ErrTimedOut, err.Error())
	}
	return err
}

// Returns true if a failed connect should be retried with a different source port.
func isPortConflict(err error) bool {
	return errors.Is(err, ErrAddressInUse) || errors.Is(err, ErrPermissionDenied)
}

// Wraps one of the canonical errors with additional context.
func errorf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut)
}

func isCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Returns the name of the canonical kind of an error, used as metrics key.
func errorKind(err error) string {
	for _, kind := range canonicalErrors {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "other"
}
