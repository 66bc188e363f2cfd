package proxy

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrPortInUse means a listen address is already bound.
	ErrPortInUse = errors.New("port in use")

	// ErrPermissionDenied means the process may not bind the address.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUpstreamUnreachable means the origin could not be reached.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrMalformedRequest means the request named no usable target.
	ErrMalformedRequest = errors.New("malformed request")
)

// upstreamError classifies a failed dial or round trip to target.
func upstreamError(target string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, target, err)
}

// ListenError reports a listener that could not be bound.
type ListenError struct {
	Addr string
	Kind error // ErrPortInUse, ErrPermissionDenied or nil
	Err  error
}

func (e *ListenError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("listen %s: %v: %v", e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("listen %s: %v", e.Addr, e.Err)
}

// Unwrap exposes both the classification and the OS error to errors.Is.
func (e *ListenError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

func newListenError(addr string, err error) *ListenError {
	le := &ListenError{Addr: addr, Err: err}
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		le.Kind = ErrPortInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		le.Kind = ErrPermissionDenied
	}
	return le
}
