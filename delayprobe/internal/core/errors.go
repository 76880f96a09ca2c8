package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	ErrorKindNetwork  ErrorKind = "network_error"
	ErrorKindTimeout  ErrorKind = "timeout_error"
	ErrorKindHTTP     ErrorKind = "http_error"
	ErrorKindDecode   ErrorKind = "decode_error"
	ErrorKindNotFound ErrorKind = "not_found"
	ErrorKindAuth     ErrorKind = "auth_error"
)

// Error describes a failed call to the proxy core controller.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("core: %s failed in %s", e.Kind, e.Op)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the core gave up waiting on the node.
func (e *Error) Timeout() bool {
	return e.Kind == ErrorKindTimeout
}

// IsTimeout reports whether err is a probe or transport timeout.
func IsTimeout(err error) bool {
	var cerr *Error
	if errors.As(err, &cerr) && cerr.Kind == ErrorKindTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether the core does not know the requested proxy.
func IsNotFound(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == ErrorKindNotFound
}

func newTransportError(op string, err error) *Error {
	kind := ErrorKindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrorKindTimeout
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}
