package router

import (
	"errors"
	"fmt"
)

// SendErrorKind classifies uplink send failures
type SendErrorKind int

const (
	SendTimeout SendErrorKind = iota
	SendClosed
	SendEncode
)

func (k SendErrorKind) String() string {
	switch k {
	case SendTimeout:
		return "timeout"
	case SendClosed:
		return "closed"
	case SendEncode:
		return "encode"
	}
	return "unknown"
}

// SendError is returned by SendUplink
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send uplink: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("send uplink: %s", e.Kind)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether resending the same packet can succeed.
func (e *SendError) Retryable() bool {
	return e.Kind != SendEncode
}

// IsRetryable reports whether err is a retryable SendError
func IsRetryable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retryable()
}
