package gateway

import (
	"errors"
	"fmt"
)

// LinkErrorKind classifies link failures
type LinkErrorKind int

const (
	ErrKindIO LinkErrorKind = iota
	ErrKindMalformed
	ErrKindTimeout
	ErrKindRejected
	ErrKindNoClient
)

func (k LinkErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindMalformed:
		return "malformed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindRejected:
		return "rejected"
	case ErrKindNoClient:
		return "no_client"
	}
	return "unknown"
}

// LinkError is returned by the concentrator link. All kinds are recoverable.
type LinkError struct {
	Kind LinkErrorKind
	Code TxAckCode // set for ErrKindRejected
	Err  error
}

func (e *LinkError) Error() string {
	switch {
	case e.Kind == ErrKindRejected:
		return fmt.Sprintf("concentrator rejected transmission: %s", e.Code)
	case e.Err != nil:
		return fmt.Sprintf("concentrator link %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("concentrator link %s", e.Kind)
	}
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a LinkError of kind k
func IsKind(err error, k LinkErrorKind) bool {
	var le *LinkError
	return errors.As(err, &le) && le.Kind == k
}

// IsTimingRejection reports whether the concentrator refused a transmit
// because its scheduled time was unreachable.
func IsTimingRejection(err error) bool {
	var le *LinkError
	if !errors.As(err, &le) || le.Kind != ErrKindRejected {
		return false
	}
	return le.Code == TxAckTooEarly || le.Code == TxAckTooLate
}
