package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveSession     = errors.New("no active session")
	ErrStaleSession        = errors.New("session was replaced or closed")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrInvalidObserver     = errors.New("observer must be a non-nil func")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrNoRemoteDescription = errors.New("no remote description to rebuild from")
)

// NegotiationError wraps a failure of the underlying description exchange.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func negotiationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NegotiationError{Op: op, Err: err}
}
