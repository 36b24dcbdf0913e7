package relayqueue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("pipeline closed")

	// ErrAuthExpired is the transport's signal that the current session
	// token was rejected. It is not a failure of the command itself.
	ErrAuthExpired = errors.New("authentication expired")
)

// FailureClass distinguishes the transient failure families tracked by
// retry metrics and logs.
type FailureClass string

const (
	FailureNetwork FailureClass = "network"
	FailureServer  FailureClass = "server"
	FailureUnknown FailureClass = "unknown"
)

// TransientError marks an outcome worth retrying with backoff. The
// durable dispatcher keeps the entry at the head of the store.
type TransientError struct {
	Class   FailureClass
	Status  int
	Message string
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient %s failure: status=%d %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("transient %s failure: %s", e.Class, e.Message)
}

// PermanentError marks a definitive rejection. The entry is removed
// from the durable store and the failure surfaces to the caller.
type PermanentError struct {
	Status int
	Reason string
}

func (e *PermanentError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("permanent failure: status=%d %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("permanent failure: %s", e.Reason)
}

// AuthError reports that reauthentication itself failed. The durable
// dispatcher stops until credentials or connectivity change.
type AuthError struct {
	Status  int
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("authentication failed: status=%d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
