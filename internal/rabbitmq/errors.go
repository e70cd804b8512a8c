package rabbitmq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no broker connection is established.
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("rabbitmq: publish not confirmed")
	// ErrDegraded is returned by Run once a bounded connection policy is exhausted.
	ErrDegraded = errors.New("rabbitmq: connection attempts exhausted")
)

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the delivery is dead-lettered without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
