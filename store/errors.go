package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("message not found")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNoReceiver    = errors.New("message has no receiver")
)

// PersistenceError reports that the store failed to durably write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
