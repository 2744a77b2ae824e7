package repository

import (
	"errors"
	"fmt"
)

var (
	ErrNoTransaction = errors.New("outbox: enqueue requires an open transaction")
	ErrEmptyPayload  = errors.New("outbox: empty payload")
	ErrInvalidType   = errors.New("outbox: message type is required")
)

// StoreError is a transient datastore failure. Callers back off and retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
