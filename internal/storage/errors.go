package storage

import (
	"errors"
	"fmt"
)

// StoreError wraps a provider failure with a retry classification. 5xx and
// network-level failures are transient; 4xx responses are permanent. A missing
// key additionally sets NotFound so the worker can dead-letter immediately.
type StoreError struct {
	Op        string
	Key       string
	Transient bool
	NotFound  bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store %s %q (%s): %v", e.Op, e.Key, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a StoreError worth retrying.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.NotFound
}
