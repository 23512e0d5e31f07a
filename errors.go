package polycache

import (
	"errors"
	"fmt"
)

// ErrUncacheable matches (errors.Is) every *UncacheableError.
var ErrUncacheable = errors.New("polycache: value is not cacheable")

// UncacheableError is returned by Set and SetMany when the store's
// cacheability rule rejects a value. It is never retried.
type UncacheableError struct {
	Key   string
	Value any
}

func (e *UncacheableError) Error() string {
	return fmt.Sprintf("polycache: value for %q is not cacheable (%T)", e.Key, e.Value)
}

func (e *UncacheableError) Is(target error) bool { return target == ErrUncacheable }

// PanicError carries a panic recovered from a background producer.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("polycache: background task for %q panicked: %v", e.Key, e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
