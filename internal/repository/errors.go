package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a version-guarded write lost a race.
	ErrConflict = errors.New("write conflict")
	// ErrUnavailable wraps failures of the underlying store.
	ErrUnavailable = errors.New("repository unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
