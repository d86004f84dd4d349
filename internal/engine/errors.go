package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an import batch or request argument is
	// rejected. Nothing is written.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when the requested node does not exist.
	ErrNotFound = errors.New("item not found")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
