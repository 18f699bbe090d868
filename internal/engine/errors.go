package engine

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// Error decorates a failed engine call with the operation, the container or
// image reference, and whether the engine reported the target as missing.
type Error struct {
	Op       string
	Ref      string
	NotFound bool
	Err      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("engine %s %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an engine error for a missing container
// or image.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.NotFound
	}
	return false
}

// decorate wraps an engine error, normalizing the engine's 404 responses
// into the NotFound flag.
func decorate(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:       op,
		Ref:      ref,
		NotFound: client.IsErrNotFound(err),
		Err:      err,
	}
}
