package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable wraps every transport or driver level failure so callers can
// distinguish "the store could not answer" from "the store answered empty".
// A failed fetch must never be presented as zero results.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("not found")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
