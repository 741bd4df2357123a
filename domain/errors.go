package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidInput indicates malformed request data, rejected before the
// record store is touched.
var ErrInvalidInput = errors.New("invalid input")

// ErrTaskNotFound indicates the mutation target does not exist. The
// operation performed no side effects.
var ErrTaskNotFound = errors.New("task not found")

// ErrStoreUnavailable indicates the record store was unreachable or failed.
var ErrStoreUnavailable = errors.New("record store unavailable")

func storeUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
