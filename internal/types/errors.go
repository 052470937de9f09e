package types

import (
	"errors"
	"fmt"
)

// Domain specific errors for authorization and subscription handling.
var (
	ErrNotFound   = errors.New("requested item not found")
	ErrConflict   = errors.New("item already exists or conflict")
	ErrForbidden  = errors.New("action forbidden")
	ErrBadRequest = errors.New("bad request")
	ErrGateway    = errors.New("payment gateway failure")
)

// ErrDuplicateGrant marks a second grant attempt for the same
// (resource, principal) pair. It wraps ErrConflict so callers matching
// on the broader class still catch it.
var ErrDuplicateGrant = fmt.Errorf("permission grant already exists: %w", ErrConflict)
