package model

import (
	"errors"
	"fmt"
)

// ErrPropertyMismatch is the base error for any request that does not match
// the addressed vector's definition. Such requests are never applied.
var ErrPropertyMismatch = errors.New("property mismatch")

// Request validation errors. All wrap ErrPropertyMismatch.
var (
	ErrReadOnlyVector = fmt.Errorf("%w: vector is read-only", ErrPropertyMismatch)
	ErrUnknownElement = fmt.Errorf("%w: unknown element", ErrPropertyMismatch)
	ErrKindMismatch   = fmt.Errorf("%w: element kind mismatch", ErrPropertyMismatch)
	ErrOutOfRange     = fmt.Errorf("%w: number out of range", ErrPropertyMismatch)
	ErrSwitchRule     = fmt.Errorf("%w: switch rule violated", ErrPropertyMismatch)
	ErrVectorNotFound = fmt.Errorf("%w: vector not found", ErrPropertyMismatch)
)

// Definition errors.
var (
	ErrInvalidVector   = errors.New("invalid vector definition")
	ErrDuplicateVector = errors.New("vector already defined")
	ErrDeviceMismatch  = errors.New("vector belongs to another device")
)
