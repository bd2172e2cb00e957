package store

import "errors"

var (
	// ErrConflict means the requested interval overlaps a blocking appointment
	// already committed for the business.
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
