// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// booking service to distinguish between different failure scenarios.
// ErrConflict in particular is the signal that a conditional update lost
// its race: the row existed but its status no longer matched the expected
// precondition, so zero rows were changed.
package repository

import "errors"

// ErrNotFound is returned when a booking, stay or activity row does not
// exist. Callers should translate this into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update matched no rows
// because the record's current state differs from the expected one.
// The caller must re-read the row to learn the conflicting state.
var ErrConflict = errors.New("conflict")

// ErrHashAlreadyUsed is returned when reserving a transaction hash that a
// previous submission already consumed. A hash is burned the moment it is
// accepted for verification and is never released, even if that booking
// later fails for an unrelated reason.
var ErrHashAlreadyUsed = errors.New("transaction hash already used")

// ErrDuplicateBooking is returned when inserting a booking for a
// (user, stay) pair that already has a row.
var ErrDuplicateBooking = errors.New("booking already exists for user and stay")
