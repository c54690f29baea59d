// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Fault kinds. Component boundaries wrap concrete causes with one of these so
// callers can branch with errors.Is on the error carried by a failed status.
var (
	// ErrValidation indicates the input violates a schema or attachment invariant.
	ErrValidation = errors.New("validation")

	// ErrStore indicates the embedded store rejected or failed an operation.
	ErrStore = errors.New("store")

	// ErrConsistency indicates a compound operation stopped after an earlier step committed.
	ErrConsistency = errors.New("consistency")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to repeated failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrBadPassword indicates the database password is missing or wrong.
	ErrBadPassword = errors.New("bad database password")
)
