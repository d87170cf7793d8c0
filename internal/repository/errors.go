package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the store rejected malformed input.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("repository: conflict")
)
