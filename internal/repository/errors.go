package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected a value (constraint or
// encoding violation).
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrImmutable indicates an update was refused because the record reached a
// terminal state.
var ErrImmutable = errors.New("repository: record immutable")
