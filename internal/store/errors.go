package store

import "errors"

// ErrNotFound is returned when a Codebase id has no row.
var ErrNotFound = errors.New("store: codebase not found")

// ErrInvalidTransition is returned when a status update would move a
// Codebase backward through {queued -> processing -> (completed|failed)}.
var ErrInvalidTransition = errors.New("store: invalid status transition")
