package session

import "errors"

// ErrNotFound is returned when a session id has no row, or has expired.
var ErrNotFound = errors.New("session: not found")
