package pool

import "errors"

// ErrNotFound is returned when no pool or volume matches the given identity.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when a definition collides with an existing pool or
// volume by name, UUID, or source.
var ErrExists = errors.New("already exists")
