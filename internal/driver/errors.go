package driver

import "errors"

// ErrBusy marks an operation refused because a conflicting long-running
// operation holds the pool or volume.
var ErrBusy = errors.New("resource is busy")

// ErrInvalidState marks an operation that requires the pool to be in a
// different lifecycle state, e.g. starting an already-active pool.
var ErrInvalidState = errors.New("invalid pool state")

// ErrInvalidArgument marks a request the driver rejected before touching any
// storage, e.g. a malformed definition or an impossible resize.
var ErrInvalidArgument = errors.New("invalid argument")
