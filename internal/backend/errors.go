package backend

import "errors"

// ErrNotSupported marks an operation the pool's backend does not implement.
var ErrNotSupported = errors.New("operation not supported by storage backend")

// ErrIncompleteMetadata marks a volume refresh that could not re-derive the
// full target metadata. Callers that only refresh opportunistically, such as
// after a wipe, treat it as non-fatal.
var ErrIncompleteMetadata = errors.New("incomplete volume metadata")
