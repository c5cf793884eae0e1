package coordinator

import "errors"

// Failure kinds reported by the coordinator. Returned errors wrap one of these
// together with the underlying cause, so errors.Is matches both.
var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyRunning    = errors.New("task already running")
	ErrInvalidPath       = errors.New("invalid path")
	ErrEngineRejected    = errors.New("engine rejected request")
	ErrIO                = errors.New("filesystem error")
	ErrEngineUnavailable = errors.New("engine unavailable")
)
