package runtime

import "errors"

// Sentinel errors returned by Runtime implementations. Callers match them
// with errors.Is; implementations wrap them with engine detail.
var (
	ErrNotFound       = errors.New("container not found")
	ErrAlreadyExists  = errors.New("container already exists")
	ErrNotRunning     = errors.New("container is not running")
	ErrAlreadyRunning = errors.New("container is already running")
	ErrStartFailed    = errors.New("container failed to start")
	ErrTimeout        = errors.New("container operation timed out")
	ErrInvalidImage   = errors.New("invalid sandbox image")
)
