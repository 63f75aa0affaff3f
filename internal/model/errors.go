package model

import "errors"

// Error kinds surfaced to callers. Wrap with fmt.Errorf("...: %w", Err...)
// and test with errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInsufficientData      = errors.New("insufficient data")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrResourceUnavailable   = errors.New("resource unavailable")
	ErrCancelled             = errors.New("cancelled")
	ErrTrainerError          = errors.New("trainer error")
	ErrCheckpointCorrupt     = errors.New("checkpoint corrupt")
	ErrConflict              = errors.New("conflict")
)
