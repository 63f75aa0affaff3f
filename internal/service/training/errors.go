package training

import (
	"context"
	"errors"

	"modelforge/internal/model"
)

// cancellation causes of a job context
var (
	errUserCancelled = errors.New("cancelled by user")
	errShutdown      = errors.New("control plane shutting down")
	errRetry         = errors.New("superseded by retry")
	// errStatusChanged a conditional update found the job in another state;
	// whoever changed it owns the record now
	errStatusChanged = errors.New("job status changed concurrently")
)

// errorKind short error code stored in Job.ErrorMessage
func errorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientData):
		return "InsufficientData"
	case errors.Is(err, model.ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, model.ErrDependencyUnavailable):
		return "DependencyUnavailable"
	case errors.Is(err, model.ErrResourceUnavailable):
		return "ResourceUnavailable"
	case errors.Is(err, model.ErrCheckpointCorrupt):
		return "CheckpointCorrupt"
	case errors.Is(err, model.ErrNotFound):
		return "NotFound"
	case errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled):
		return "Cancelled"
	default:
		return "TrainerError"
	}
}
