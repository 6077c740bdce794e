package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/metrics"
)

// LoadError reports a model directory that is missing, unreadable or
// incompatible with the loaders.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load model from %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// ResourceError reports a model that cannot be placed on the selected
// device.
type ResourceError struct {
	Device backend.Device
	Err    error
}

func (e *ResourceError) Error() string { return fmt.Sprintf("place model on %s: %v", e.Device, e.Err) }
func (e *ResourceError) Unwrap() error { return e.Err }

// GenerationError reports a failure while encoding, generating or decoding.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generate: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// Outcome maps a pipeline error to the runs_total outcome label.
func Outcome(err error) string {
	var (
		loadErr *LoadError
		resErr  *ResourceError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.As(err, &loadErr):
		return metrics.OutcomeLoadError
	case errors.As(err, &resErr):
		return metrics.OutcomeResourceError
	default:
		return metrics.OutcomeGenerationError
	}
}
