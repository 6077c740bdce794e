package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Values of the "type" field in error bodies and failed stories.
const (
	typeInvalidStory = "invalid_request_error"
	typeNotFound     = "not_found_error"
	typeUnavailable  = "unavailable_error"
	typeCancelled    = "cancelled_error"
	typeServer       = "server_error"
)

// ErrServiceClosed is returned by Create once the service has released its
// generator.
var ErrServiceClosed = errors.New("story service closed")

// StoryError is a request failure with the HTTP status it is reported with.
type StoryError struct {
	Status int
	Type   string
	Err    error
}

func (e *StoryError) Error() string { return e.Err.Error() }

func (e *StoryError) Unwrap() error { return e.Err }

func invalidStory(format string, args ...any) error {
	return &StoryError{Status: http.StatusBadRequest, Type: typeInvalidStory, Err: fmt.Errorf(format, args...)}
}

func storyNotFound(id string) error {
	return &StoryError{Status: http.StatusNotFound, Type: typeNotFound, Err: fmt.Errorf("story %q not found", id)}
}

// classify maps a Create failure onto its HTTP status and error type.
func classify(err error) (int, string) {
	var se *StoryError
	switch {
	case errors.As(err, &se):
		return se.Status, se.Type
	case errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable, typeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, typeCancelled
	default:
		return http.StatusInternalServerError, typeServer
	}
}
