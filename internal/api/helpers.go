package api

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

func writeError(c *echo.Context, err error) error {
	status, errType := classify(err)
	return c.JSON(status, map[string]any{
		"error": APIError{
			Message: err.Error(),
			Type:    errType,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newStoryID() string {
	return "story-" + uuid.NewString()
}
