package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter emits a story as server-sent events: story.created, one
// story.delta per decoded piece, then story.completed or story.failed.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
	storyID string
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		seq:     1,
	}, nil
}

func (s *SSEStreamWriter) Begin(story Story) error {
	s.storyID = story.ID
	return s.send("story.created", map[string]any{"story": story})
}

func (s *SSEStreamWriter) EmitDelta(delta string) error {
	return s.send("story.delta", map[string]any{"story_id": s.storyID, "delta": delta})
}

func (s *SSEStreamWriter) Complete(story Story) error {
	return s.send("story.completed", map[string]any{"story": story})
}

func (s *SSEStreamWriter) Failed(story Story) error {
	return s.send("story.failed", map[string]any{"story": story})
}

func (s *SSEStreamWriter) send(event string, payload map[string]any) error {
	payload["type"] = event
	payload["sequence_number"] = s.seq
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.seq++
	if s.flusher != nil {
		s.flusher()
	}
	return nil
}
