package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/checkpoint/checkpointtest"
	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/samcharles93/tinystory/internal/logger"
)

type fakeGenerator struct {
	mu      sync.Mutex
	deltas  []string
	err     error
	lastReq inference.Request
	closed  bool

	// started and release, when set, hold Generate until release is closed.
	started chan struct{}
	release chan struct{}
}

func (g *fakeGenerator) Generate(_ context.Context, req inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	g.mu.Lock()
	g.lastReq = req
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, errors.New("generator closed")
	}
	if g.started != nil {
		close(g.started)
		<-g.release
	}
	if g.err != nil {
		return nil, g.err
	}
	text := req.Prompt
	for _, d := range g.deltas {
		text += d
		if stream != nil {
			if err := stream(d); err != nil {
				return nil, err
			}
		}
	}
	return &inference.Result{
		Request: req,
		IDs:     make([]int, 4+len(g.deltas)),
		Text:    text,
		Stats:   inference.Stats{PromptTokens: 4, TokensGenerated: len(g.deltas), StopReason: inference.StopLength},
	}, nil
}

func (g *fakeGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGenerator) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *fakeGenerator) Summary() inference.Summary {
	return inference.Summary{ModelType: checkpoint.FamilyGPT2, Device: backend.CPU, Engine: inference.EngineNative}
}

func newTestEcho(gen Generator) *echo.Echo {
	server := NewServer(NewStoryStore(8, time.Minute), NewStoryService(gen, inference.GenDefaults{}))
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeStory(t *testing.T, rec *httptest.ResponseRecorder) Story {
	t.Helper()
	var story Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &story), rec.Body.String())
	return story
}

func TestCreateGetDeleteStory(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{deltas: []string{" you", " are"}})

	rec := doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"how you are,","max_length":6,"seed":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeStory(t, rec)
	assert.True(t, strings.HasPrefix(created.ID, "story-"))
	assert.Equal(t, StatusCompleted, created.Status)
	assert.Equal(t, "how you are, you are", created.Text)
	assert.Equal(t, 6, created.Tokens)
	assert.Equal(t, "cpu", created.Device)
	require.NotNil(t, created.Usage)
	assert.Equal(t, 2, created.Usage.GeneratedTokens)

	rec = doJSON(t, e, http.MethodGet, "/v1/stories/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Text, decodeStory(t, rec).Text)

	rec = doJSON(t, e, http.MethodDelete, "/v1/stories/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":true`)

	rec = doJSON(t, e, http.MethodGet, "/v1/stories/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, e, http.MethodDelete, "/v1/stories/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateStoryPassesOverrides(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	e := newTestEcho(gen)

	rec := doJSON(t, e, http.MethodPost, "/v1/stories",
		`{"prompt":"once","max_length":9,"seed":4,"do_sample":true,"temperature":0.5,"top_k":3,"top_p":0.9,`+
			`"min_p":0.05,"repetition_penalty":1.3,"repetition_window":8}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, "once", gen.lastReq.Prompt)
	assert.Equal(t, 9, gen.lastReq.MaxLength)
	assert.Equal(t, int64(4), gen.lastReq.Seed)
	assert.True(t, gen.lastReq.DoSample)
	assert.Equal(t, 0.5, gen.lastReq.Temperature)
	assert.Equal(t, 3, gen.lastReq.TopK)
	assert.Equal(t, 0.9, gen.lastReq.TopP)
	assert.Equal(t, 0.05, gen.lastReq.MinP)
	assert.Equal(t, 1.3, gen.lastReq.RepetitionPenalty)
	assert.Equal(t, 8, gen.lastReq.RepetitionWindow)
}

func TestCreateStoryValidation(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{})

	for name, body := range map[string]string{
		"empty prompt":    `{"prompt":""}`,
		"blank prompt":    `{"prompt":"   "}`,
		"bad length":      `{"prompt":"x","max_length":0}`,
		"bad top_p":       `{"prompt":"x","top_p":1.5}`,
		"bad top_k":       `{"prompt":"x","top_k":-1}`,
		"bad json":        `{"prompt":`,
		"bad temperature": `{"prompt":"x","temperature":-0.1}`,
		"bad min_p":       `{"prompt":"x","min_p":1.5}`,
		"bad window":      `{"prompt":"x","repetition_window":-1}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/stories", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "invalid_request_error", name)
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/stories?stream=maybe", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateStoryGenerationFailure(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{err: &inference.GenerationError{Err: errors.New("boom")}})

	rec := doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
	assert.Contains(t, rec.Body.String(), "server_error")
}

func TestCreateStoryCancelled(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{err: &inference.GenerationError{Err: context.Canceled}})

	rec := doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancelled_error")
}

func TestNotFoundNamesStory(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{})

	rec := doJSON(t, e, http.MethodGet, "/v1/stories/story-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found_error")
	assert.Contains(t, rec.Body.String(), "story-missing")
}

func TestCloseWaitsForGeneration(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{
		deltas:  []string{" you"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	service := NewStoryService(gen, inference.GenDefaults{})

	created := make(chan error, 1)
	go func() {
		_, err := service.Create(context.Background(), &StoryRequest{Prompt: "how"}, nil)
		created <- err
	}()
	<-gen.started

	closed := make(chan error, 1)
	go func() { closed <- service.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a generation was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, gen.isClosed())

	close(gen.release)
	require.NoError(t, <-created)
	require.NoError(t, <-closed)
	assert.True(t, gen.isClosed())

	_, err := service.Create(context.Background(), &StoryRequest{Prompt: "how"}, nil)
	require.ErrorIs(t, err, ErrServiceClosed)
	require.NoError(t, service.Close(), "second Close is a no-op")
}

func TestCreateAfterCloseIsUnavailable(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	service := NewStoryService(gen, inference.GenDefaults{})
	server := NewServer(NewStoryStore(8, time.Minute), service)
	e := echo.New()
	server.Register(e)
	require.NoError(t, service.Close())

	rec := doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unavailable_error")
}

func TestCreateStoryStreaming(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{deltas: []string{" you", " are"}})

	rec := doJSON(t, e, http.MethodPost, "/v1/stories?stream=true", `{"prompt":"how"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "story.created", events[0]["type"])
	assert.Equal(t, " you", events[1]["delta"])
	assert.Equal(t, " are", events[2]["delta"])
	assert.Equal(t, "story.completed", events[3]["type"])
	assert.EqualValues(t, 4, events[3]["sequence_number"])

	final := events[3]["story"].(map[string]any)
	assert.Equal(t, "how you are", final["text"])
}

func TestCreateStoryStreamingFailure(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{err: errors.New("boom")})

	rec := doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"how","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "story.failed", events[1]["type"])
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{})

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, HealthResponse{Status: "ok", Device: "cpu", Engine: "native", ModelType: "gpt2"}, health)

	doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"x"}`)
	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tinystory_runs_total")
}

func TestPlaygroundPage(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&fakeGenerator{})

	rec := doJSON(t, e, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	assert.Contains(t, rec.Body.String(), "<title>tinystory</title>")
}

func TestStoryStoreEviction(t *testing.T) {
	t.Parallel()
	s := NewStoryStore(2, time.Minute)
	s.Put(Story{ID: "a"})
	s.Put(Story{ID: "b"})
	s.Put(Story{ID: "c"})
	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Delete("b"))
	s.Put(Story{ID: "d"})
	_, ok = s.Get("c")
	assert.True(t, ok)
	assert.False(t, s.Delete("b"))
}

func TestStoryStoreExpiry(t *testing.T) {
	t.Parallel()
	s := NewStoryStore(4, time.Millisecond)
	s.Put(Story{ID: "a"})
	time.Sleep(10 * time.Millisecond)

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestEndToEndWithSession(t *testing.T) {
	t.Parallel()
	dir := checkpointtest.Write(t, checkpointtest.Options{Favor: checkpointtest.EOS()})
	sess, err := inference.Open(context.Background(), inference.Options{
		ModelDir: dir,
		Backend:  "cpu",
		Memory: func() (backend.Memory, error) {
			return backend.Memory{Total: 1 << 40, Available: 1 << 40}, nil
		},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	e := newTestEcho(sess)
	rec := doJSON(t, e, http.MethodPost, "/v1/stories", `{"prompt":"how you are,"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	story := decodeStory(t, rec)
	assert.Equal(t, "how you are,", story.Text)
	assert.Equal(t, inference.StopEOS, story.StopReason)
	assert.Equal(t, 5, story.Tokens)
}

func parseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			events = append(events, ev)
		}
	}
	return events
}
