package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/samcharles93/tinystory/internal/metrics"
)

// Generator is the part of an inference session the API drives.
type Generator interface {
	Generate(ctx context.Context, req inference.Request, stream inference.StreamFunc) (*inference.Result, error)
	Summary() inference.Summary
	Close() error
}

// StreamWriter receives the lifecycle of a streamed story.
type StreamWriter interface {
	Begin(story Story) error
	EmitDelta(delta string) error
	Complete(story Story) error
	Failed(story Story) error
}

// StoryService serialises generation on one session, which owns a single
// KV cache.
type StoryService struct {
	mu       sync.Mutex
	closed   bool
	gen      Generator
	defaults inference.GenDefaults
	clock    func() time.Time
}

func NewStoryService(gen Generator, defaults inference.GenDefaults) *StoryService {
	return &StoryService{gen: gen, defaults: defaults, clock: time.Now}
}

func (s *StoryService) Summary() inference.Summary { return s.gen.Summary() }

// Close waits for the generation in flight, if any, then closes the
// generator. Later Create calls fail with ErrServiceClosed.
func (s *StoryService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.gen.Close()
}

func validate(req *StoryRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return invalidStory("prompt is required")
	}
	if req.MaxLength != nil && *req.MaxLength <= 0 {
		return invalidStory("max_length must be positive")
	}
	if req.TopK != nil && *req.TopK < 0 {
		return invalidStory("top_k must not be negative")
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return invalidStory("top_p must be in (0, 1]")
	}
	if req.Temperature != nil && *req.Temperature < 0 {
		return invalidStory("temperature must not be negative")
	}
	if req.MinP != nil && (*req.MinP < 0 || *req.MinP > 1) {
		return invalidStory("min_p must be in [0, 1]")
	}
	if req.RepetitionWindow != nil && *req.RepetitionWindow < 0 {
		return invalidStory("repetition_window must not be negative")
	}
	return nil
}

func toRequestOptions(req *StoryRequest) inference.RequestOptions {
	return inference.RequestOptions{
		Prompt:            &req.Prompt,
		MaxLength:         req.MaxLength,
		Seed:              req.Seed,
		DoSample:          req.DoSample,
		Temperature:       req.Temperature,
		TopK:              req.TopK,
		TopP:              req.TopP,
		MinP:              req.MinP,
		RepetitionPenalty: req.RepetitionPenalty,
		RepetitionWindow:  req.RepetitionWindow,
	}
}

func (s *StoryService) generate(ctx context.Context, req *StoryRequest, onDelta inference.StreamFunc) (*inference.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	res, err := s.gen.Generate(ctx, inference.ResolveRequest(toRequestOptions(req), s.defaults), onDelta)
	metrics.RecordRun(inference.Outcome(err))
	return res, err
}

// Create generates one story. A non-nil story is returned even on failure
// so streamed clients see its final state.
func (s *StoryService) Create(ctx context.Context, req *StoryRequest, stream StreamWriter) (*Story, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	summary := s.gen.Summary()
	story := Story{
		ID:        newStoryID(),
		Object:    "story",
		CreatedAt: s.clock().Unix(),
		Status:    StatusInProgress,
		Prompt:    req.Prompt,
		Device:    summary.Device.String(),
		ModelType: summary.ModelType,
	}
	if stream != nil {
		if err := stream.Begin(story); err != nil {
			return &story, err
		}
	}

	var onDelta inference.StreamFunc
	if stream != nil {
		onDelta = stream.EmitDelta
	}

	res, err := s.generate(ctx, req, onDelta)
	if err != nil {
		story.Status = StatusFailed
		_, errType := classify(err)
		if errType == typeCancelled {
			story.Status = StatusCancelled
		}
		story.Error = &APIError{Message: err.Error(), Type: errType}
		if stream != nil {
			_ = stream.Failed(story)
		}
		return &story, err
	}

	completed := s.clock().Unix()
	story.CompletedAt = &completed
	story.Status = StatusCompleted
	story.Text = res.Text
	story.Tokens = len(res.IDs)
	story.StopReason = res.Stats.StopReason
	story.Usage = &StoryUsage{
		PromptTokens:    res.Stats.PromptTokens,
		GeneratedTokens: res.Stats.TokensGenerated,
		TokensPerSecond: res.Stats.TPS,
	}
	if stream != nil {
		if err := stream.Complete(story); err != nil {
			return &story, err
		}
	}
	return &story, nil
}
