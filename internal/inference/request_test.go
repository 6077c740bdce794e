package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samcharles93/tinystory/internal/checkpoint"
)

func ptr[T any](v T) *T { return &v }

func TestResolveRequestDefaults(t *testing.T) {
	t.Parallel()
	req := ResolveRequest(RequestOptions{}, GenDefaults{})
	assert.Equal(t, Request{
		Prompt:            DefaultPrompt,
		MaxLength:         DefaultMaxLength,
		Seed:              -1,
		Temperature:       1,
		TopK:              50,
		TopP:              1,
		RepetitionPenalty: 1,
	}, req)
	assert.False(t, req.DoSample)
}

func TestResolveRequestLayers(t *testing.T) {
	t.Parallel()
	defaults := DefaultsFromGeneration(checkpoint.GenerationConfig{
		DoSample:          true,
		Temperature:       ptr(0.7),
		TopK:              ptr(0),
		TopP:              ptr(0.9),
		RepetitionPenalty: ptr(1.2),
		MinP:              ptr(0.05),
	})

	req := ResolveRequest(RequestOptions{}, defaults)
	assert.True(t, req.DoSample)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 0, req.TopK)
	assert.Equal(t, 0.9, req.TopP)
	assert.Equal(t, 1.2, req.RepetitionPenalty)
	assert.Equal(t, 0.05, req.MinP)
	assert.Zero(t, req.RepetitionWindow)

	req = ResolveRequest(RequestOptions{
		Prompt:           ptr("once upon"),
		MaxLength:        ptr(20),
		Seed:             ptr(int64(3)),
		DoSample:         ptr(false),
		Temperature:      ptr(0.5),
		TopK:             ptr(5),
		MinP:             ptr(0.1),
		RepetitionWindow: ptr(16),
	}, defaults)
	assert.Equal(t, "once upon", req.Prompt)
	assert.Equal(t, 20, req.MaxLength)
	assert.Equal(t, int64(3), req.Seed)
	assert.False(t, req.DoSample)
	assert.Equal(t, 0.5, req.Temperature)
	assert.Equal(t, 5, req.TopK)
	assert.Equal(t, 0.9, req.TopP)
	assert.Equal(t, 0.1, req.MinP)
	assert.Equal(t, 16, req.RepetitionWindow)
}

func TestResolveRequestIgnoresInvalidDefaults(t *testing.T) {
	t.Parallel()
	req := ResolveRequest(RequestOptions{}, GenDefaults{
		Temperature:       ptr(0.0),
		TopP:              ptr(1.5),
		RepetitionPenalty: ptr(-1.0),
		MinP:              ptr(2.0),
	})
	assert.Equal(t, 1.0, req.Temperature)
	assert.Zero(t, req.MinP)
	assert.Equal(t, 1.0, req.TopP)
	assert.Equal(t, 1.0, req.RepetitionPenalty)
}

func TestSamplerConfig(t *testing.T) {
	t.Parallel()
	cfg := Request{
		Seed: 9, DoSample: true, Temperature: 0.5, TopK: 3, TopP: 0.8,
		MinP: 0.05, RepetitionPenalty: 1.1, RepetitionWindow: 32,
	}.SamplerConfig()
	assert.Equal(t, uint64(9), cfg.Seed)
	assert.True(t, cfg.DoSample)
	assert.Equal(t, float32(0.5), cfg.Temperature)
	assert.Equal(t, 3, cfg.TopK)
	assert.InDelta(t, 0.8, cfg.TopP, 1e-6)
	assert.InDelta(t, 1.1, cfg.RepeatPenalty, 1e-6)
	assert.InDelta(t, 0.05, cfg.MinP, 1e-6)
	assert.Equal(t, 32, cfg.RepeatLastN)
}
