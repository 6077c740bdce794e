package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/samcharles93/tinystory/internal/logits"
	"github.com/samcharles93/tinystory/internal/model"
)

// Stop reasons.
const (
	StopLength = "length"
	StopEOS    = "eos"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
	StopReason      string
}

// Generator extends a prompt one token at a time.
type Generator struct {
	Model      model.Model
	Sampler    *logits.Sampler
	StopTokens []int
	Log        logger.Logger
}

// Run extends prompt until the sequence holds maxLength tokens or a stop
// token is sampled. The result includes the prompt and the stop token.
// maxLength is clamped to the model's context length; a prompt that already
// reaches it is returned unchanged. onToken sees the sequence after every
// sampled token and aborts the run by returning an error.
func (g *Generator) Run(ctx context.Context, prompt []int, maxLength int, onToken func(ids []int) error) ([]int, Stats, error) {
	log := g.Log
	if log == nil {
		log = logger.FromContext(ctx)
	}
	stats := Stats{PromptTokens: len(prompt)}
	if len(prompt) == 0 {
		return nil, stats, errors.New("empty prompt")
	}
	if maxLength <= 0 {
		return nil, stats, fmt.Errorf("max length must be positive, got %d", maxLength)
	}

	limit := maxLength
	if n := g.Model.ContextLength(); n > 0 && limit > n {
		log.Warn("max length exceeds model context, clamping", "max_length", maxLength, "context", n)
		limit = n
	}

	ids := slices.Clone(prompt)
	stats.StopReason = StopLength
	if len(ids) >= limit {
		log.Warn("prompt already reaches max length, nothing to generate",
			"prompt_tokens", len(ids), "max_length", limit)
		return ids, stats, nil
	}

	start := time.Now()
	if err := safeReset(g.Model); err != nil {
		return nil, stats, err
	}

	var (
		logitsVec []float32
		err       error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		logitsVec, err = safeForward(g.Model, id)
		if err != nil {
			return nil, stats, fmt.Errorf("forward error during prefill: %w", err)
		}
	}

	for len(ids) < limit {
		if err := ctx.Err(); err != nil {
			return ids, stats, err
		}
		next, err := safeSample(g.Sampler, logitsVec, ids)
		if err != nil {
			return ids, stats, err
		}
		ids = append(ids, next)
		stats.TokensGenerated++

		if onToken != nil {
			if err := onToken(ids); err != nil {
				return ids, stats, err
			}
		}
		if slices.Contains(g.StopTokens, next) {
			stats.StopReason = StopEOS
			break
		}
		if len(ids) >= limit {
			break
		}

		logitsVec, err = safeForward(g.Model, next)
		if err != nil {
			return ids, stats, fmt.Errorf("forward error during generation step %d: %w", stats.TokensGenerated, err)
		}
	}

	stats.Duration = time.Since(start)
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
	return ids, stats, nil
}

func safeReset(m model.Model) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Reset: %v", rec)
		}
	}()
	m.Reset()
	return nil
}

func safeForward(m model.Model, id int) (logitsVec []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ForwardToken: %v", rec)
		}
	}()
	return m.ForwardToken(id)
}

func safeSample(s *logits.Sampler, logitsVec []float32, history []int) (next int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(logitsVec, history), nil
}
