package inference

import (
	"time"

	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/logits"
)

const (
	DefaultModelDir  = "./"
	DefaultPrompt    = "how you are,"
	DefaultMaxLength = 50
)

// GenDefaults are the sampling values a checkpoint ships in
// generation_config.json.
type GenDefaults struct {
	DoSample          bool
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
	MinP              *float64
}

func DefaultsFromGeneration(gc checkpoint.GenerationConfig) GenDefaults {
	return GenDefaults{
		DoSample:          gc.DoSample,
		Temperature:       gc.Temperature,
		TopK:              gc.TopK,
		TopP:              gc.TopP,
		RepetitionPenalty: gc.RepetitionPenalty,
		MinP:              gc.MinP,
	}
}

// RequestOptions override single fields of a request. Nil keeps the
// default.
type RequestOptions struct {
	Prompt    *string
	MaxLength *int
	Seed      *int64

	DoSample          *bool
	Temperature       *float64
	TopK              *int
	TopP              *float64
	MinP              *float64
	RepetitionPenalty *float64
	RepetitionWindow  *int
}

// Request is a fully resolved generation request.
type Request struct {
	Prompt    string
	MaxLength int
	// Seed below zero seeds the sampler from the clock.
	Seed int64

	DoSample          bool
	Temperature       float64
	TopK              int
	TopP              float64
	MinP              float64
	RepetitionPenalty float64
	// RepetitionWindow limits the penalty to the last N tokens. Zero
	// penalises the whole sequence.
	RepetitionWindow int
}

// ResolveRequest layers opts over the checkpoint defaults over the library
// defaults (greedy, temperature 1, top-k 50, top-p 1, no min-p, no penalty).
func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Prompt:            DefaultPrompt,
		MaxLength:         DefaultMaxLength,
		Seed:              -1,
		DoSample:          defaults.DoSample,
		Temperature:       1.0,
		TopK:              50,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}

	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		req.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		req.RepetitionPenalty = *defaults.RepetitionPenalty
	}
	if defaults.MinP != nil && *defaults.MinP >= 0 && *defaults.MinP <= 1 {
		req.MinP = *defaults.MinP
	}

	if opts.Prompt != nil {
		req.Prompt = *opts.Prompt
	}
	if opts.MaxLength != nil {
		req.MaxLength = *opts.MaxLength
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.DoSample != nil {
		req.DoSample = *opts.DoSample
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.MinP = *opts.MinP
	}
	if opts.RepetitionPenalty != nil {
		req.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.RepetitionWindow != nil {
		req.RepetitionWindow = *opts.RepetitionWindow
	}
	return req
}

func (r Request) SamplerConfig() logits.SamplerConfig {
	seed := uint64(r.Seed)
	if r.Seed < 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return logits.SamplerConfig{
		Seed:          seed,
		DoSample:      r.DoSample,
		Temperature:   float32(r.Temperature),
		TopK:          r.TopK,
		TopP:          float32(r.TopP),
		MinP:          float32(r.MinP),
		RepeatPenalty: float32(r.RepetitionPenalty),
		RepeatLastN:   r.RepetitionWindow,
	}
}
