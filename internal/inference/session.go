package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/backend/onnx"
	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/samcharles93/tinystory/internal/logits"
	"github.com/samcharles93/tinystory/internal/metrics"
	"github.com/samcharles93/tinystory/internal/model"
	"github.com/samcharles93/tinystory/internal/safetensors"
	"github.com/samcharles93/tinystory/internal/tokenizer"
)

// Engines.
const (
	EngineNative = "native"
	EngineONNX   = "onnx"
)

// Options control how a session is opened.
type Options struct {
	ModelDir string
	// Backend is auto, cpu or cuda.
	Backend string
	// Library is the onnxruntime shared library. Empty falls back to the
	// environment.
	Library string
	// Probe reports host capabilities. Nil means CPU only.
	Probe backend.Prober
	// Memory reads host memory. Nil uses backend.HostMemory.
	Memory func() (backend.Memory, error)
	Logger logger.Logger
}

// Session owns the tokenizer, the model and the device it was placed on.
// It is not safe for concurrent use.
type Session struct {
	Checkpoint *checkpoint.Checkpoint
	Tokenizer  *tokenizer.HFTokenizer
	Model      model.Model
	Device     backend.Device
	Engine     string
	Defaults   GenDefaults
	StopTokens []int

	weightBytes uint64
	log         logger.Logger
	closeOnce   sync.Once
	closeErr    error
}

// Encoding is a tokenized prompt tagged with the device it is bound for.
type Encoding struct {
	IDs           []int
	AttentionMask []int
	Device        backend.Device
}

type StreamFunc func(delta string) error

type Result struct {
	Request  Request
	Encoding Encoding
	IDs      []int
	Text     string
	Stats    Stats
}

// Summary describes a loaded session.
type Summary struct {
	Dir         string
	ModelType   string
	Layers      int
	Hidden      int
	Heads       int
	Vocab       int
	Positions   int
	Engine      string
	Device      backend.Device
	WeightBytes uint64
	Specials    []SpecialToken
}

// SpecialToken is a tokenizer id with a role (bos, eos or pad).
type SpecialToken struct {
	Role string
	ID   int
	Text string
}

func specials(tok *tokenizer.HFTokenizer) []SpecialToken {
	var out []SpecialToken
	for _, st := range []SpecialToken{
		{Role: "bos", ID: tok.BOSID()},
		{Role: "eos", ID: tok.EOSID()},
		{Role: "pad", ID: tok.PadID()},
	} {
		if st.ID < 0 {
			continue
		}
		st.Text = tok.TokenString(st.ID)
		out = append(out, st)
	}
	return out
}

// Open loads the checkpoint and tokenizer, selects a device and places the
// model on it. Failures are *LoadError or *ResourceError.
func Open(ctx context.Context, opts Options) (*Session, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}

	s, err := load(opts.ModelDir)
	if err != nil {
		return nil, err
	}
	s.log = log
	log.Debug("checkpoint loaded", "dir", s.Checkpoint.Dir, "model_type", s.Checkpoint.Arch.Family,
		"layers", s.Checkpoint.Arch.Layers, "vocab", s.Checkpoint.Arch.Vocab)

	dev, err := backend.Select(opts.Backend, opts.Probe)
	if err != nil {
		if errors.Is(err, backend.ErrAcceleratorUnavailable) {
			return nil, &ResourceError{Device: backend.CUDA, Err: err}
		}
		return nil, err
	}
	log.Info("device selected", "device", dev, "available", backend.Available(opts.Probe))

	if err := s.place(dev, opts); err != nil {
		return nil, err
	}
	metrics.RecordLoad(time.Since(start))
	log.Info("model ready", "engine", s.Engine, "device", s.Device,
		"weights", backend.FormatBytes(s.weightBytes), "elapsed", time.Since(start))
	return s, nil
}

func load(dir string) (*Session, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &LoadError{Path: dir, Err: errors.New("model path is required")}
	}
	ck, err := checkpoint.Open(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}
	var tok *tokenizer.HFTokenizer
	if ck.TokenizerPath != "" {
		tok, err = tokenizer.LoadHF(ck.TokenizerPath, ck.TokenizerConfigPath)
	} else {
		tok, err = tokenizer.LoadGPT2(ck.VocabPath, ck.MergesPath, ck.TokenizerConfigPath)
	}
	if err != nil {
		return nil, &LoadError{Path: dir, Err: fmt.Errorf("tokenizer: %w", err)}
	}
	if tok.VocabSize() > ck.Arch.Vocab {
		return nil, &LoadError{Path: dir, Err: fmt.Errorf("tokenizer has %d tokens but the model vocabulary is %d",
			tok.VocabSize(), ck.Arch.Vocab)}
	}
	return &Session{
		Checkpoint: ck,
		Tokenizer:  tok,
		Defaults:   DefaultsFromGeneration(ck.Generation),
		StopTokens: BuildStopTokens(tok, ck, ck.Arch.Vocab),
	}, nil
}

func (s *Session) place(dev backend.Device, opts Options) error {
	ck := s.Checkpoint
	if dev == backend.CUDA && ck.ONNXPath == "" {
		if requested, _ := backend.Normalize(opts.Backend); requested == backend.CUDA {
			return &ResourceError{Device: dev, Err: fmt.Errorf("the accelerator runs %s, which %s lacks", checkpoint.ONNXFile, ck.Dir)}
		}
		s.log.Warn("no onnx export for the accelerator, falling back to cpu", "dir", ck.Dir)
		dev = backend.CPU
	}

	switch {
	case dev == backend.CUDA:
		return s.placeONNX(dev, opts)
	case ck.WeightsPath != "":
		return s.placeNative(opts)
	default:
		return s.placeONNX(dev, opts)
	}
}

func (s *Session) placeNative(opts Options) error {
	ck := s.Checkpoint
	set, err := safetensors.OpenSet(ck.WeightsPath)
	if err != nil {
		return &LoadError{Path: ck.Dir, Err: err}
	}
	defer set.Close()

	need := uint64(model.EstimateBytes(set))
	if err := s.checkMemory(need, opts.Memory); err != nil {
		return &ResourceError{Device: backend.CPU, Err: err}
	}
	m, err := model.Load(ck.Arch, set)
	if err != nil {
		return &LoadError{Path: ck.Dir, Err: err}
	}
	s.Model = m
	s.Device = backend.CPU
	s.Engine = EngineNative
	s.weightBytes = need
	return nil
}

func (s *Session) placeONNX(dev backend.Device, opts Options) error {
	ck := s.Checkpoint
	if ck.ONNXPath == "" {
		return &LoadError{Path: ck.Dir, Err: &checkpoint.MissingFileError{Dir: ck.Dir, File: checkpoint.ONNXFile}}
	}
	st, err := os.Stat(ck.ONNXPath)
	if err != nil {
		return &LoadError{Path: ck.Dir, Err: err}
	}
	need := uint64(st.Size())
	if dev == backend.CPU {
		if err := s.checkMemory(need, opts.Memory); err != nil {
			return &ResourceError{Device: dev, Err: err}
		}
	}

	e, err := onnx.Open(ck.ONNXPath, onnx.Options{
		Library:    backend.LibraryPath(opts.Library),
		Device:     dev,
		MaxContext: ck.Arch.Positions,
	})
	if err != nil {
		if dev == backend.CUDA || errors.Is(err, backend.ErrNoRuntime) {
			return &ResourceError{Device: dev, Err: err}
		}
		return &LoadError{Path: ck.Dir, Err: err}
	}
	s.Model = e
	s.Device = e.Device()
	s.Engine = EngineONNX
	s.weightBytes = need
	return nil
}

func (s *Session) checkMemory(need uint64, read func() (backend.Memory, error)) error {
	if read == nil {
		read = backend.HostMemory
	}
	mem, err := read()
	if err != nil {
		s.log.Debug("host memory unknown, skipping placement check", "err", err)
		return nil
	}
	return backend.CheckFits(need, mem)
}

// Encode tokenizes prompt. Every token attends, so the mask is all ones.
func (s *Session) Encode(prompt string) (Encoding, error) {
	if prompt == "" {
		return Encoding{}, errors.New("prompt is empty")
	}
	ids, err := safeEncode(s.Tokenizer, prompt)
	if err != nil {
		return Encoding{}, fmt.Errorf("encode prompt: %w", err)
	}
	if len(ids) == 0 {
		return Encoding{}, errors.New("prompt encodes to no tokens")
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Encoding{IDs: ids, AttentionMask: mask, Device: s.Device}, nil
}

// Decode renders ids with special tokens elided.
func (s *Session) Decode(ids []int) (string, error) {
	return s.Tokenizer.Decode(ids, true)
}

// Generate encodes req.Prompt, extends it to at most req.MaxLength tokens
// and decodes the whole sequence. stream, when set, receives the decoded
// continuation piece by piece. Failures are *GenerationError.
func (s *Session) Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	if s.Model == nil {
		return nil, &GenerationError{Err: model.ErrClosed}
	}
	enc, err := s.Encode(req.Prompt)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	metrics.RecordPrompt(len(enc.IDs))

	gen := &Generator{
		Model:      s.Model,
		Sampler:    logits.NewSampler(req.SamplerConfig()),
		StopTokens: s.StopTokens,
		Log:        s.log,
	}

	var onToken func([]int) error
	if stream != nil {
		emitted, err := s.Decode(enc.IDs)
		if err != nil {
			return nil, &GenerationError{Err: err}
		}
		onToken = func(ids []int) error {
			text, err := s.Decode(ids)
			if err != nil {
				return err
			}
			// Hold back partial UTF-8 sequences until they complete.
			if strings.HasSuffix(text, "\uFFFD") || !strings.HasPrefix(text, emitted) {
				return nil
			}
			delta := text[len(emitted):]
			if delta == "" {
				return nil
			}
			emitted = text
			return stream(delta)
		}
	}

	ids, stats, err := gen.Run(ctx, enc.IDs, req.MaxLength, onToken)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	text, err := s.Decode(ids)
	if err != nil {
		return nil, &GenerationError{Err: fmt.Errorf("decode: %w", err)}
	}
	metrics.RecordGeneration(stats.TokensGenerated, stats.Duration)
	s.log.Info("generation finished", "prompt_tokens", stats.PromptTokens, "tokens", stats.TokensGenerated,
		"stop", stats.StopReason, "duration", stats.Duration, "tps", fmt.Sprintf("%.2f", stats.TPS))

	return &Result{Request: req, Encoding: enc, IDs: ids, Text: text, Stats: stats}, nil
}

func (s *Session) Summary() Summary {
	a := s.Checkpoint.Arch
	return Summary{
		Dir:         s.Checkpoint.Dir,
		ModelType:   a.Family,
		Layers:      a.Layers,
		Hidden:      a.Hidden,
		Heads:       a.Heads,
		Vocab:       a.Vocab,
		Positions:   a.Positions,
		Engine:      s.Engine,
		Device:      s.Device,
		WeightBytes: s.weightBytes,
		Specials:    specials(s.Tokenizer),
	}
}

// Close releases the model. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.Model != nil {
			s.closeErr = s.Model.Close()
			s.Model = nil
		}
	})
	return s.closeErr
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}
