// Package checkpointtest writes tiny synthetic checkpoints for tests.
package checkpointtest

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/safetensors"
	"github.com/samcharles93/tinystory/internal/tokenizer/tokenizertest"
)

// Options shape a synthetic checkpoint. The zero value plus a Family gives a
// two layer model over the story tokenizer.
type Options struct {
	Family     string
	Hidden     int
	Layers     int
	Heads      int
	Positions  int
	Inner      int
	WindowSize int

	// Seed fills every weight with small pseudo-random values. With Seed 0
	// all weights are zero and Favor decides the output.
	Seed uint64
	// Favor is the token greedy decoding picks at every step when Seed is 0.
	// It is realised through the final LayerNorm bias so the logits are
	// independent of the context.
	Favor int

	// Prefix stores tensors under "transformer." as the LM head classes do.
	Prefix bool
	// LMHead writes an untied lm_head.weight.
	LMHead bool

	// SlowTokenizer writes vocab.json and merges.txt instead of
	// tokenizer.json.
	SlowTokenizer bool

	// Generation is written verbatim as generation_config.json when set.
	Generation string
}

// EOS is the end-of-text id of the story tokenizer.
func EOS() int { return tokenizertest.Size(tokenizertest.StoryMerges) - 1 }

// Vocab is the vocabulary size of the story tokenizer.
func Vocab() int { return tokenizertest.Size(tokenizertest.StoryMerges) }

func (o Options) withDefaults() Options {
	if o.Family == "" {
		o.Family = checkpoint.FamilyGPT2
	}
	if o.Hidden == 0 {
		o.Hidden = 8
	}
	if o.Layers == 0 {
		o.Layers = 2
	}
	if o.Heads == 0 {
		o.Heads = 2
	}
	if o.Positions == 0 {
		o.Positions = 64
	}
	if o.Inner == 0 {
		o.Inner = 4 * o.Hidden
	}
	if o.WindowSize == 0 {
		o.WindowSize = 4
	}
	return o
}

// Write creates a complete checkpoint directory and returns its path.
func Write(t testing.TB, opts Options) string {
	t.Helper()
	dir := t.TempDir()
	WriteTo(t, dir, opts)
	return dir
}

func WriteTo(t testing.TB, dir string, opts Options) {
	t.Helper()
	opts = opts.withDefaults()

	cfg, err := json.MarshalIndent(ConfigJSON(opts), "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.ConfigFile), cfg, 0o644))
	if opts.SlowTokenizer {
		require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.VocabFile), tokenizertest.VocabJSON(tokenizertest.StoryMerges), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.MergesFile), tokenizertest.MergesTXT(tokenizertest.StoryMerges), 0o644))
	} else {
		require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.TokenizerFile), tokenizertest.JSON(tokenizertest.StoryMerges), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.TokenizerConfigFile), tokenizertest.ConfigJSON(), 0o644))
	if opts.Generation != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.GenerationConfigFile), []byte(opts.Generation), 0o644))
	}
	require.NoError(t, safetensors.WriteF32(filepath.Join(dir, checkpoint.SafetensorsFile), Tensors(opts)))
}

// ConfigJSON returns the config.json document for opts.
func ConfigJSON(opts Options) map[string]any {
	opts = opts.withDefaults()
	eos := EOS()
	cfg := map[string]any{
		"model_type":          opts.Family,
		"vocab_size":          Vocab(),
		"activation_function": "gelu_new",
		"layer_norm_epsilon":  1e-5,
		"bos_token_id":        eos,
		"eos_token_id":        eos,
		"tie_word_embeddings": !opts.LMHead,
	}
	switch opts.Family {
	case checkpoint.FamilyGPTNeo:
		cfg["architectures"] = []string{"GPTNeoForCausalLM"}
		cfg["hidden_size"] = opts.Hidden
		cfg["num_layers"] = opts.Layers
		cfg["num_heads"] = opts.Heads
		cfg["max_position_embeddings"] = opts.Positions
		cfg["intermediate_size"] = opts.Inner
		cfg["window_size"] = opts.WindowSize
		kinds := []string{checkpoint.AttentionGlobal, checkpoint.AttentionLocal}
		cfg["attention_types"] = []any{[]any{kinds[:min(2, opts.Layers)], (opts.Layers + 1) / 2}}
		if opts.Layers%2 == 1 && opts.Layers > 1 {
			cfg["attention_types"] = []any{
				[]any{kinds, opts.Layers / 2},
				[]any{kinds[:1], 1},
			}
		}
	default:
		cfg["architectures"] = []string{"GPT2LMHeadModel"}
		cfg["n_embd"] = opts.Hidden
		cfg["n_layer"] = opts.Layers
		cfg["n_head"] = opts.Heads
		cfg["n_positions"] = opts.Positions
		cfg["n_inner"] = opts.Inner
	}
	return cfg
}

// Tensors builds the weights for opts, keyed by safetensors name.
func Tensors(opts Options) map[string]safetensors.F32Tensor {
	opts = opts.withDefaults()
	h, inner, vocab := opts.Hidden, opts.Inner, Vocab()

	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	}
	fill := func(shape ...int) safetensors.F32Tensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		if rng != nil {
			for i := range data {
				data[i] = (rng.Float32() - 0.5) * 0.4
			}
		}
		return safetensors.F32Tensor{Shape: shape, Data: data}
	}
	ones := func(n int) safetensors.F32Tensor {
		t := fill(n)
		if rng == nil {
			return t
		}
		for i := range t.Data {
			t.Data[i] += 1
		}
		return t
	}

	prefix := ""
	if opts.Prefix || opts.Family == checkpoint.FamilyGPTNeo {
		prefix = "transformer."
	}
	out := map[string]safetensors.F32Tensor{
		prefix + "wte.weight":  fill(vocab, h),
		prefix + "wpe.weight":  fill(opts.Positions, h),
		prefix + "ln_f.weight": ones(h),
		prefix + "ln_f.bias":   fill(h),
	}
	for i := range opts.Layers {
		p := fmt.Sprintf("%sh.%d.", prefix, i)
		out[p+"ln_1.weight"] = ones(h)
		out[p+"ln_1.bias"] = fill(h)
		out[p+"ln_2.weight"] = ones(h)
		out[p+"ln_2.bias"] = fill(h)
		if opts.Family == checkpoint.FamilyGPTNeo {
			out[p+"attn.attention.q_proj.weight"] = fill(h, h)
			out[p+"attn.attention.k_proj.weight"] = fill(h, h)
			out[p+"attn.attention.v_proj.weight"] = fill(h, h)
			out[p+"attn.attention.out_proj.weight"] = fill(h, h)
			out[p+"attn.attention.out_proj.bias"] = fill(h)
			out[p+"mlp.c_fc.weight"] = fill(inner, h)
			out[p+"mlp.c_proj.weight"] = fill(h, inner)
		} else {
			out[p+"attn.c_attn.weight"] = fill(h, 3*h)
			out[p+"attn.c_attn.bias"] = fill(3 * h)
			out[p+"attn.c_proj.weight"] = fill(h, h)
			out[p+"attn.c_proj.bias"] = fill(h)
			out[p+"mlp.c_fc.weight"] = fill(h, inner)
			out[p+"mlp.c_proj.weight"] = fill(inner, h)
		}
		out[p+"mlp.c_fc.bias"] = fill(inner)
		out[p+"mlp.c_proj.bias"] = fill(h)
	}
	if opts.LMHead {
		out["lm_head.weight"] = fill(vocab, h)
	}

	if rng == nil && opts.Favor >= 0 && opts.Favor < vocab {
		head := out[prefix+"wte.weight"]
		if opts.LMHead {
			head = out["lm_head.weight"]
		}
		head.Data[opts.Favor*h] = 1
		out[prefix+"ln_f.bias"].Data[0] = 1
	}
	return out
}
