package checkpoint

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	FamilyGPT2   = "gpt2"
	FamilyGPTNeo = "gpt_neo"
)

const (
	AttentionGlobal = "global"
	AttentionLocal  = "local"
)

// Config mirrors the subset of config.json the supported families use.
// GPT-2 and GPT-Neo name the same hyperparameters differently.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	VocabSize     int      `json:"vocab_size"`

	// GPT-2 names.
	NEmbd      int  `json:"n_embd"`
	NLayer     int  `json:"n_layer"`
	NHead      int  `json:"n_head"`
	NPositions int  `json:"n_positions"`
	NInner     *int `json:"n_inner"`

	// GPT-Neo names.
	HiddenSize            int   `json:"hidden_size"`
	NumLayers             int   `json:"num_layers"`
	NumHeads              int   `json:"num_heads"`
	MaxPositionEmbeddings int   `json:"max_position_embeddings"`
	IntermediateSize      *int  `json:"intermediate_size"`
	WindowSize            int   `json:"window_size"`
	AttentionTypes        []any `json:"attention_types"`

	ActivationFunction string   `json:"activation_function"`
	LayerNormEpsilon   *float64 `json:"layer_norm_epsilon"`
	ScaleAttnWeights   *bool    `json:"scale_attn_weights"`
	TieWordEmbeddings  *bool    `json:"tie_word_embeddings"`
	BOSTokenID         *int     `json:"bos_token_id"`
	EOSTokenID         TokenIDs `json:"eos_token_id"`
}

// Arch is the family-independent shape of a decoder-only transformer.
type Arch struct {
	Family     string
	Vocab      int
	Hidden     int
	Layers     int
	Heads      int
	Positions  int
	Inner      int
	Eps        float32
	Activation string
	// ScaleAttention divides attention scores by sqrt(head dim). GPT-Neo
	// does not.
	ScaleAttention bool
	// LayerAttention holds AttentionGlobal or AttentionLocal per layer.
	LayerAttention []string
	WindowSize     int
	TiedEmbeddings bool
}

func (a Arch) HeadDim() int { return a.Hidden / a.Heads }

func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config.json: %w", err)
	}
	return cfg, nil
}

// Arch resolves the hyperparameters and validates them.
func (c Config) Arch() (Arch, error) {
	a := Arch{
		Family:         c.ModelType,
		Vocab:          c.VocabSize,
		Activation:     c.ActivationFunction,
		Eps:            1e-5,
		TiedEmbeddings: c.TieWordEmbeddings == nil || *c.TieWordEmbeddings,
	}
	if c.LayerNormEpsilon != nil {
		a.Eps = float32(*c.LayerNormEpsilon)
	}
	if a.Activation == "" {
		a.Activation = "gelu_new"
	}

	switch c.ModelType {
	case FamilyGPT2:
		a.Hidden, a.Layers, a.Heads, a.Positions = c.NEmbd, c.NLayer, c.NHead, c.NPositions
		a.Inner = 4 * a.Hidden
		if c.NInner != nil {
			a.Inner = *c.NInner
		}
		a.ScaleAttention = c.ScaleAttnWeights == nil || *c.ScaleAttnWeights
		a.LayerAttention = make([]string, a.Layers)
		for i := range a.LayerAttention {
			a.LayerAttention[i] = AttentionGlobal
		}
	case FamilyGPTNeo:
		a.Hidden, a.Layers, a.Heads, a.Positions = c.HiddenSize, c.NumLayers, c.NumHeads, c.MaxPositionEmbeddings
		a.Inner = 4 * a.Hidden
		if c.IntermediateSize != nil {
			a.Inner = *c.IntermediateSize
		}
		a.WindowSize = c.WindowSize
		layers, err := expandAttentionTypes(c.AttentionTypes)
		if err != nil {
			return Arch{}, err
		}
		if len(layers) != a.Layers {
			return Arch{}, fmt.Errorf("attention_types describe %d layers, num_layers is %d", len(layers), a.Layers)
		}
		a.LayerAttention = layers
	case "":
		return Arch{}, fmt.Errorf("config.json: model_type missing")
	default:
		return Arch{}, fmt.Errorf("unsupported model_type %q (supported: %s, %s)", c.ModelType, FamilyGPT2, FamilyGPTNeo)
	}

	switch {
	case a.Vocab <= 0:
		return Arch{}, fmt.Errorf("invalid vocab_size %d", a.Vocab)
	case a.Hidden <= 0 || a.Layers <= 0 || a.Heads <= 0 || a.Positions <= 0 || a.Inner <= 0:
		return Arch{}, fmt.Errorf("invalid dimensions: hidden=%d layers=%d heads=%d positions=%d inner=%d",
			a.Hidden, a.Layers, a.Heads, a.Positions, a.Inner)
	case a.Hidden%a.Heads != 0:
		return Arch{}, fmt.Errorf("hidden size %d not divisible by %d heads", a.Hidden, a.Heads)
	}
	for _, kind := range a.LayerAttention {
		if kind == AttentionLocal && a.WindowSize <= 0 {
			return Arch{}, fmt.Errorf("local attention requires a positive window_size")
		}
	}
	return a, nil
}

// expandAttentionTypes turns [[["global","local"], 2]] into
// [global local global local].
func expandAttentionTypes(raw []any) ([]string, error) {
	var out []string
	for i, entry := range raw {
		pair, ok := entry.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("attention_types[%d]: want [kinds, repeat]", i)
		}
		kinds, ok := pair[0].([]any)
		if !ok || len(kinds) == 0 {
			return nil, fmt.Errorf("attention_types[%d]: kinds must be a list", i)
		}
		repeat, ok := pair[1].(float64)
		if !ok || repeat < 1 || repeat != float64(int(repeat)) {
			return nil, fmt.Errorf("attention_types[%d]: invalid repeat %v", i, pair[1])
		}
		for range int(repeat) {
			for _, k := range kinds {
				s, _ := k.(string)
				s = strings.ToLower(s)
				if s != AttentionGlobal && s != AttentionLocal {
					return nil, fmt.Errorf("attention_types[%d]: unknown kind %v", i, k)
				}
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("attention_types missing")
	}
	return out, nil
}

// TokenIDs accepts a single id or a list of ids.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(data []byte) error {
	var one *int
	if err := json.Unmarshal(data, &one); err == nil {
		if one == nil {
			*t = nil
		} else {
			*t = TokenIDs{*one}
		}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("token id must be an int or a list of ints: %w", err)
	}
	*t = many
	return nil
}
