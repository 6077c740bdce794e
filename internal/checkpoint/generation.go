package checkpoint

import (
	"fmt"

	"github.com/goccy/go-json"
)

// GenerationConfig mirrors generation_config.json. Unset fields stay nil so
// callers can tell library defaults from explicit values.
type GenerationConfig struct {
	MaxLength         *int     `json:"max_length"`
	MaxNewTokens      *int     `json:"max_new_tokens"`
	DoSample          bool     `json:"do_sample"`
	Temperature       *float64 `json:"temperature"`
	TopK              *int     `json:"top_k"`
	TopP              *float64 `json:"top_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
	MinP              *float64 `json:"min_p"`
	BOSTokenID        *int     `json:"bos_token_id"`
	EOSTokenID        TokenIDs `json:"eos_token_id"`
	PadTokenID        *int     `json:"pad_token_id"`
}

func ParseGenerationConfig(data []byte) (GenerationConfig, error) {
	var gc GenerationConfig
	if err := json.Unmarshal(data, &gc); err != nil {
		return GenerationConfig{}, fmt.Errorf("parse generation_config.json: %w", err)
	}
	return gc, nil
}
