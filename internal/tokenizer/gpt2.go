package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

const endOfText = "<|endoftext|>"

// LoadGPT2 builds a tokenizer from the vocab.json and merges.txt pair that
// GPT-2 family checkpoints ship when they carry no tokenizer.json.
// tokConfig is optional, as for LoadHF.
func LoadGPT2(vocabPath, mergesPath, tokConfig string) (*HFTokenizer, error) {
	vocab, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, err
	}
	merges, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		raw, err := os.ReadFile(tokConfig)
		switch {
		case err == nil:
			cfg = raw
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	return LoadGPT2Bytes(vocab, merges, cfg)
}

// LoadGPT2Bytes is LoadGPT2 over in-memory files. The special tokens named
// by tokenizer_config.json, plus <|endoftext|>, are treated as special when
// they are in the vocabulary.
func LoadGPT2Bytes(vocab, merges, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	tj.Model.Type = "BPE"
	if err := json.Unmarshal(vocab, &tj.Model.Vocab); err != nil {
		return nil, fmt.Errorf("parse vocab.json: %w", err)
	}

	lines := strings.Split(string(merges), "\n")
	tj.Model.Merges = make([]any, 0, len(lines))
	for _, line := range lines {
		tj.Model.Merges = append(tj.Model.Merges, strings.TrimRight(line, "\r"))
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}
	tj.Model.UnkToken = tokenContent(cfg.UNK)

	seen := make(map[string]struct{})
	for _, content := range []string{
		tokenContent(cfg.BOS), tokenContent(cfg.EOS), tokenContent(cfg.PAD), tj.Model.UnkToken, endOfText,
	} {
		if content == "" {
			continue
		}
		if _, dup := seen[content]; dup {
			continue
		}
		seen[content] = struct{}{}
		if id, ok := tj.Model.Vocab[content]; ok {
			tj.AddedTokens = append(tj.AddedTokens, addedTokenJSON{ID: id, Content: content, Special: true})
		}
	}
	return build(tj, tokConfig)
}
