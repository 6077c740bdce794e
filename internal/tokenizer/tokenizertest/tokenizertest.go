// Package tokenizertest builds small byte-level BPE tokenizer files for
// tests.
package tokenizertest

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/samcharles93/tinystory/internal/tokenizer"
)

// EndOfText is the special token appended after the merged vocabulary.
const EndOfText = "<|endoftext|>"

// StoryMerges merge the words of the default prompt into single tokens:
// "how", " you", " are". Spaces are written in their byte-level form.
var StoryMerges = []string{
	"h o", "ho w",
	"Ġ y", "Ġy o", "Ġyo u",
	"Ġ a", "Ġa r", "Ġar e",
}

// JSON returns a tokenizer.json whose vocabulary holds the 256 byte symbols
// (ids 0..255), one token per merge result (ids from 256 in merge order) and
// finally EndOfText as a special added token.
func JSON(merges []string) []byte {
	vocab, eos := buildVocab(merges)
	delete(vocab, EndOfText)

	doc := map[string]any{
		"version": "1.0",
		"added_tokens": []map[string]any{
			{"id": eos, "content": EndOfText, "special": true},
		},
		"pre_tokenizer": map[string]any{
			"type": "ByteLevel", "add_prefix_space": false, "trim_offsets": true, "use_regex": true,
		},
		"post_processor": map[string]any{"type": "ByteLevel", "trim_offsets": false},
		"decoder":        map[string]any{"type": "ByteLevel"},
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": merges,
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// VocabJSON returns the vocab.json matching JSON(merges). EndOfText sits in
// the vocabulary itself, as in GPT-2 checkpoints without a tokenizer.json.
func VocabJSON(merges []string) []byte {
	vocab, _ := buildVocab(merges)
	out, err := json.Marshal(vocab)
	if err != nil {
		panic(err)
	}
	return out
}

// MergesTXT returns the merges.txt matching JSON(merges).
func MergesTXT(merges []string) []byte {
	var b strings.Builder
	b.WriteString("#version: 0.2\n")
	for _, m := range merges {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func buildVocab(merges []string) (map[string]int, int) {
	vocab := make(map[string]int, 256+len(merges)+1)
	for id, sym := range tokenizer.ByteAlphabet() {
		vocab[sym] = id
	}
	next := 256
	for _, m := range merges {
		merged := strings.ReplaceAll(m, " ", "")
		if _, ok := vocab[merged]; !ok {
			vocab[merged] = next
			next++
		}
	}
	vocab[EndOfText] = next
	return vocab, next
}

// Size returns the vocabulary size of JSON(merges), EndOfText included.
func Size(merges []string) int {
	seen := make(map[string]struct{}, len(merges))
	for _, m := range merges {
		seen[strings.ReplaceAll(m, " ", "")] = struct{}{}
	}
	return 256 + len(seen) + 1
}

// ConfigJSON returns a tokenizer_config.json naming EndOfText as BOS, EOS and
// PAD, the way GPT-2 family checkpoints do.
func ConfigJSON() []byte {
	return []byte(`{
  "add_prefix_space": false,
  "bos_token": "<|endoftext|>",
  "eos_token": "<|endoftext|>",
  "pad_token": null,
  "unk_token": "<|endoftext|>",
  "clean_up_tokenization_spaces": true,
  "model_max_length": 2048,
  "tokenizer_class": "GPT2Tokenizer"
}`)
}
