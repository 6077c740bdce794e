// Package checkpoint resolves a Hugging Face style model directory.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samcharles93/tinystory/internal/safetensors"
)

const (
	ConfigFile           = "config.json"
	GenerationConfigFile = "generation_config.json"
	TokenizerFile        = "tokenizer.json"
	TokenizerConfigFile  = "tokenizer_config.json"
	VocabFile            = "vocab.json"
	MergesFile           = "merges.txt"
	SafetensorsFile      = "model.safetensors"
	ONNXFile             = "model.onnx"
)

// MissingFileError reports a required artifact that is absent.
type MissingFileError struct {
	Dir  string
	File string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("%s: required file %s not found", e.Dir, e.File)
}

// Checkpoint is a validated model directory. Paths are absolute; optional
// artifacts that are absent have an empty path.
type Checkpoint struct {
	Dir        string
	Config     Config
	Arch       Arch
	Generation GenerationConfig

	// TokenizerPath is tokenizer.json. When it is absent the GPT-2 pair
	// VocabPath and MergesPath is set instead.
	TokenizerPath       string
	VocabPath           string
	MergesPath          string
	TokenizerConfigPath string
	// WeightsPath is model.safetensors or the sharded index.
	WeightsPath string
	ONNXPath    string
}

func Open(dir string) (*Checkpoint, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	ck := &Checkpoint{Dir: abs}

	raw, err := os.ReadFile(filepath.Join(abs, ConfigFile))
	if err != nil {
		return nil, missing(abs, ConfigFile, err)
	}
	if ck.Config, err = ParseConfig(raw); err != nil {
		return nil, err
	}
	if ck.Arch, err = ck.Config.Arch(); err != nil {
		return nil, err
	}

	if raw, err := os.ReadFile(filepath.Join(abs, GenerationConfigFile)); err == nil {
		if ck.Generation, err = ParseGenerationConfig(raw); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if ck.TokenizerPath = existing(abs, TokenizerFile); ck.TokenizerPath == "" {
		ck.VocabPath = existing(abs, VocabFile)
		ck.MergesPath = existing(abs, MergesFile)
		if ck.VocabPath == "" || ck.MergesPath == "" {
			return nil, &MissingFileError{Dir: abs, File: TokenizerFile}
		}
	}
	ck.TokenizerConfigPath = existing(abs, TokenizerConfigFile)

	ck.WeightsPath = existing(abs, SafetensorsFile)
	if ck.WeightsPath == "" {
		ck.WeightsPath = existing(abs, safetensors.IndexFile)
	}
	ck.ONNXPath = existing(abs, ONNXFile)
	if ck.WeightsPath == "" && ck.ONNXPath == "" {
		return nil, &MissingFileError{Dir: abs, File: SafetensorsFile + " or " + ONNXFile}
	}
	return ck, nil
}

// EOSTokenIDs merges the end-of-sequence ids named by the generation config
// and the model config. The generation config wins when both are set.
func (c *Checkpoint) EOSTokenIDs() []int {
	if len(c.Generation.EOSTokenID) > 0 {
		return c.Generation.EOSTokenID
	}
	return c.Config.EOSTokenID
}

func existing(dir, name string) string {
	p := filepath.Join(dir, name)
	if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
		return p
	}
	return ""
}

func missing(dir, name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &MissingFileError{Dir: dir, File: name}
	}
	return err
}
