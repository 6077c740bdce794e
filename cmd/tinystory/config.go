package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envModelDir = "TINYSTORY_MODEL_DIR"

// Config represents the tinystory configuration file
// (~/.config/tinystory/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	ModelDir    string `yaml:"model_dir"`
	Backend     string `yaml:"backend"`
	ONNXLibrary string `yaml:"onnx_library"`

	// Generation defaults
	Prompt            *string  `yaml:"prompt"`
	MaxLength         *int64   `yaml:"max_length"`
	Seed              *int64   `yaml:"seed"`
	DoSample          *bool    `yaml:"do_sample"`
	Temperature       *float64 `yaml:"temperature"`
	TopK              *int64   `yaml:"top_k"`
	TopP              *float64 `yaml:"top_p"`
	MinP              *float64 `yaml:"min_p"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
	RepetitionWindow  *int64   `yaml:"repetition_window"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tinystory", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing file yields a zero Config and no error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLogConfig fills logging settings from cfg when the flags were not
// given.
func applyLogConfig(c *cli.Command, cfg Config, s *settings) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		s.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		s.logFormat = cfg.LogFormat
	}
}

// resolveModelDir picks the model directory: flag, then environment, then
// config, then the current directory.
func resolveModelDir(c *cli.Command, s *settings) string {
	if c.IsSet("model") {
		return strings.TrimSpace(s.modelDir)
	}
	if env := strings.TrimSpace(os.Getenv(envModelDir)); env != "" {
		return env
	}
	if s.cfg.ModelDir != "" {
		return s.cfg.ModelDir
	}
	return inference.DefaultModelDir
}

func resolveBackend(c *cli.Command, s *settings) string {
	if s.cfg.Backend != "" && !c.IsSet("backend") {
		return s.cfg.Backend
	}
	return s.backend
}

// resolveLibrary picks the onnxruntime library: flag, then environment, then
// config. Empty means no runtime is configured.
func resolveLibrary(c *cli.Command, s *settings) string {
	if c.IsSet("onnx-library") {
		return s.onnxLibrary
	}
	if lib := backend.LibraryPath(""); lib != "" {
		return lib
	}
	return s.cfg.ONNXLibrary
}

// requestOptions layers explicit flags over the config file. Anything left
// nil falls through to generation_config.json and then the library
// defaults.
func requestOptions(c *cli.Command, s *settings) inference.RequestOptions {
	cfg := s.cfg
	var ro inference.RequestOptions

	switch {
	case c.IsSet("prompt"):
		ro.Prompt = &s.prompt
	case cfg.Prompt != nil:
		ro.Prompt = cfg.Prompt
	}
	switch {
	case c.IsSet("max-length"):
		ro.MaxLength = intPtr(s.maxLength)
	case cfg.MaxLength != nil:
		ro.MaxLength = intPtr(*cfg.MaxLength)
	}
	switch {
	case c.IsSet("seed"):
		ro.Seed = &s.seed
	case cfg.Seed != nil:
		ro.Seed = cfg.Seed
	}
	switch {
	case c.IsSet("do-sample"):
		ro.DoSample = &s.doSample
	case cfg.DoSample != nil:
		ro.DoSample = cfg.DoSample
	}
	switch {
	case c.IsSet("temperature"):
		ro.Temperature = &s.temperature
	case cfg.Temperature != nil:
		ro.Temperature = cfg.Temperature
	}
	switch {
	case c.IsSet("top-k"):
		ro.TopK = intPtr(s.topK)
	case cfg.TopK != nil:
		ro.TopK = intPtr(*cfg.TopK)
	}
	switch {
	case c.IsSet("top-p"):
		ro.TopP = &s.topP
	case cfg.TopP != nil:
		ro.TopP = cfg.TopP
	}
	switch {
	case c.IsSet("min-p"):
		ro.MinP = &s.minP
	case cfg.MinP != nil:
		ro.MinP = cfg.MinP
	}
	switch {
	case c.IsSet("repetition-penalty"):
		ro.RepetitionPenalty = &s.repetitionPenalty
	case cfg.RepetitionPenalty != nil:
		ro.RepetitionPenalty = cfg.RepetitionPenalty
	}
	switch {
	case c.IsSet("repetition-window"):
		ro.RepetitionWindow = intPtr(s.repetitionWindow)
	case cfg.RepetitionWindow != nil:
		ro.RepetitionWindow = intPtr(*cfg.RepetitionWindow)
	}
	return ro
}

func intPtr(v int64) *int {
	n := int(v)
	return &n
}
