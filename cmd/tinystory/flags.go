package main

import (
	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/urfave/cli/v3"
)

// settings holds flag destinations for one invocation.
type settings struct {
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	modelDir    string
	backend     string
	onnxLibrary string

	prompt            string
	maxLength         int64
	seed              int64
	doSample          bool
	temperature       float64
	topK              int64
	topP              float64
	minP              float64
	repetitionPenalty float64
	repetitionWindow  int64

	cfg Config
}

func loggingFlags(s *settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &s.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &s.logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &s.debug,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Destination: &s.configFile,
		},
	}
}

func commonModelFlags(s *settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "directory holding config.json, weights and tokenizer.json",
			Value:       inference.DefaultModelDir,
			Destination: &s.modelDir,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, cuda)",
			Value:       "auto",
			Destination: &s.backend,
		},
		&cli.StringFlag{
			Name:        "onnx-library",
			Usage:       "path to the onnxruntime shared library",
			Destination: &s.onnxLibrary,
		},
	}
}

func generationFlags(s *settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Value:       inference.DefaultPrompt,
			Destination: &s.prompt,
		},
		&cli.Int64Flag{
			Name:        "max-length",
			Aliases:     []string{"n"},
			Usage:       "total sequence length including the prompt",
			Value:       inference.DefaultMaxLength,
			Destination: &s.maxLength,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed (-1 = time based)",
			Value:       -1,
			Destination: &s.seed,
		},
		&cli.BoolFlag{
			Name:        "do-sample",
			Usage:       "sample instead of greedy decoding",
			Destination: &s.doSample,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature",
			Destination: &s.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (0 = disabled)",
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling",
			Destination: &s.topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "drop tokens below this fraction of the top probability (0 = disabled)",
			Destination: &s.minP,
		},
		&cli.Float64Flag{
			Name:        "repetition-penalty",
			Aliases:     []string{"repeat-penalty"},
			Usage:       "repetition penalty (1 = disabled)",
			Destination: &s.repetitionPenalty,
		},
		&cli.Int64Flag{
			Name:        "repetition-window",
			Aliases:     []string{"repeat-last-n"},
			Usage:       "penalise only the last N tokens (0 = whole sequence)",
			Destination: &s.repetitionWindow,
		},
	}
}
