package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// newApp builds the command tree. Reports go to stdout, everything else to
// stderr.
func newApp(stdout, stderr io.Writer) *cli.Command {
	s := &settings{}
	flags := append(loggingFlags(s), commonModelFlags(s)...)
	flags = append(flags, generationFlags(s)...)

	return &cli.Command{
		Name:      "tinystory",
		Usage:     "Generate a short story from a local causal language model",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     flags,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return setup(ctx, cmd, s, stderr)
		},
		Action: storyAction(s, stdout),
		Commands: []*cli.Command{
			runCmd(s, stdout),
			serveCmd(s),
			inspectCmd(s, stdout),
			versionCmd(stdout),
		},
	}
}

// setup loads the config file and installs the logger on ctx.
func setup(ctx context.Context, cmd *cli.Command, s *settings, stderr io.Writer) (context.Context, error) {
	cfg, cfgErr := LoadConfig(s.configFile)
	s.cfg = cfg
	applyLogConfig(cmd, cfg, s)

	level := s.logLevel
	if s.debug {
		level = "debug"
	}
	log, err := logger.New(stderr, s.logFormat, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if cfgErr != nil {
		log.Warn("ignoring config file", "err", cfgErr)
	}
	return logger.WithContext(ctx, log), nil
}
