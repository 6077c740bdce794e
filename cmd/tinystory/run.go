package main

import (
	"context"
	"fmt"
	"io"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/urfave/cli/v3"
)

func runCmd(s *settings, stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Generate one story and print it",
		Action: storyAction(s, stdout),
	}
}

func storyAction(s *settings, stdout io.Writer) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		log := logger.FromContext(ctx)
		opts := sessionOptions(c, s, log)
		log.Debug("story requested", "model", opts.ModelDir, "backend", opts.Backend)

		if _, err := inference.Story(ctx, opts, requestOptions(c, s), stdout); err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		return nil
	}
}

func sessionOptions(c *cli.Command, s *settings, log logger.Logger) inference.Options {
	lib := resolveLibrary(c, s)
	return inference.Options{
		ModelDir: resolveModelDir(c, s),
		Backend:  resolveBackend(c, s),
		Library:  lib,
		Probe:    backend.NewORTProbe(lib),
		Logger:   log,
	}
}
