package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/urfave/cli/v3"
)

func inspectCmd(s *settings, stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Load the model, select a device and print a summary without generating",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			opts := sessionOptions(cmd, s, log)

			session, err := inference.Open(ctx, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = session.Close() }()

			printSummary(stdout, session.Summary(), backend.Available(opts.Probe))
			printHostMemory(stdout, backend.HostMemory)
			return nil
		},
	}
}

func printSummary(w io.Writer, sum inference.Summary, available string) {
	_, _ = fmt.Fprintf(w, "Model:      %s\n", sum.Dir)
	_, _ = fmt.Fprintf(w, "Type:       %s\n", sum.ModelType)
	_, _ = fmt.Fprintf(w, "Layers:     %d\n", sum.Layers)
	_, _ = fmt.Fprintf(w, "Hidden:     %d\n", sum.Hidden)
	_, _ = fmt.Fprintf(w, "Heads:      %d\n", sum.Heads)
	_, _ = fmt.Fprintf(w, "Vocab:      %d\n", sum.Vocab)
	_, _ = fmt.Fprintf(w, "Context:    %d\n", sum.Positions)
	_, _ = fmt.Fprintf(w, "Engine:     %s\n", sum.Engine)
	_, _ = fmt.Fprintf(w, "Device:     %s (available: %s)\n", sum.Device, available)
	if sum.WeightBytes > 0 {
		_, _ = fmt.Fprintf(w, "Weights:    %s\n", backend.FormatBytes(sum.WeightBytes))
	}
	if len(sum.Specials) > 0 {
		parts := make([]string, 0, len(sum.Specials))
		for _, st := range sum.Specials {
			parts = append(parts, fmt.Sprintf("%s=%s(%d)", st.Role, st.Text, st.ID))
		}
		_, _ = fmt.Fprintf(w, "Specials:   %s\n", strings.Join(parts, " "))
	}
}

func printHostMemory(w io.Writer, read func() (backend.Memory, error)) {
	mem, err := read()
	if err != nil {
		_, _ = fmt.Fprintf(w, "Host mem:   unknown (%v)\n", err)
		return
	}
	_, _ = fmt.Fprintf(w, "Host mem:   %s available of %s\n",
		backend.FormatBytes(mem.Available), backend.FormatBytes(mem.Total))
}
