package inference

import (
	"context"
	"fmt"
	"io"

	"github.com/samcharles93/tinystory/internal/metrics"
)

// Story runs the pipeline once: load, select a device, place the model,
// encode, generate, decode and report to w. Nothing is written to w unless
// every step succeeds.
func Story(ctx context.Context, opts Options, ro RequestOptions, w io.Writer) (res *Result, err error) {
	defer func() { metrics.RecordRun(Outcome(err)) }()

	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			s.log.Warn("close session", "err", cerr)
		}
	}()

	res, err = s.Generate(ctx, ResolveRequest(ro, s.Defaults), nil)
	if err != nil {
		return nil, err
	}
	if err := Report(w, res.Text); err != nil {
		return nil, err
	}
	return res, nil
}

// Report writes the single result line.
func Report(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, "Generated Story: %s\n", text)
	return err
}
