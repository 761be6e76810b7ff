package transfer

import (
	"context"

	"github.com/italolelis/llama_manager/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
	backend   string
}

// NewInstrumentedFetcher creates a new instrumented fetcher. backend names
// the wrapped implementation in metrics.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, backend string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
		backend:   backend,
	}
}

// Fetch fetches a file with telemetry. Only bytes received in this call are
// counted, not the ones a resumed partial file already held.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	var result *Result

	last, err := partSize(PartPath(req.DestPath))
	if err != nil {
		last = 0
	}

	instrumentedErr := f.telemetry.InstrumentTransfer(ctx, f.backend, func(ctx context.Context) error {
		var err error

		result, err = f.fetcher.Fetch(ctx, req, func(p Progress) {
			if p.Downloaded > last {
				f.telemetry.RecordBytesDownloaded(ctx, f.backend, p.Downloaded-last)
			}

			last = p.Downloaded

			if onProgress != nil {
				onProgress(p)
			}
		})

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

var _ Fetcher = (*InstrumentedFetcher)(nil)
