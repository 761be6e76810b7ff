// Package downloader runs variant downloads: the member files of one
// variant are fetched one after another under a single registry key while
// progress is streamed to an event sink.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/registry"
	"github.com/italolelis/llama_manager/internal/storage"
	"github.com/italolelis/llama_manager/internal/telemetry"
	"github.com/italolelis/llama_manager/internal/transfer"
)

// Namespace is the registry namespace of variant downloads.
const Namespace = "download"

const outcomeBuffer = 16

var (
	// ErrInvalidRequest is returned before any work starts for a malformed request.
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrCancelled is the cause used when the observer went away.
	ErrCancelled = errors.New("download cancelled")
)

// URLResolver maps a file of a model repository to its download URL.
type URLResolver interface {
	ResolveURL(modelID, file string) string
}

// VariantRequest asks for all member files of one variant.
type VariantRequest struct {
	ModelID string
	Label   string // Defaults to the first file
	Files   []string
	Token   string // Optional bearer token for gated repositories
}

// Outcome describes a finished variant download.
type Outcome struct {
	ModelID  string
	Label    string
	Files    []string
	Bytes    int64
	Duration time.Duration
	Err      error
	Kind     string
}

type Downloader struct {
	modelsDir string
	fetcher   transfer.Fetcher
	resolver  URLResolver
	registry  *registry.Registry
	history   storage.DownloadWriteRepository
	telemetry *telemetry.Telemetry

	mu       sync.Mutex
	inFlight map[string]struct{}

	OnVariantFinished chan *Outcome
	OnVariantFailed   chan *Outcome
}

// NewDownloader wires a downloader. history may be nil.
func NewDownloader(
	modelsDir string,
	fetcher transfer.Fetcher,
	resolver URLResolver,
	reg *registry.Registry,
	history storage.DownloadWriteRepository,
	tel *telemetry.Telemetry,
) *Downloader {
	return &Downloader{
		modelsDir:         modelsDir,
		fetcher:           fetcher,
		resolver:          resolver,
		registry:          reg,
		history:           history,
		telemetry:         tel,
		inFlight:          make(map[string]struct{}),
		OnVariantFinished: make(chan *Outcome, outcomeBuffer),
		OnVariantFailed:   make(chan *Outcome, outcomeBuffer),
	}
}

// Close closes the outcome channels. No Download may run afterwards.
func (d *Downloader) Close() {
	close(d.OnVariantFinished)
	close(d.OnVariantFailed)
}

// ModelsDir returns the directory downloads are written to.
func (d *Downloader) ModelsDir() string {
	return d.modelsDir
}

// Download fetches every member file of the variant in order and blocks
// until the variant completed, failed or was cancelled.
//
// Events sent to sink: start, then for each member file-start followed by
// progress per received chunk, and finally done or a single error. A request
// for a key already in progress gets one error event with kind
// already_in_progress and returns registry.ErrAlreadyInProgress without
// touching the running download. A false return from sink.Send cancels the
// download.
func (d *Downloader) Download(ctx context.Context, req VariantRequest, sink event.Sink) error {
	if req.Label == "" && len(req.Files) > 0 {
		req.Label = req.Files[0]
	}

	logger := logctx.LoggerFromContext(ctx).With("model_id", req.ModelID, "label", req.Label)
	ctx = logctx.WithLogger(ctx, logger)

	if err := validate(req); err != nil {
		sink.Send(event.Error{Message: err.Error(), Kind: event.KindInvalidRequest})

		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	key := registry.Key{Namespace: Namespace, ID: req.ModelID, Label: req.Label}

	lease, err := d.registry.Claim(key, len(req.Files), cancel)
	if err != nil {
		logger.Warn("download already in progress")

		d.telemetry.RecordRegistryRejection(ctx, Namespace)
		sink.Send(event.Error{
			Message: fmt.Sprintf("Download already in progress for %s", req.Label),
			Kind:    event.KindAlreadyInProgress,
		})

		return err
	}
	defer lease.Release()

	// Variants of different labels may share files; a .part has one writer.
	dests := d.destinations(req.Files)
	if i, ok := d.reserve(dests); !ok {
		busy := req.Files[i]
		logger.Warn("file already being downloaded", "file_path", busy)

		d.telemetry.RecordRegistryRejection(ctx, Namespace)
		sink.Send(event.Error{
			Message: fmt.Sprintf("Download already in progress for %s", busy),
			Kind:    event.KindAlreadyInProgress,
		})

		return fmt.Errorf("%s: %w", busy, registry.ErrAlreadyInProgress)
	}
	defer d.unreserve(dests)

	started := time.Now()

	logger.Info("downloading variant", "files", len(req.Files))

	sink.Send(event.Start{
		ModelID:    req.ModelID,
		Label:      req.Label,
		Files:      req.Files,
		TotalFiles: len(req.Files),
		Dir:        d.modelsDir,
	})

	var (
		received int64
		failed   string
	)

	err = d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		for i, file := range req.Files {
			if !sink.Send(event.FileStart{Filename: file, FileIndex: i, TotalFiles: len(req.Files)}) {
				cancel(ErrCancelled)
			}

			res, err := d.fetchMember(ctx, req, i, file, lease, sink, cancel)
			if err != nil {
				failed = file

				return err
			}

			received += res.Bytes
		}

		return nil
	})

	outcome := &Outcome{
		ModelID:  req.ModelID,
		Label:    req.Label,
		Files:    req.Files,
		Bytes:    received,
		Duration: time.Since(started),
	}

	if err != nil {
		outcome.Err = err
		outcome.Kind = Kind(err)

		if ctx.Err() != nil && !errors.Is(err, transfer.ErrStalled) {
			outcome.Kind = event.KindCancelled
		}

		if outcome.Kind == event.KindCancelled {
			logger.Info("download cancelled", "file_path", failed)

			sink.Send(event.Error{Message: "Download cancelled", Kind: event.KindCancelled, Filename: failed})
		} else {
			logger.Error("failed to download variant", "file_path", failed, "err", err)

			sink.Send(event.Error{Message: err.Error(), Kind: outcome.Kind, Filename: failed})
		}

		d.finish(ctx, outcome)

		return err
	}

	logger.Info("variant downloaded", "size", humanize.Bytes(uint64(received)), "duration", outcome.Duration)

	sink.Send(event.Done{ModelID: req.ModelID, Label: req.Label, Files: req.Files, Dir: d.modelsDir})

	d.finish(ctx, outcome)

	return nil
}

func (d *Downloader) fetchMember(
	ctx context.Context,
	req VariantRequest,
	index int,
	file string,
	lease *registry.Lease,
	sink event.Sink,
	cancel context.CancelCauseFunc,
) (*transfer.Result, error) {
	fetchReq := transfer.Request{
		URL:      d.resolver.ResolveURL(req.ModelID, file),
		DestPath: d.destination(file),
		Header:   http.Header{},
	}

	if req.Token != "" {
		fetchReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	return d.fetcher.Fetch(ctx, fetchReq, func(p transfer.Progress) {
		lease.Report(index, p.Downloaded, p.Total)

		sent := sink.Send(event.Progress{
			Downloaded: p.Downloaded,
			Total:      p.Total,
			Percent:    p.Percent,
			Filename:   file,
			FileIndex:  index,
			TotalFiles: len(req.Files),
		})
		if !sent {
			cancel(ErrCancelled)
		}
	})
}

// finish records the outcome and publishes it without blocking.
func (d *Downloader) finish(ctx context.Context, o *Outcome) {
	logger := logctx.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if d.history != nil {
		rec := &storage.DownloadRecord{
			ModelID:    o.ModelID,
			Label:      o.Label,
			Files:      o.Files,
			Dir:        d.modelsDir,
			Status:     storage.StatusCompleted,
			Bytes:      o.Bytes,
			StartedAt:  time.Now().Add(-o.Duration),
			FinishedAt: time.Now(),
		}

		if o.Err != nil {
			rec.Status = storage.StatusFailed
			rec.Error = o.Err.Error()
			rec.ErrorKind = o.Kind

			if o.Kind == event.KindCancelled {
				rec.Status = storage.StatusCancelled
			}
		}

		if err := d.history.Record(ctx, rec); err != nil {
			logger.Error("failed to record download history", "err", err)

			d.telemetry.RecordSystemError(ctx, "downloader", "history")
		}
	}

	ch := d.OnVariantFinished
	if o.Err != nil {
		ch = d.OnVariantFailed
	}

	select {
	case ch <- o:
	default:
		logger.Warn("dropping download outcome, nobody is listening")
	}
}

// Cancel cancels the download of a variant. It returns registry.ErrNotFound
// when no such download is running.
func (d *Downloader) Cancel(modelID, label string) error {
	return d.registry.Cancel(registry.Key{Namespace: Namespace, ID: modelID, Label: label})
}

// ListActive returns the running downloads, oldest first.
func (d *Downloader) ListActive() []registry.State {
	return d.registry.List(Namespace)
}

// InUse reports whether dest belongs to a running download. Every member
// of a variant is in use from the moment it is claimed until it finished,
// including files not fetched yet.
func (d *Downloader) InUse(dest string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.inFlight[dest]

	return ok
}

func (d *Downloader) destination(file string) string {
	return filepath.Join(d.modelsDir, filepath.FromSlash(file))
}

func (d *Downloader) destinations(files []string) []string {
	dests := make([]string, 0, len(files))
	for _, f := range files {
		dests = append(dests, d.destination(f))
	}

	return dests
}

// reserve marks every dest in flight, or none of them. On conflict it
// returns the index of the first dest held by another download.
func (d *Downloader) reserve(dests []string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, dest := range dests {
		if _, held := d.inFlight[dest]; held {
			return i, false
		}
	}

	for _, dest := range dests {
		d.inFlight[dest] = struct{}{}
	}

	return 0, true
}

func (d *Downloader) unreserve(dests []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, dest := range dests {
		delete(d.inFlight, dest)
	}
}

func validate(req VariantRequest) error {
	if req.ModelID == "" {
		return fmt.Errorf("%w: model id is required", ErrInvalidRequest)
	}

	if len(req.Files) == 0 {
		return fmt.Errorf("%w: at least one file is required", ErrInvalidRequest)
	}

	for _, f := range req.Files {
		if !safePath(f) {
			return fmt.Errorf("%w: unsafe file path %q", ErrInvalidRequest, f)
		}
	}

	return nil
}

// safePath accepts relative slash separated paths that stay inside the
// models directory.
func safePath(p string) bool {
	if p == "" || strings.Contains(p, "\\") || path.IsAbs(p) || filepath.IsAbs(p) {
		return false
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}

	return path.Clean(p) != "."
}

// Kind maps an error to the kind carried by error events.
func Kind(err error) string {
	var (
		statusErr *transfer.HTTPStatusError
		finErr    *transfer.FinalizationError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return event.KindInvalidRequest
	case errors.Is(err, registry.ErrAlreadyInProgress):
		return event.KindAlreadyInProgress
	case errors.Is(err, transfer.ErrStalled):
		return event.KindStalled
	case errors.Is(err, transfer.ErrTooManyRedirects):
		return event.KindTooManyRedirects
	case errors.As(err, &statusErr):
		return event.KindHTTPStatus
	case errors.As(err, &finErr):
		return event.KindFinalizationFailed
	case errors.Is(err, ErrCancelled), errors.Is(err, registry.ErrCancelled), errors.Is(err, context.Canceled):
		return event.KindCancelled
	default:
		return event.KindTransferFailed
	}
}
