package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/registry"
	"github.com/italolelis/llama_manager/internal/storage"
	"github.com/italolelis/llama_manager/internal/transfer"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	requests []transfer.Request
	fetch    func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	return f.fetch(ctx, req, onProgress)
}

// completes reports two samples and succeeds.
func completes(_ context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
	onProgress(transfer.NewProgress(50, 100))
	onProgress(transfer.NewProgress(100, 100))

	return &transfer.Result{DestPath: req.DestPath, Bytes: 100}, nil
}

// blocks until the download is cancelled.
func blocks(started chan<- struct{}) func(context.Context, transfer.Request, func(transfer.Progress)) (*transfer.Result, error) {
	return func(ctx context.Context, _ transfer.Request, _ func(transfer.Progress)) (*transfer.Result, error) {
		close(started)
		<-ctx.Done()

		return nil, fmt.Errorf("transfer aborted: %w", context.Cause(ctx))
	}
}

type resolver struct{}

func (resolver) ResolveURL(modelID, file string) string {
	return "https://hub.test/" + modelID + "/resolve/main/" + file
}

type recorder struct {
	mu     sync.Mutex
	events []event.Payload
	accept bool
}

func newRecorder() *recorder { return &recorder{accept: true} }

func (r *recorder) Send(p event.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, p)

	return r.accept
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Event())
	}

	return names
}

func (r *recorder) last() event.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.events[len(r.events)-1]
}

type fakeHistory struct {
	mu      sync.Mutex
	records []storage.DownloadRecord
}

func (h *fakeHistory) Record(_ context.Context, rec *storage.DownloadRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, *rec)

	return nil
}

func newDownloader(t *testing.T, f *fakeFetcher) (*Downloader, *fakeHistory) {
	t.Helper()

	history := &fakeHistory{}

	return NewDownloader(t.TempDir(), f, resolver{}, registry.New(), history, nil), history
}

func TestDownloadVariantInOrder(t *testing.T) {
	f := &fakeFetcher{fetch: completes}
	d, history := newDownloader(t, f)
	rec := newRecorder()

	err := d.Download(context.Background(), VariantRequest{
		ModelID: "org/model",
		Label:   "F16 (2 shards)",
		Files:   []string{"f16/m-00001-of-00002.gguf", "f16/m-00002-of-00002.gguf"},
		Token:   "secret",
	}, rec)
	require.NoError(t, err)

	require.Equal(t, []string{
		event.NameStart,
		event.NameFileStart, event.NameProgress, event.NameProgress,
		event.NameFileStart, event.NameProgress, event.NameProgress,
		event.NameDone,
	}, rec.names())

	start := rec.events[0].(event.Start)
	require.Equal(t, 2, start.TotalFiles)
	require.Equal(t, d.ModelsDir(), start.Dir)

	second := rec.events[4].(event.FileStart)
	require.Equal(t, 1, second.FileIndex)
	require.Equal(t, "f16/m-00002-of-00002.gguf", second.Filename)

	progress := rec.events[6].(event.Progress)
	require.Equal(t, 100, *progress.Percent)
	require.Equal(t, 1, progress.FileIndex)

	require.Len(t, f.requests, 2)
	require.Equal(t, "https://hub.test/org/model/resolve/main/f16/m-00001-of-00002.gguf", f.requests[0].URL)
	require.Equal(t, filepath.Join(d.ModelsDir(), "f16", "m-00001-of-00002.gguf"), f.requests[0].DestPath)
	require.Equal(t, "Bearer secret", f.requests[0].Header.Get("Authorization"))

	require.Empty(t, d.ListActive())
	require.Len(t, history.records, 1)
	require.Equal(t, storage.StatusCompleted, history.records[0].Status)
	require.Equal(t, int64(200), history.records[0].Bytes)

	outcome := <-d.OnVariantFinished
	require.NoError(t, outcome.Err)
	require.Equal(t, "F16 (2 shards)", outcome.Label)
}

func TestDownloadLabelDefaultsToFirstFile(t *testing.T) {
	d, _ := newDownloader(t, &fakeFetcher{fetch: completes})
	rec := newRecorder()

	require.NoError(t, d.Download(context.Background(), VariantRequest{ModelID: "org/model", Files: []string{"a.Q4_K_M.gguf"}}, rec))

	done := rec.last().(event.Done)
	require.Equal(t, "a.Q4_K_M.gguf", done.Label)
}

func TestDownloadRejectsDuplicateKey(t *testing.T) {
	started := make(chan struct{})
	d, _ := newDownloader(t, &fakeFetcher{fetch: blocks(started)})

	req := VariantRequest{ModelID: "org/model", Label: "Q4_K_M", Files: []string{"m.Q4_K_M.gguf"}}
	first := make(chan error, 1)

	go func() {
		first <- d.Download(context.Background(), req, newRecorder())
	}()

	<-started

	dup := newRecorder()
	err := d.Download(context.Background(), req, dup)
	require.ErrorIs(t, err, registry.ErrAlreadyInProgress)
	require.Equal(t, []string{event.NameError}, dup.names())

	errEvent := dup.last().(event.Error)
	require.Equal(t, event.KindAlreadyInProgress, errEvent.Kind)
	require.Equal(t, "Download already in progress for Q4_K_M", errEvent.Message)

	// the running download is untouched
	active := d.ListActive()
	require.Len(t, active, 1)
	require.False(t, active[0].Cancelled)

	require.NoError(t, d.Cancel("org/model", "Q4_K_M"))
	require.Error(t, <-first)
}

func TestDownloadCancel(t *testing.T) {
	started := make(chan struct{})
	d, history := newDownloader(t, &fakeFetcher{fetch: blocks(started)})
	rec := newRecorder()
	done := make(chan error, 1)

	go func() {
		done <- d.Download(context.Background(), VariantRequest{ModelID: "org/model", Label: "Q8_0", Files: []string{"m.Q8_0.gguf"}}, rec)
	}()

	<-started
	require.NoError(t, d.Cancel("org/model", "Q8_0"))

	select {
	case err := <-done:
		require.ErrorIs(t, err, registry.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}

	errEvent := rec.last().(event.Error)
	require.Equal(t, event.KindCancelled, errEvent.Kind)
	require.Empty(t, d.ListActive())
	require.ErrorIs(t, d.Cancel("org/model", "Q8_0"), registry.ErrNotFound)

	require.Equal(t, storage.StatusCancelled, history.records[0].Status)

	outcome := <-d.OnVariantFailed
	require.Equal(t, event.KindCancelled, outcome.Kind)
}

func TestDownloadMemberFailureStopsVariant(t *testing.T) {
	calls := 0
	f := &fakeFetcher{fetch: func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		calls++
		if calls == 2 {
			return nil, &transfer.HTTPStatusError{StatusCode: 404, URL: req.URL}
		}

		return completes(ctx, req, onProgress)
	}}

	d, history := newDownloader(t, f)
	rec := newRecorder()

	files := []string{"m-00001-of-00003.gguf", "m-00002-of-00003.gguf", "m-00003-of-00003.gguf"}
	err := d.Download(context.Background(), VariantRequest{ModelID: "org/model", Files: files}, rec)

	var statusErr *transfer.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 2, calls)

	errEvent := rec.last().(event.Error)
	require.Equal(t, event.KindHTTPStatus, errEvent.Kind)
	require.Equal(t, files[1], errEvent.Filename)
	require.NotContains(t, rec.names(), event.NameDone)

	require.Equal(t, storage.StatusFailed, history.records[0].Status)
	require.Equal(t, event.KindHTTPStatus, history.records[0].ErrorKind)
	require.Empty(t, d.ListActive())
}

func TestDownloadObserverGoneCancels(t *testing.T) {
	f := &fakeFetcher{fetch: func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		onProgress(transfer.NewProgress(10, 100))

		<-ctx.Done()

		return nil, fmt.Errorf("transfer aborted: %w", context.Cause(ctx))
	}}

	d, _ := newDownloader(t, f)
	rec := newRecorder()
	rec.accept = false

	err := d.Download(context.Background(), VariantRequest{ModelID: "org/model", Files: []string{"m.gguf"}}, rec)
	require.ErrorIs(t, err, ErrCancelled)
	require.Empty(t, d.ListActive())
}

func TestDownloadRejectsUnsafePaths(t *testing.T) {
	tests := []struct {
		name  string
		files []string
	}{
		{name: "no files"},
		{name: "parent dir", files: []string{"../escape.gguf"}},
		{name: "nested parent dir", files: []string{"a/../../escape.gguf"}},
		{name: "absolute", files: []string{"/etc/passwd"}},
		{name: "empty", files: []string{"ok.gguf", ""}},
		{name: "backslash", files: []string{`..\escape.gguf`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{fetch: completes}
			d, _ := newDownloader(t, f)
			rec := newRecorder()

			err := d.Download(context.Background(), VariantRequest{ModelID: "org/model", Label: "x", Files: tt.files}, rec)
			require.ErrorIs(t, err, ErrInvalidRequest)
			require.Equal(t, []string{event.NameError}, rec.names())
			require.Equal(t, event.KindInvalidRequest, rec.last().(event.Error).Kind)
			require.Empty(t, f.requests)
		})
	}
}

func TestInUse(t *testing.T) {
	started := make(chan struct{})
	d, _ := newDownloader(t, &fakeFetcher{fetch: blocks(started)})
	done := make(chan error, 1)

	go func() {
		done <- d.Download(context.Background(), VariantRequest{ModelID: "org/model", Files: []string{"m.gguf"}}, newRecorder())
	}()

	<-started

	dest := filepath.Join(d.ModelsDir(), "m.gguf")
	require.True(t, d.InUse(dest))

	require.NoError(t, d.Cancel("org/model", "m.gguf"))
	<-done

	require.False(t, d.InUse(dest))
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("x: %w", ErrInvalidRequest), want: event.KindInvalidRequest},
		{err: registry.ErrAlreadyInProgress, want: event.KindAlreadyInProgress},
		{err: transfer.ErrStalled, want: event.KindStalled},
		{err: fmt.Errorf("%w: gave up", transfer.ErrTooManyRedirects), want: event.KindTooManyRedirects},
		{err: &transfer.HTTPStatusError{StatusCode: 500}, want: event.KindHTTPStatus},
		{err: &transfer.FinalizationError{Path: "x", Err: errors.New("rename")}, want: event.KindFinalizationFailed},
		{err: fmt.Errorf("transfer aborted: %w", context.Canceled), want: event.KindCancelled},
		{err: errors.New("disk full"), want: event.KindTransferFailed},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}

func TestDownloadRejectsSharedFileUnderOtherLabel(t *testing.T) {
	started := make(chan struct{})
	d, _ := newDownloader(t, &fakeFetcher{fetch: blocks(started)})
	done := make(chan error, 1)

	go func() {
		done <- d.Download(context.Background(), VariantRequest{ModelID: "org/model", Files: []string{"m.Q4_0.gguf"}}, newRecorder())
	}()

	<-started

	dup := newRecorder()
	err := d.Download(context.Background(), VariantRequest{
		ModelID: "org/model",
		Label:   "Q4_0",
		Files:   []string{"m.Q4_0.gguf"},
	}, dup)
	require.ErrorIs(t, err, registry.ErrAlreadyInProgress)
	require.Equal(t, []string{event.NameError}, dup.names())
	require.Equal(t, event.KindAlreadyInProgress, dup.last().(event.Error).Kind)

	// the rejected request must not release the running download's files
	dest := filepath.Join(d.ModelsDir(), "m.Q4_0.gguf")
	require.True(t, d.InUse(dest))
	require.Len(t, d.ListActive(), 1)

	require.NoError(t, d.Cancel("org/model", "m.Q4_0.gguf"))
	<-done

	require.False(t, d.InUse(dest))
}
