package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/llama_manager/internal/logctx"
)

const (
	DefaultMaxRedirects = 10
	DefaultStallTimeout = 60 * time.Second

	copyBufferSize = 256 * 1024
)

// HTTPFetcher downloads files with plain HTTP GET requests.
type HTTPFetcher struct {
	client       *http.Client
	maxRedirects int
	stallTimeout time.Duration
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets the client used for requests. Its redirect policy is
// replaced: redirects are followed by the fetcher itself.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		cp := *c
		f.client = &cp
	}
}

// WithMaxRedirects bounds the number of redirects followed per transfer.
func WithMaxRedirects(n int) HTTPOption {
	return func(f *HTTPFetcher) { f.maxRedirects = n }
}

// WithStallTimeout sets how long a transfer may go without receiving data.
// Zero disables stall detection.
func WithStallTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) { f.stallTimeout = d }
}

// NewHTTPFetcher creates a fetcher with the given options applied.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:       &http.Client{},
		maxRedirects: DefaultMaxRedirects,
		stallTimeout: DefaultStallTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	f.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_path", req.DestPath)

	if err := ensureDir(req.DestPath); err != nil {
		return nil, err
	}

	partPath := PartPath(req.DestPath)

	offset, err := partSize(partPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Armed before the request so that connect and header waits count too.
	wd := newWatchdog(f.stallTimeout, func() { cancel(ErrStalled) })
	defer wd.stop()

	resp, err := f.get(ctx, req, offset)
	if err != nil {
		return nil, interrupted(ctx, err)
	}
	defer resp.Body.Close()

	wd.touch()

	var (
		total   int64 = -1
		resumed bool
	)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, _, _, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil && start != offset {
			return nil, fmt.Errorf("%w: asked for offset %d, got %d", ErrRangeMismatch, offset, start)
		}

		resumed = true
		if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}

		logger.Info("resuming download", "offset", humanize.Bytes(uint64(offset)))
	case http.StatusOK:
		if offset > 0 {
			logger.Info("server ignored range request, restarting download", "discarded", humanize.Bytes(uint64(offset)))
		}

		offset = 0
		total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		// The part file may already hold the whole object.
		if _, _, size, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil && offset > 0 && size == offset {
			if onProgress != nil {
				onProgress(NewProgress(offset, size))
			}

			if err := finalize(partPath, req.DestPath); err != nil {
				return nil, err
			}

			return &Result{DestPath: req.DestPath, Bytes: offset, Resumed: true}, nil
		}

		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
	default:
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resumed {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(partPath, flags, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open part file: %w", err)
	}

	logger.Debug("downloading file", "url", req.URL, "size", sizeString(total))

	pr := newProgressReader(resp.Body, offset, total, wd.touch, onProgress)

	if _, err := io.CopyBuffer(out, pr, make([]byte, copyBufferSize)); err != nil {
		out.Close()

		if ctx.Err() != nil {
			return nil, interrupted(ctx, err)
		}

		return nil, fmt.Errorf("failed to copy file: %w", err)
	}

	wd.stop()

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close part file: %w", err)
	}

	if err := finalize(partPath, req.DestPath); err != nil {
		return nil, err
	}

	logger.Info("downloaded and saved file", "size", humanize.Bytes(uint64(pr.totalRead)))

	return &Result{DestPath: req.DestPath, Bytes: pr.totalRead, Resumed: resumed}, nil
}

// get issues the request and follows redirects itself so the original
// headers travel with every hop and the hop count stays bounded.
func (f *HTTPFetcher) get(ctx context.Context, req Request, offset int64) (*http.Response, error) {
	target := req.URL

	for redirects := 0; ; redirects++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		for k, v := range req.Header {
			httpReq.Header[k] = append([]string(nil), v...)
		}

		if offset > 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		drain(resp.Body)

		if location == "" {
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: target}
		}

		if redirects >= f.maxRedirects {
			return nil, fmt.Errorf("%w: gave up after %d", ErrTooManyRedirects, redirects)
		}

		next, err := resp.Request.URL.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}

		target = next.String()
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}

	return false
}

func drain(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 4096)
	_ = body.Close()
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// A total of -1 means the server sent "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	rng, size, ok := strings.Cut(strings.TrimPrefix(header, "bytes "), "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	if rng == "*" {
		return -1, -1, total, nil
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	return start, end, total, nil
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}

var _ Fetcher = (*HTTPFetcher)(nil)
