package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/supervisor"
)

// curl exit codes with a meaning for the transfer contract.
const (
	curlHTTPError        = 22
	curlRangeUnsupported = 33
	curlOperationTimeout = 28
	curlTooManyRedirects = 47
)

const defaultPollInterval = 500 * time.Millisecond

var curlStatusPattern = regexp.MustCompile(`error: (\d{3})`)

// CurlFetcher delegates transfers to the curl executable, run through a
// supervisor.Runner so the process is tracked and terminated on shutdown.
// It keeps the same contract as HTTPFetcher: resume from the partial file,
// bounded redirects, stall detection and rename on completion.
type CurlFetcher struct {
	runner       supervisor.Runner
	path         string
	maxRedirects int
	stallTimeout time.Duration
	pollInterval time.Duration
}

// CurlOption configures a CurlFetcher.
type CurlOption func(*CurlFetcher)

// WithCurlPath sets the curl executable.
func WithCurlPath(path string) CurlOption {
	return func(f *CurlFetcher) { f.path = path }
}

// WithCurlMaxRedirects bounds the number of redirects curl follows.
func WithCurlMaxRedirects(n int) CurlOption {
	return func(f *CurlFetcher) { f.maxRedirects = n }
}

// WithCurlStallTimeout sets how long curl may go without receiving data.
func WithCurlStallTimeout(d time.Duration) CurlOption {
	return func(f *CurlFetcher) { f.stallTimeout = d }
}

// WithPollInterval sets how often the partial file is sampled for progress.
func WithPollInterval(d time.Duration) CurlOption {
	return func(f *CurlFetcher) { f.pollInterval = d }
}

// NewCurlFetcher creates a curl backed fetcher.
func NewCurlFetcher(runner supervisor.Runner, opts ...CurlOption) *CurlFetcher {
	f := &CurlFetcher{
		runner:       runner,
		path:         "curl",
		maxRedirects: DefaultMaxRedirects,
		stallTimeout: DefaultStallTimeout,
		pollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch implements Fetcher.
func (f *CurlFetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_path", req.DestPath, "backend", BackendCurl)

	if err := ensureDir(req.DestPath); err != nil {
		return nil, err
	}

	partPath := PartPath(req.DestPath)

	offset, err := partSize(partPath)
	if err != nil {
		return nil, err
	}

	headerFile, err := writeHeaderFile(req)
	if err != nil {
		return nil, err
	}
	defer os.Remove(headerFile)

	res, err := f.attempt(ctx, req, partPath, headerFile, offset, onProgress)

	var rangeErr *curlExitError
	if errors.As(err, &rangeErr) && rangeErr.code == curlRangeUnsupported && offset > 0 {
		logger.Info("server ignored range request, restarting download", "discarded", humanize.Bytes(uint64(offset)))

		if err := os.Truncate(partPath, 0); err != nil {
			return nil, fmt.Errorf("failed to truncate part file: %w", err)
		}

		offset = 0
		res, err = f.attempt(ctx, req, partPath, headerFile, offset, onProgress)
	}

	// A 416 on resume means the partial file already holds the whole object.
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		if onProgress != nil {
			onProgress(NewProgress(offset, offset))
		}

		res, err = &Result{DestPath: req.DestPath, Bytes: offset, Resumed: true}, nil
	}

	if err != nil {
		return nil, err
	}

	if err := finalize(partPath, req.DestPath); err != nil {
		return nil, err
	}

	logger.Info("downloaded and saved file", "size", humanize.Bytes(uint64(res.Bytes)))

	return res, nil
}

func (f *CurlFetcher) attempt(
	ctx context.Context,
	req Request,
	partPath, headerFile string,
	offset int64,
	onProgress func(Progress),
) (*Result, error) {
	dumpFile, err := os.CreateTemp("", "llama-curl-dump-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create header dump file: %w", err)
	}

	dumpPath := dumpFile.Name()
	dumpFile.Close()

	defer os.Remove(dumpPath)

	args := []string{
		"--silent", "--show-error", "--fail", "--location",
		"--max-redirs", strconv.Itoa(f.maxRedirects),
	}

	if f.stallTimeout > 0 {
		secs := strconv.Itoa(max(int(f.stallTimeout.Seconds()), 1))
		args = append(args, "--speed-limit", "1", "--speed-time", secs, "--connect-timeout", secs)
	}

	args = append(args,
		"--continue-at", "-",
		"--header", "@"+headerFile,
		"--dump-header", dumpPath,
		"--output", partPath,
		req.URL,
	)

	sink := &stderrSink{}

	pollCtx, stopPolling := context.WithCancel(ctx)
	polled := make(chan struct{})

	go func() {
		defer close(polled)
		f.poll(pollCtx, partPath, dumpPath, offset, onProgress)
	}()

	runErr := f.runner.Run(ctx, supervisor.Command{Name: f.path, Args: args, Label: BackendCurl}, sink)

	stopPolling()
	<-polled

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, runErr)
		}

		return nil, f.classify(runErr, req.URL, sink.String())
	}

	size, err := partSize(partPath)
	if err != nil {
		return nil, err
	}

	if onProgress != nil {
		onProgress(NewProgress(size, size))
	}

	return &Result{DestPath: req.DestPath, Bytes: size, Resumed: offset > 0}, nil
}

// poll samples the partial file and reports progress whenever it grew.
func (f *CurlFetcher) poll(ctx context.Context, partPath, dumpPath string, offset int64, onProgress func(Progress)) {
	if onProgress == nil {
		return
	}

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	last := offset

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := partSize(partPath)
			if err != nil || size == last {
				continue
			}

			last = size
			onProgress(NewProgress(size, expectedTotal(dumpPath, offset)))
		}
	}
}

// classify maps a failed curl run to the transfer error taxonomy.
func (f *CurlFetcher) classify(err error, url, stderr string) error {
	var exitErr *supervisor.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("curl failed: %w", err)
	}

	switch exitErr.Code {
	case curlOperationTimeout:
		return ErrStalled
	case curlTooManyRedirects:
		return fmt.Errorf("%w: gave up after %d", ErrTooManyRedirects, f.maxRedirects)
	case curlHTTPError:
		if m := curlStatusPattern.FindStringSubmatch(stderr); m != nil {
			code, _ := strconv.Atoi(m[1])

			return &HTTPStatusError{StatusCode: code, URL: url}
		}
	}

	return &curlExitError{code: exitErr.Code, stderr: stderr}
}

type curlExitError struct {
	code   int
	stderr string
}

func (e *curlExitError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("curl exited with code %d", e.code)
	}

	return fmt.Sprintf("curl exited with code %d: %s", e.code, e.stderr)
}

// stderrSink keeps curl's error output for classification.
type stderrSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *stderrSink) Send(p event.Payload) bool {
	if o, ok := p.(event.Output); ok && o.Event() == event.NameStderr {
		s.mu.Lock()
		s.lines = append(s.lines, o.Line)
		s.mu.Unlock()
	}

	return true
}

func (s *stderrSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return strings.Join(s.lines, "\n")
}

// writeHeaderFile stores request headers in a file for curl's --header @file
// so tokens do not show up in the process table.
func writeHeaderFile(req Request) (string, error) {
	file, err := os.CreateTemp("", "llama-curl-headers-*")
	if err != nil {
		return "", fmt.Errorf("failed to create header file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	for k, values := range req.Header {
		for _, v := range values {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}

	if err := w.Flush(); err != nil {
		os.Remove(file.Name())

		return "", fmt.Errorf("failed to write header file: %w", err)
	}

	return file.Name(), nil
}

// expectedTotal reads the size of the object from the last response in
// curl's header dump. It returns -1 when unknown.
func expectedTotal(dumpPath string, offset int64) int64 {
	data, err := os.ReadFile(dumpPath)
	if err != nil {
		return -1
	}

	var (
		status        int
		contentLength int64 = -1
		rangeTotal    int64 = -1
	)

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "HTTP/") {
			// A new response starts after every redirect.
			status, contentLength, rangeTotal = 0, -1, -1

			if fields := strings.Fields(line); len(fields) > 1 {
				status, _ = strconv.Atoi(fields[1])
			}

			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		value = strings.TrimSpace(value)

		switch strings.ToLower(name) {
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				contentLength = n
			}
		case "content-range":
			if _, _, total, err := parseContentRange(value); err == nil {
				rangeTotal = total
			}
		}
	}

	switch {
	case rangeTotal >= 0:
		return rangeTotal
	case status == 206 && contentLength >= 0:
		return offset + contentLength
	default:
		return contentLength
	}
}

var _ Fetcher = (*CurlFetcher)(nil)
