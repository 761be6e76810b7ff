package transfer

import (
	"io"
	"sync"
	"time"
)

// progressReader wraps a response body and reports the cumulative byte count
// after every read that returned data.
type progressReader struct {
	reader    io.Reader
	total     int64 // -1 when unknown
	totalRead int64 // includes the resume offset
	onChunk   func(Progress)
	touch     func()
}

func newProgressReader(r io.Reader, offset, total int64, touch func(), onChunk func(Progress)) *progressReader {
	return &progressReader{
		reader:    r,
		total:     total,
		totalRead: offset,
		onChunk:   onChunk,
		touch:     touch,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.touch()

		if pr.onChunk != nil {
			pr.onChunk(NewProgress(pr.totalRead, pr.total))
		}
	}

	return n, err
}

// watchdog fires once if it is not touched within timeout.
type watchdog struct {
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, fire)
	}

	return w
}

func (w *watchdog) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil || w.stopped {
		return
	}

	w.timer.Reset(w.timeout)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil {
		return
	}

	w.stopped = true
	w.timer.Stop()
}
