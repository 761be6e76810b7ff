package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SSEWriter renders events as Server-Sent Events and flushes after each one.
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter writes the event-stream headers and returns a writer for w.
// The server write deadline is lifted for this response since streams
// outlive the regular request timeout.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	rc := http.NewResponseController(w)

	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("failed to clear write deadline: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming not supported: %w", err)
	}

	return &SSEWriter{w: w, rc: rc}, nil
}

// WriteEvent writes one `event:`/`data:` frame.
func (s *SSEWriter) WriteEvent(p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", p.Event(), err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", p.Event(), data); err != nil {
		return err
	}

	return s.rc.Flush()
}

// JSONLinesWriter renders each event as one JSON object per line, with the
// event name under "event" and the payload under "data".
type JSONLinesWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesWriter returns a writer emitting JSON lines to w.
func NewJSONLinesWriter(w io.Writer) *JSONLinesWriter {
	return &JSONLinesWriter{enc: json.NewEncoder(w)}
}

type jsonLine struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

// WriteEvent encodes p as a single line.
func (j *JSONLinesWriter) WriteEvent(p Payload) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.enc.Encode(jsonLine{Event: p.Event(), Data: p})
}
