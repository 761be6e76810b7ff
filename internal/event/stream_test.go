package event

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []Payload
	err    error
}

func (r *recordingWriter) WriteEvent(p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.events = append(r.events, p)

	return nil
}

func TestPumpDeliversInOrder(t *testing.T) {
	s := NewStream(1)
	w := &recordingWriter{}

	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), s, w) }()

	require.True(t, s.Send(Start{Label: "Q4_K_M"}))
	require.True(t, s.Send(FileStart{Filename: "a.gguf", TotalFiles: 1}))
	require.True(t, s.Send(Done{Label: "Q4_K_M"}))
	s.Close()

	require.NoError(t, <-done)
	require.Equal(t, []Payload{
		Start{Label: "Q4_K_M"},
		FileStart{Filename: "a.gguf", TotalFiles: 1},
		Done{Label: "Q4_K_M"},
	}, w.events)
}

func TestSendAfterCloseFails(t *testing.T) {
	s := NewStream(4)
	s.Close()
	s.Close()

	require.False(t, s.Send(Done{}))
}

func TestPumpDetachesOnContextCancel(t *testing.T) {
	s := NewStream(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Pump(ctx, s, &recordingWriter{})
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-s.Detached():
	default:
		t.Fatal("stream should be detached")
	}

	require.False(t, s.Send(Done{}))
}

func TestPumpDetachesOnWriteError(t *testing.T) {
	s := NewStream(4)
	w := &recordingWriter{err: errors.New("broken pipe")}

	require.True(t, s.Send(Start{}))

	err := Pump(context.Background(), s, w)
	require.EqualError(t, err, "broken pipe")
	require.False(t, s.Send(Done{}))
}

func TestWithDisconnect(t *testing.T) {
	s := NewStream(1)
	ctx, cancel := WithDisconnect(context.Background(), s)
	defer cancel()

	s.Detach()
	<-ctx.Done()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	total := int64(10)
	percent := 50
	require.NoError(t, w.WriteEvent(Progress{Downloaded: 5, Total: &total, Percent: &percent, Filename: "a.gguf", TotalFiles: 1}))
	require.NoError(t, w.WriteEvent(Stderr("boom")))
	require.NoError(t, w.WriteEvent(Exit{}))

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.True(t, rec.Flushed)

	body := rec.Body.String()
	require.Contains(t, body, "event: progress\ndata: {\"downloaded\":5,\"total\":10,\"percent\":50,\"filename\":\"a.gguf\",\"fileIndex\":0,\"totalFiles\":1}\n\n")
	require.Contains(t, body, "event: stderr\ndata: {\"line\":\"boom\"}\n\n")
	require.Contains(t, body, "event: exit\ndata: {\"code\":null}\n\n")
}

func TestProgressUnknownTotal(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLinesWriter(&buf)

	require.NoError(t, w.WriteEvent(Progress{Downloaded: 42, FileIndex: 1, TotalFiles: 2}))
	require.Equal(t,
		`{"event":"progress","data":{"downloaded":42,"total":null,"percent":null,"fileIndex":1,"totalFiles":2}}`,
		strings.TrimSpace(buf.String()))
}
