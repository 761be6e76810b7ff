package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Payload
	pids   chan int
	stdout chan string
}

func newRecorder() *recorder {
	return &recorder{pids: make(chan int, 1), stdout: make(chan string, 64)}
}

func (r *recorder) Send(p event.Payload) bool {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()

	switch e := p.(type) {
	case event.PID:
		r.pids <- e.PID
	case event.Output:
		if e.Event() == event.NameStdout {
			select {
			case r.stdout <- e.Line:
			default:
			}
		}
	}

	return true
}

func (r *recorder) snapshot() []event.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]event.Payload(nil), r.events...)
}

func (r *recorder) lines(stream string) []string {
	var lines []string

	for _, p := range r.snapshot() {
		if o, ok := p.(event.Output); ok && o.Event() == stream {
			lines = append(lines, o.Line)
		}
	}

	return lines
}

func TestLineAssembler(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		tail   string
	}{
		{
			name:   "complete lines",
			chunks: []string{"a\nb\n"},
			want:   []string{"a", "b"},
		},
		{
			name:   "line split across chunks",
			chunks: []string{"hel", "lo wor", "ld\nnext"},
			want:   []string{"hello world"},
			tail:   "next",
		},
		{
			name:   "crlf and blank lines",
			chunks: []string{"one\r\n\r\n\ntwo\r\n"},
			want:   []string{"one", "two"},
		},
		{
			name:   "empty chunk",
			chunks: []string{"", "x"},
			tail:   "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				la  LineAssembler
				got []string
			)

			for _, c := range tt.chunks {
				got = append(got, la.Feed([]byte(c))...)
			}

			require.Equal(t, tt.want, got)

			tail, ok := la.Flush()
			require.Equal(t, tt.tail != "", ok)
			require.Equal(t, tt.tail, tail)

			_, ok = la.Flush()
			require.False(t, ok, "flush resets the assembler")
		})
	}
}

func TestLineAssemblerMaxLine(t *testing.T) {
	la := LineAssembler{MaxLine: 4}

	require.Equal(t, []string{"abcd"}, la.Feed([]byte("abcdef")))
	require.Equal(t, []string{"efgh"}, la.Feed([]byte("gh")))
	require.Equal(t, []string{"ij"}, la.Feed([]byte("ij\n")))
}

func TestRunStreamsOutputAndExit(t *testing.T) {
	s := New()
	rec := newRecorder()

	err := s.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo first; echo oops >&2; printf 'no newline'"},
	}, rec)
	require.NoError(t, err)

	events := rec.snapshot()
	require.IsType(t, event.PID{}, events[0])
	require.Equal(t, []string{"first", "no newline"}, rec.lines(event.NameStdout))
	require.Equal(t, []string{"oops"}, rec.lines(event.NameStderr))

	exit, ok := events[len(events)-1].(event.Exit)
	require.True(t, ok, "exit is the last event")
	require.NotNil(t, exit.Code)
	require.Equal(t, 0, *exit.Code)
	require.Empty(t, s.Live())
}

func TestRunNonZeroExit(t *testing.T) {
	s := New()
	rec := newRecorder()

	err := s.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}}, rec)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.Code)

	events := rec.snapshot()
	exit := events[len(events)-1].(event.Exit)
	require.Equal(t, 3, *exit.Code)
}

func TestRunSpawnFailure(t *testing.T) {
	s := New()
	rec := newRecorder()

	err := s.Run(context.Background(), Command{Name: "/nonexistent/definitely-not-here"}, rec)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)

	events := rec.snapshot()
	require.Len(t, events, 1)

	errEvent, ok := events[0].(event.Error)
	require.True(t, ok)
	require.Equal(t, event.KindSpawnFailed, errEvent.Kind)
	require.Empty(t, s.Live())
}

func TestRunEnvOverride(t *testing.T) {
	s := New()
	rec := newRecorder()

	err := s.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo $LLAMA_TEST_VALUE"},
		Env:  map[string]string{"LLAMA_TEST_VALUE": "from-override"},
	}, rec)
	require.NoError(t, err)
	require.Equal(t, []string{"from-override"}, rec.lines(event.NameStdout))
}

func TestRunCancelSendsSIGTERM(t *testing.T) {
	s := New()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, Command{Name: "sleep", Args: []string{"30"}, Label: "sleeper"}, rec)
	}()

	pid := <-rec.pids

	live := s.Live()
	require.Len(t, live, 1)
	require.Equal(t, pid, live[0].PID)
	require.Equal(t, "sleeper", live[0].Label)

	cancel()

	select {
	case err := <-done:
		var sigErr *SignalError
		require.ErrorAs(t, err, &sigErr)
		require.Equal(t, syscall.SIGTERM, sigErr.Signal)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after cancel")
	}

	events := rec.snapshot()
	exit := events[len(events)-1].(event.Exit)
	require.Nil(t, exit.Code)
	require.Equal(t, syscall.SIGTERM.String(), exit.Signal)
	require.Empty(t, s.Live())
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New()
	rec := newRecorder()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), Command{Name: "sleep", Args: []string{"30"}}, rec)
	}()

	<-rec.pids

	require.Equal(t, 1, s.Shutdown(context.Background()))
	require.Equal(t, 0, s.Shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	err := <-done
	var sigErr *SignalError
	require.ErrorAs(t, err, &sigErr)

	err = s.Run(context.Background(), Command{Name: "true"}, newRecorder())
	require.True(t, errors.Is(err, ErrShuttingDown))
}

func TestKillEscalates(t *testing.T) {
	s := New()
	rec := newRecorder()

	done := make(chan error, 1)
	go func() {
		// an ignored SIGTERM survives exec, so only a kill ends it
		done <- s.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "trap '' TERM; echo ready; exec sleep 30"}}, rec)
	}()

	pid := <-rec.pids

	require.Eventually(t, func() bool {
		return len(rec.lines(event.NameStdout)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Signal(pid, syscall.SIGTERM))
	require.NoError(t, s.Kill(pid))

	select {
	case err := <-done:
		var sigErr *SignalError
		require.ErrorAs(t, err, &sigErr)
		require.Equal(t, syscall.SIGKILL, sigErr.Signal)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after kill")
	}

	require.ErrorIs(t, s.Kill(pid), ErrNotFound)
}

func TestRunStreamsLinesWhileRunning(t *testing.T) {
	s := New()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo ready; sleep 5"}}, rec)
	}()

	select {
	case line := <-rec.stdout:
		require.Equal(t, "ready", line)
	case <-time.After(3 * time.Second):
		t.Fatal("line was not streamed before the process exited")
	}

	select {
	case <-done:
		t.Fatal("process exited before its output was observed")
	default:
	}

	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after cancel")
	}
}

func TestRunReturnsWhenBackgroundChildHoldsOutput(t *testing.T) {
	s := New()
	rec := newRecorder()

	started := time.Now()
	err := s.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 8 & echo started"}}, rec)
	require.NoError(t, err)
	require.Less(t, time.Since(started), 4*time.Second)

	require.Equal(t, []string{"started"}, rec.lines(event.NameStdout))

	events := rec.snapshot()
	exit, ok := events[len(events)-1].(event.Exit)
	require.True(t, ok, "exit is the last event")
	require.Equal(t, 0, *exit.Code)
	require.Empty(t, s.Live())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestRunCancelReachesProcessGroup(t *testing.T) {
	s := New()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		// the shell waits on a child that shares its stdout
		done <- s.Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 30 & echo ready; wait"}}, rec)
	}()

	<-rec.stdout
	cancel()

	select {
	case err := <-done:
		var sigErr *SignalError
		require.ErrorAs(t, err, &sigErr)
		require.Equal(t, syscall.SIGTERM, sigErr.Signal)
	case <-time.After(4 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	require.Empty(t, s.Live())
}

func TestWaitWithNothingRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, New().Wait(ctx))
}

func TestShutdownRacingSpawns(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.Run(context.Background(), Command{Name: "sleep", Args: []string{"30"}}, newRecorder())
			require.Error(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	s.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Empty(t, s.Live())

	wg.Wait()
}

func TestRunLogsExitCode(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := logctx.WithLogger(context.Background(), logger)

	err := New().Run(ctx, Command{Name: "sh", Args: []string{"-c", "exit 4"}}, newRecorder())
	require.Error(t, err)

	var exited map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))

		if rec["msg"] == "process exited" {
			exited = rec
		}
	}

	require.NotNil(t, exited)
	require.Equal(t, float64(4), exited["code"])
}
