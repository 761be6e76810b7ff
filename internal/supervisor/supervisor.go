// Package supervisor runs child processes, streams their output line by line
// and keeps the set of live processes so they can be signalled on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
)

const (
	readBufferSize = 32 * 1024
	// outputDrainTimeout bounds how long output is still read after the
	// process exited. A background child inheriting stdio keeps the pipes
	// open for as long as it lives.
	outputDrainTimeout = 250 * time.Millisecond
)

// Command describes a process to run.
type Command struct {
	Name  string            // Executable, resolved through PATH
	Args  []string          // Arguments, without the executable
	Dir   string            // Working directory, empty for the current one
	Env   map[string]string // Added to or overriding the inherited environment
	Label string            // Free-form tag shown in listings, e.g. a script id
	RunID string            // Generated when empty
}

// Info is a snapshot of a live process.
type Info struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"runId"`
	Label     string    `json:"label,omitempty"`
	Command   string    `json:"command"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"startedAt"`
}

type process struct {
	info       Info
	proc       *os.Process
	terminated bool
}

// Runner runs a command to completion, streaming its events to sink.
type Runner interface {
	Run(ctx context.Context, c Command, sink event.Sink) error
}

// Supervisor owns the live set of spawned processes. Every process leads
// its own process group and signals go to the whole group.
type Supervisor struct {
	mu       sync.Mutex
	live     map[int]*process
	starting int
	closing  bool
	idle     chan struct{} // closed once nothing is starting or live
}

// New creates a Supervisor with an empty live set.
func New() *Supervisor {
	return &Supervisor{live: make(map[int]*process)}
}

// Run spawns c and blocks until it exits.
//
// Events sent to sink: pid once spawned, stdout and stderr per complete line
// as they arrive, then exit once the output was drained. Output written
// after exit by children that inherited stdio is dropped. A spawn failure
// sends a single error event instead and returns a *SpawnError. A non-zero
// exit returns an *ExitError and death by signal a *SignalError.
//
// Cancelling ctx sends SIGTERM to the process group once. Escalation is
// left to the caller through Kill.
func (s *Supervisor) Run(ctx context.Context, c Command, sink event.Sink) error {
	logger := logctx.LoggerFromContext(ctx).With("command", c.Name, "label", c.Label)

	if c.RunID == "" {
		c.RunID = uuid.New().String()
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return s.spawnFailed(sink, c.Name, err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()

		return s.spawnFailed(sink, c.Name, err)
	}

	defer stdoutR.Close()
	defer stderrR.Close()

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p, err := s.start(cmd, c)

	// The child holds its own copies; ours would keep the pipes from EOF.
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		logger.Error("failed to spawn process", "err", err)

		return s.spawnFailed(sink, c.Name, err)
	}
	defer s.deregister(p.info.PID)

	logger = logger.With("pid", p.info.PID, "run_id", c.RunID)
	logger.Info("process started", "args", c.Args)

	sink.Send(event.PID{PID: p.info.PID})

	stop := context.AfterFunc(ctx, func() {
		logger.Info("terminating process", "reason", context.Cause(ctx))

		if err := s.terminate(p); err != nil {
			logger.Warn("failed to signal process", "err", err)
		}
	})
	defer stop()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpLines(stdoutR, func(line string) { sink.Send(event.Stdout(line)) })
	}()

	go func() {
		defer wg.Done()
		pumpLines(stderrR, func(line string) { sink.Send(event.Stderr(line)) })
	}()

	waitErr := cmd.Wait()

	// The group may outlive its leader; cancelling from here on would hit
	// children the process deliberately left running.
	stop()

	drainBy := time.Now().Add(outputDrainTimeout)
	for _, r := range []*os.File{stdoutR, stderrR} {
		if err := r.SetReadDeadline(drainBy); err != nil {
			r.Close()
		}
	}

	wg.Wait()

	exit, result := exitResult(cmd.ProcessState)
	if result == nil && waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			result = waitErr
		}
	}

	if exit.Code != nil {
		logger.Info("process exited", "code", *exit.Code)
	} else {
		logger.Info("process exited", "signal", exit.Signal)
	}

	sink.Send(exit)

	return result
}

func (s *Supervisor) start(cmd *exec.Cmd, c Command) (*process, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()

		return nil, ErrShuttingDown
	}
	s.starting++
	s.mu.Unlock()

	err := cmd.Start()

	s.mu.Lock()
	s.starting--

	if err != nil {
		s.notifyIdle()
		s.mu.Unlock()

		return nil, err
	}

	p := &process{
		proc: cmd.Process,
		info: Info{
			PID:       cmd.Process.Pid,
			RunID:     c.RunID,
			Label:     c.Label,
			Command:   c.Name,
			Args:      append([]string(nil), c.Args...),
			StartedAt: time.Now(),
		},
	}

	s.live[p.info.PID] = p
	// Shutdown ran while we were spawning and could not see this process.
	lateStart := s.closing
	s.mu.Unlock()

	if lateStart {
		_ = s.terminate(p)
	}

	return p, nil
}

func (s *Supervisor) deregister(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.live, pid)
	s.notifyIdle()
}

// notifyIdle wakes Wait callers once nothing is starting or live. s.mu must
// be held.
func (s *Supervisor) notifyIdle() {
	if s.starting > 0 || len(s.live) > 0 || s.idle == nil {
		return
	}

	close(s.idle)
	s.idle = nil
}

func (s *Supervisor) spawnFailed(sink event.Sink, name string, err error) error {
	serr := &SpawnError{Name: name, Err: err}
	sink.Send(event.Error{Message: serr.Error(), Kind: event.KindSpawnFailed})

	return serr
}

// terminate sends SIGTERM unless this process was already terminated.
func (s *Supervisor) terminate(p *process) error {
	s.mu.Lock()
	if p.terminated {
		s.mu.Unlock()

		return nil
	}
	p.terminated = true
	s.mu.Unlock()

	return p.signal(syscall.SIGTERM)
}

// Signal sends sig to the live process pid.
func (s *Supervisor) Signal(pid int, sig os.Signal) error {
	s.mu.Lock()
	p, ok := s.live[pid]
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if sig == syscall.SIGTERM {
		return s.terminate(p)
	}

	return p.signal(sig)
}

// Kill forcefully stops the live process pid.
func (s *Supervisor) Kill(pid int) error {
	return s.Signal(pid, syscall.SIGKILL)
}

// Live returns a snapshot of the live set, oldest first.
func (s *Supervisor) Live() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.live))
	for _, p := range s.live {
		infos = append(infos, p.info)
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})

	return infos
}

// Shutdown stops accepting new runs and sends SIGTERM to every live process
// that has not been terminated yet. Calling it again is a no-op for
// processes already signalled. It returns the number of processes signalled.
func (s *Supervisor) Shutdown(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	s.closing = true

	targets := make([]*process, 0, len(s.live))
	for _, p := range s.live {
		if p.terminated {
			continue
		}

		p.terminated = true
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.signal(syscall.SIGTERM); err != nil {
			logger.Warn("failed to signal process", "pid", p.info.PID, "err", err)
		}
	}

	return len(targets)
}

// Wait blocks until every live process has exited or ctx ends. Runs still
// being spawned when Wait is called are waited for too.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.starting == 0 && len(s.live) == 0 {
		s.mu.Unlock()

		return nil
	}

	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal delivers sig to the process group p leads, so children it started
// stop with it.
func (p *process) signal(sig os.Signal) error {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		if err := p.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to send %s: %w", sig, err)
		}

		return nil
	}

	if err := syscall.Kill(-p.info.PID, sysSig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}

	return nil
}

// exitResult classifies how the process ended.
func exitResult(state *os.ProcessState) (event.Exit, error) {
	if state == nil {
		return event.Exit{}, nil
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return event.Exit{Signal: ws.Signal().String()}, &SignalError{Signal: ws.Signal()}
	}

	code := state.ExitCode()
	if code != 0 {
		return event.Exit{Code: &code}, &ExitError{Code: code}
	}

	return event.Exit{Code: &code}, nil
}

func pumpLines(r io.Reader, emit func(string)) {
	var (
		la  LineAssembler
		buf = make([]byte, readBufferSize)
	)

	for {
		n, err := r.Read(buf)
		for _, line := range la.Feed(buf[:n]) {
			emit(line)
		}

		if err != nil {
			break
		}
	}

	if line, ok := la.Flush(); ok {
		emit(line)
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}

		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}

	return env
}
