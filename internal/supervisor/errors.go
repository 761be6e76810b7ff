package supervisor

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotFound is returned when a pid is not in the live set.
	ErrNotFound = errors.New("process not found")
	// ErrShuttingDown is returned by Run once Shutdown has been called.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// SpawnError means no process was ever started, for example because the
// executable does not exist or is not executable.
type SpawnError struct {
	Name string // Executable that failed to start
	Err  error  // Underlying error from the OS
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError is the process' own failure: it ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// SignalError means the process was terminated by a signal and has no exit
// code.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("process killed by signal %s", e.Signal)
}
