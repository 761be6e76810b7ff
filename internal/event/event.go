// Package event defines the messages streamed to a single observer while a
// download or a script run is in progress, and the queue that carries them.
package event

// Event names as they appear on the wire.
const (
	NameStart     = "start"
	NameFileStart = "file-start"
	NameProgress  = "progress"
	NamePID       = "pid"
	NameStdout    = "stdout"
	NameStderr    = "stderr"
	NameDone      = "done"
	NameError     = "error"
	NameExit      = "exit"
)

// Error kinds carried by Error events.
const (
	KindAlreadyInProgress  = "already_in_progress"
	KindTooManyRedirects   = "too_many_redirects"
	KindHTTPStatus         = "http_status"
	KindStalled            = "stalled"
	KindFinalizationFailed = "finalization_failed"
	KindCancelled          = "cancelled"
	KindSpawnFailed        = "spawn_failed"
	KindInvalidRequest     = "invalid_request"
	KindTransferFailed     = "transfer_failed"
	KindScriptUnavailable  = "script_unavailable"
)

// Payload is the closed set of messages a Stream carries. Only the types in
// this package implement it.
type Payload interface {
	Event() string
	payload()
}

// Start is emitted once work has been accepted.
type Start struct {
	ModelID    string   `json:"modelId,omitempty"`
	Label      string   `json:"label,omitempty"`
	Files      []string `json:"files,omitempty"`
	TotalFiles int      `json:"totalFiles,omitempty"`
	Dir        string   `json:"dir,omitempty"`
	Script     string   `json:"script,omitempty"`
	Args       []string `json:"args,omitempty"`
	RunID      string   `json:"runId,omitempty"`
}

// FileStart marks the beginning of the next member file of a variant.
type FileStart struct {
	Filename   string `json:"filename"`
	FileIndex  int    `json:"fileIndex"`
	TotalFiles int    `json:"totalFiles"`
}

// Progress reports cumulative bytes for the current member file. Total and
// Percent are nil when the server did not declare a length.
type Progress struct {
	Downloaded int64  `json:"downloaded"`
	Total      *int64 `json:"total"`
	Percent    *int   `json:"percent"`
	Filename   string `json:"filename,omitempty"`
	FileIndex  int    `json:"fileIndex"`
	TotalFiles int    `json:"totalFiles"`
}

// PID is emitted right after a child process has been spawned.
type PID struct {
	PID int `json:"pid"`
}

// Output carries one line captured from a child process.
type Output struct {
	Stream string `json:"-"`
	Line   string `json:"line"`
}

// Done is the terminal success event of a download.
type Done struct {
	ModelID string   `json:"modelId,omitempty"`
	Label   string   `json:"label,omitempty"`
	Files   []string `json:"files,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// Error is the terminal failure event.
type Error struct {
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Exit is the terminal event of a script run. Code is nil when the process
// was killed by a signal.
type Exit struct {
	Code   *int   `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (Start) Event() string     { return NameStart }
func (FileStart) Event() string { return NameFileStart }
func (Progress) Event() string  { return NameProgress }
func (PID) Event() string       { return NamePID }
func (Done) Event() string      { return NameDone }
func (Error) Event() string     { return NameError }
func (Exit) Event() string      { return NameExit }

// Event returns "stdout" or "stderr" depending on where the line came from.
func (o Output) Event() string {
	if o.Stream == NameStderr {
		return NameStderr
	}

	return NameStdout
}

func (Start) payload()     {}
func (FileStart) payload() {}
func (Progress) payload()  {}
func (PID) payload()       {}
func (Output) payload()    {}
func (Done) payload()      {}
func (Error) payload()     {}
func (Exit) payload()      {}

// Stdout builds an Output event for a stdout line.
func Stdout(line string) Output { return Output{Stream: NameStdout, Line: line} }

// Stderr builds an Output event for a stderr line.
func Stderr(line string) Output { return Output{Stream: NameStderr, Line: line} }

// Sink receives events from a producer. Send reports false once nobody is
// listening anymore, which producers treat as cancellation.
type Sink interface {
	Send(p Payload) bool
}

// Discard is a Sink that accepts and drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Send(Payload) bool { return true }
