package supervisor

import (
	"bytes"
	"strings"
)

// DefaultMaxLine is the size at which a line without a newline is emitted
// anyway.
const DefaultMaxLine = 64 * 1024

// LineAssembler turns arbitrary output chunks into complete lines.
//
// It holds the trailing partial line between Feed calls. Flush is the
// terminal transition and returns whatever is left once the stream ended.
// Carriage returns at line ends are stripped and blank lines are dropped.
type LineAssembler struct {
	MaxLine int

	pending []byte
}

// Feed consumes chunk and returns the lines it completed, in order.
func (a *LineAssembler) Feed(chunk []byte) []string {
	var lines []string

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			a.pending = append(a.pending, chunk...)

			break
		}

		a.pending = append(a.pending, chunk[:i]...)
		chunk = chunk[i+1:]

		if line, ok := a.take(); ok {
			lines = append(lines, line)
		}
	}

	limit := a.MaxLine
	if limit <= 0 {
		limit = DefaultMaxLine
	}

	for len(a.pending) >= limit {
		lines = append(lines, string(a.pending[:limit]))
		a.pending = append(a.pending[:0], a.pending[limit:]...)
	}

	return lines
}

// Flush returns the remaining partial line, if any, and resets the assembler.
func (a *LineAssembler) Flush() (string, bool) {
	return a.take()
}

func (a *LineAssembler) take() (string, bool) {
	line := strings.TrimRight(string(a.pending), "\r")
	a.pending = a.pending[:0]

	return line, line != ""
}
