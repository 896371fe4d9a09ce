package sandbox

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/text/encoding/unicode"
)

// DefaultOutputLimit is the combined stdout+stderr ceiling per run.
const DefaultOutputLimit = 1 << 20

// Status is the terminal classification of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Classify maps a finished run to its status. A forced stop always wins
// over the exit code.
func Classify(exitCode int, timedOut bool) Status {
	switch {
	case timedOut:
		return StatusTimeout
	case exitCode == 0:
		return StatusCompleted
	default:
		return StatusError
	}
}

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Output collects the two output streams of a run under one combined byte
// ceiling. It is safe for concurrent use by the stdout and stderr copiers.
type Output struct {
	mu        sync.Mutex
	limit     int
	bufs      [2]bytes.Buffer
	tees      [2]io.Writer
	total     int
	truncated bool
	sealed    bool
}

func NewOutput(limit int) *Output {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &Output{limit: limit}
}

// Tee forwards accepted bytes to w as they arrive. Write errors from w are
// ignored so a departed stream consumer cannot fail the run.
func (o *Output) Tee(s Stream, w io.Writer) {
	o.mu.Lock()
	o.tees[s] = w
	o.mu.Unlock()
}

// Append records p on stream s. Once the ceiling is reached the remaining
// bytes are refused with ErrOutputLimit; the chunk that crosses the ceiling
// is kept up to the ceiling.
func (o *Output) Append(s Stream, p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sealed {
		return 0, ErrOutputLimit
	}
	room := o.limit - o.total
	if room <= 0 {
		if len(p) > 0 {
			o.truncated = true
		}
		return 0, ErrOutputLimit
	}

	accepted := p
	if len(p) > room {
		accepted = p[:room]
	}
	o.bufs[s].Write(accepted)
	o.total += len(accepted)
	if tee := o.tees[s]; tee != nil {
		_, _ = tee.Write(accepted)
	}

	if len(accepted) < len(p) {
		o.truncated = true
		return len(accepted), ErrOutputLimit
	}
	return len(accepted), nil
}

// Seal detaches the tees and refuses any further bytes without marking the
// output truncated. Called once the run's result has been assembled.
func (o *Output) Seal() {
	o.mu.Lock()
	o.sealed = true
	o.tees = [2]io.Writer{}
	o.mu.Unlock()
}

// Writer returns an io.Writer for stream s that fails with ErrOutputLimit
// at the ceiling, which stops a copier such as stdcopy.StdCopy.
func (o *Output) Writer(s Stream) io.Writer {
	return streamWriter{o: o, s: s}
}

// Text decodes the captured bytes of stream s as UTF-8, replacing invalid
// sequences with U+FFFD.
func (o *Output) Text(s Stream) string {
	o.mu.Lock()
	raw := append([]byte(nil), o.bufs[s].Bytes()...)
	o.mu.Unlock()

	decoded, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, []byte("\uFFFD")))
	}
	return string(decoded)
}

func (o *Output) Truncated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.truncated
}

// Len returns the number of captured bytes across both streams.
func (o *Output) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

type streamWriter struct {
	o *Output
	s Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	return w.o.Append(w.s, p)
}
