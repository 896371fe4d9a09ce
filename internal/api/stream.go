package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
// The stdout and stderr writers of one response share mu so events never
// interleave mid-frame.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string // SSE event type (e.g. "stdout", "stderr")
	mu      *sync.Mutex
}

// newSSEPair returns stdout and stderr writers for w, or nils if w cannot flush.
func newSSEPair(w http.ResponseWriter) (*SSEWriter, *SSEWriter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, nil
	}
	mu := &sync.Mutex{}
	return &SSEWriter{w: w, flusher: flusher, event: "stdout", mu: mu},
		&SSEWriter{w: w, flusher: flusher, event: "stderr", mu: mu}
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if err := writeEvent(s.w, s.event, string(p)); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// writeEvent frames data as one event. Every line gets its own "data:"
// prefix so output containing newlines cannot forge events.
func writeEvent(w http.ResponseWriter, event, data string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := fmt.Fprint(w, b.String())
	return err
}

func (s *SSEWriter) send(event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = writeEvent(s.w, event, data)
	s.flusher.Flush()
}
