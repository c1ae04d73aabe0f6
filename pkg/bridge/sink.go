package bridge

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// DiagLabel prefixes the bridge's own console diagnostics
const DiagLabel = "interlink"

// ConsoleSink writes "<label>> <line>" records to a writer. Writes are
// serialized so lines from concurrent readers never interleave.
type ConsoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	history *LineHistory
}

// NewConsoleSink creates a sink writing to w (os.Stdout when nil)
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

// SetHistory records every emitted line into h as well
func (s *ConsoleSink) SetHistory(h *LineHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// WriteLine emits one line of child output
func (s *ConsoleSink) WriteLine(label string, line []byte) {
	s.emit(label, string(line))
}

// Diagf emits a bridge diagnostic
func (s *ConsoleSink) Diagf(format string, args ...any) {
	s.emit(DiagLabel, fmt.Sprintf(format, args...))
}

func (s *ConsoleSink) emit(label, text string) {
	text = strings.TrimRight(text, "\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "%s> %s\n", label, text)
	if s.history != nil {
		s.history.Add(label, text)
	}
}
