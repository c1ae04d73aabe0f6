package bridge

import (
	"sync"
	"time"
)

// OutputLine is one line of child output kept for diagnostics
type OutputLine struct {
	Sequence  uint64    `json:"sequence"`
	Label     string    `json:"label"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LineHistory is a thread-safe fixed-size circular buffer of recent output
// lines with oldest-first eviction
type LineHistory struct {
	lines    []OutputLine
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int
	capacity int
	seq      uint64
	mu       sync.RWMutex
}

// NewLineHistory creates a history holding at most capacity lines
func NewLineHistory(capacity int) *LineHistory {
	if capacity <= 0 {
		capacity = 100
	}
	return &LineHistory{
		lines:    make([]OutputLine, capacity),
		capacity: capacity,
	}
}

// Add appends a line, evicting the oldest when full. Returns true if a line
// was evicted.
func (h *LineHistory) Add(label, text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	h.lines[h.tail] = OutputLine{
		Sequence:  h.seq,
		Label:     label,
		Text:      text,
		Timestamp: time.Now(),
	}
	h.tail = (h.tail + 1) % h.capacity

	if h.size < h.capacity {
		h.size++
		return false
	}
	h.head = (h.head + 1) % h.capacity
	return true
}

// Snapshot returns the buffered lines from oldest to newest
func (h *LineHistory) Snapshot() []OutputLine {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]OutputLine, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.lines[(h.head+i)%h.capacity])
	}
	return out
}

// Since returns buffered lines with a sequence greater than seq
func (h *LineHistory) Since(seq uint64) []OutputLine {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]OutputLine, 0)
	for i := 0; i < h.size; i++ {
		l := h.lines[(h.head+i)%h.capacity]
		if l.Sequence > seq {
			out = append(out, l)
		}
	}
	return out
}

// Size returns the current number of buffered lines
func (h *LineHistory) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity returns the maximum number of buffered lines
func (h *LineHistory) Capacity() int {
	return h.capacity
}
