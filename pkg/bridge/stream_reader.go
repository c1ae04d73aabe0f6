package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

const (
	// readChunkSize is the size of a single read from a child stream
	readChunkSize = 4096

	// maxLineLength caps a line held in the assembler; longer runs are
	// emitted as-is
	maxLineLength = 64 * 1024
)

// deadliner is implemented by *os.File for pollable descriptors
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// lineAssembler turns a byte stream into lines. It keeps the partial tail
// between writes so line assembly is independent of how bytes arrive.
type lineAssembler struct {
	buf  []byte
	emit func(line []byte)
}

// Write consumes a chunk and emits every completed line without its
// terminator ("\n" or "\r\n")
func (a *lineAssembler) Write(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			a.buf = append(a.buf, p...)
			if len(a.buf) >= maxLineLength {
				a.Flush()
			}
			return
		}
		a.buf = append(a.buf, p[:i]...)
		a.emitBuffered()
		p = p[i+1:]
	}
}

// Flush emits a pending partial line, if any
func (a *lineAssembler) Flush() {
	if len(a.buf) > 0 {
		a.emitBuffered()
	}
}

func (a *lineAssembler) emitBuffered() {
	line := bytes.TrimSuffix(a.buf, []byte{'\r'})
	out := make([]byte, len(line))
	copy(out, line)
	a.buf = a.buf[:0]
	a.emit(out)
}

// StreamReader drains one child output stream into a sink
type StreamReader struct {
	sink         Sink
	logger       *slog.Logger
	metrics      *Metrics
	pollInterval time.Duration
}

// NewStreamReader creates a reader that emits lines to sink. pollInterval
// bounds each read so cancellation is seen promptly.
func NewStreamReader(sink Sink, pollInterval time.Duration, logger *slog.Logger) *StreamReader {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &StreamReader{
		sink:         sink,
		logger:       logger.With("component", "reader"),
		pollInterval: pollInterval,
	}
}

// SetMetrics sets the metrics instance for counting lines
func (sr *StreamReader) SetMetrics(metrics *Metrics) {
	sr.metrics = metrics
}

// Run reads r until EOF or until ctx is cancelled and no data is pending.
// Every complete line is written to the sink tagged with label. A stream that
// keeps producing after cancellation is drained for at most one more poll
// interval.
//
// When r supports read deadlines each read waits at most the poll
// interval; otherwise Run relies on r being closed to return.
func (sr *StreamReader) Run(ctx context.Context, r io.Reader, label string) error {
	if r == nil {
		return fmt.Errorf("%s: no stream to read", label)
	}

	lines := &lineAssembler{emit: func(line []byte) {
		sr.sink.WriteLine(label, line)
		if sr.metrics != nil {
			sr.metrics.RecordLine(label)
		}
	}}
	defer lines.Flush()

	dl, bounded := r.(deadliner)
	buf := make([]byte, readChunkSize)
	var drainUntil time.Time

	for {
		if bounded {
			if err := dl.SetReadDeadline(time.Now().Add(sr.pollInterval)); err != nil {
				// Not pollable (os.ErrNoDeadline); fall back to blocking reads
				bounded = false
			}
		}

		n, err := r.Read(buf)
		if n > 0 {
			lines.Write(buf[:n])
		}
		if err == nil {
			if ctx.Err() == nil {
				continue
			}
			if drainUntil.IsZero() {
				drainUntil = time.Now().Add(sr.pollInterval)
			} else if time.Now().After(drainUntil) {
				sr.logger.Debug("Stream reader cancelled while stream still active", "label", label)
				return nil
			}
			continue
		}

		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			if ctx.Err() != nil {
				sr.logger.Debug("Stream reader cancelled", "label", label)
				return nil
			}
		case errors.Is(err, io.EOF):
			sr.logger.Debug("Stream closed", "label", label)
			return nil
		case errors.Is(err, os.ErrClosed):
			sr.logger.Debug("Stream released", "label", label)
			return nil
		default:
			sr.logger.Error("Error reading stream", "label", label, "error", err)
			return fmt.Errorf("read %s: %w", label, err)
		}
	}
}
