package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Multiplexer watches a set of source FIFOs with one readiness-wait and
// forwards every payload to its route's destination
type Multiplexer struct {
	sink         Sink
	logger       *slog.Logger
	structured   *StructuredLogger
	metrics      *Metrics
	tracing      *TracingManager
	pollInterval time.Duration
	onError      func(error)
}

// NewMultiplexer creates a multiplexer reporting to sink
func NewMultiplexer(sink Sink, pollInterval time.Duration, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	logger = logger.With("component", "multiplexer")
	return &Multiplexer{
		sink:         sink,
		logger:       logger,
		structured:   NewStructuredLogger(logger),
		pollInterval: pollInterval,
	}
}

// SetMetrics sets the metrics instance for route counters
func (m *Multiplexer) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// SetTracing sets the tracing manager for forward spans
func (m *Multiplexer) SetTracing(tracing *TracingManager) {
	m.tracing = tracing
}

// OnError registers a callback for recoverable route errors
// (*PipeOpenError, *WriteError). It runs on the multiplexer goroutine.
func (m *Multiplexer) OnError(fn func(error)) {
	m.onError = fn
}

// Watch opens every route's source and forwards traffic until ctx is
// cancelled. A source that fails to open is reported and skipped for the
// lifetime of the call; the remaining routes keep running.
func (m *Multiplexer) Watch(ctx context.Context, routes []Route) error {
	poller, err := newFIFOPoller()
	if err != nil {
		return err
	}
	defer poller.close()

	active := make([]Route, 0, len(routes))
	for _, r := range routes {
		if _, err := poller.add(r.Source); err != nil {
			m.report(ctx, r, &PipeOpenError{Path: r.Source, Err: err})
			m.sink.Diagf("otter pub %q won't open", r.Source)
			continue
		}
		m.sink.Diagf("otter pub %q opened", r.Source)
		m.structured.LogRouteEvent(ctx, "route_opened", r.Source, r.Destination, 0, nil)
		active = append(active, r)
	}

	if len(active) == 0 {
		m.logger.Warn("No routes could be opened", "configured", len(routes))
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		ready, err := poller.wait(m.pollInterval)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		idleHangup := len(ready) > 0
		for _, i := range ready {
			payload, hup, err := poller.drain(i)
			if len(payload) > 0 {
				idleHangup = false
			}
			if !m.consume(ctx, active[i], payload, err) {
				poller.retire(i)
				continue
			}
			if hup {
				if err := poller.reopen(i); err != nil {
					m.report(ctx, active[i], &PipeOpenError{Path: active[i].Source, Err: err})
					m.sink.Diagf("otter pub %q won't reopen", active[i].Source)
				}
			} else {
				idleHangup = false
			}
		}

		if poller.live() == 0 {
			m.logger.Warn("All routes retired")
			return nil
		}

		// Some platforms keep reporting hang-up on a FIFO without writers;
		// back off instead of spinning.
		if idleHangup {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.pollInterval / 4):
			}
		}
	}
}

// consume forwards whatever a drain returned, then reports a read error.
// It returns false when the route must be retired.
func (m *Multiplexer) consume(ctx context.Context, r Route, payload []byte, readErr error) bool {
	if len(payload) > 0 {
		m.forward(ctx, r, payload)
	}
	if readErr != nil {
		m.logger.Error("Read failed, retiring route", "source", r.Source, "error", readErr)
		m.report(ctx, r, &PipeOpenError{Path: r.Source, Err: readErr})
		return false
	}
	return true
}

// forward runs the route's transform and writes the result
func (m *Multiplexer) forward(ctx context.Context, r Route, payload []byte) {
	start := time.Now()

	if m.tracing != nil {
		var span trace.Span
		ctx, span = m.tracing.StartSpan(ctx, "interlink.forward",
			attribute.String("route.source", r.Source),
			attribute.String("route.destination", r.Destination),
			attribute.String("route.transform", r.TransformName),
			attribute.Int("payload.bytes", len(payload)),
		)
		defer span.End()
	}

	out, ok := m.apply(r, payload)
	if !ok || len(out) == 0 {
		m.logger.Debug("Payload suppressed", "source", r.Source, "bytes", len(payload))
		if m.metrics != nil {
			m.metrics.RecordSuppressed(r.Source)
		}
		return
	}

	m.sink.Diagf("pub %d bytes to %s", len(out), r.Destination)
	if err := writeDestination(r.Destination, out, m.pollInterval); err != nil {
		werr := &WriteError{Destination: r.Destination, Size: len(out), Err: err}
		m.sink.Diagf("Error: %v", werr)
		m.report(ctx, r, werr)
		return
	}

	duration := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordForward(r.Source, len(out), duration)
	}
	m.structured.LogRouteEvent(ctx, "payload_forwarded", r.Source, r.Destination, len(out), nil)
}

// apply runs the transform, treating a panic as suppression
func (m *Multiplexer) apply(r Route, payload []byte) (out []byte, ok bool) {
	if r.Transform == nil {
		return payload, true
	}
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Transform panicked", "source", r.Source, "transform", r.TransformName, "panic", rec)
			out, ok = nil, false
		}
	}()
	return r.Transform(r.Source, payload)
}

// report logs, counts and publishes a recoverable route error
func (m *Multiplexer) report(ctx context.Context, r Route, err error) {
	m.structured.LogRouteEvent(ctx, "route_error", r.Source, r.Destination, 0, err)

	if m.metrics != nil {
		switch {
		case IsPipeOpenError(err):
			m.metrics.RecordPipeOpenError(r.Source)
		case IsWriteError(err):
			m.metrics.RecordWriteError(r.Source)
		}
	}
	if m.tracing != nil {
		m.tracing.RecordError(ctx, err)
		m.tracing.SetSpanStatus(ctx, codes.Error, err.Error())
	}
	if m.onError != nil {
		m.onError(err)
	}
}

// writeDestination delivers payload in a single open-write-close cycle
func writeDestination(path string, payload []byte, timeout time.Duration) error {
	f, err := openDestination(path)
	if err != nil {
		return err
	}
	// Bounds a write into a FIFO whose reader stopped draining
	_ = f.SetWriteDeadline(time.Now().Add(timeout))

	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
