package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// historySize is the number of recent console lines kept for /output
const historySize = 200

// State is the bridge lifecycle state
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

var allStates = []State{StateIdle, StateStarting, StateRunning, StateStopping, StateStopped}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Bridge owns one child process, drains its output streams, and relays the
// child's publish FIFOs to their destinations
type Bridge struct {
	id            string
	config        *BridgeConfig
	process       ProcessManager
	sink          Sink
	history       *LineHistory
	logger        *slog.Logger
	structuredLog *StructuredLogger
	metrics       *Metrics
	tracing       *TracingManager
	onRouteError  func(error)

	mu          sync.RWMutex
	state       State
	coordinator *ShutdownCoordinator
	routes      []Route
	startedAt   time.Time
	done        chan struct{}
	err         error
}

// NewBridge creates a new bridge instance with the given configuration
func NewBridge(config *BridgeConfig, logger *slog.Logger) *Bridge {
	if config == nil {
		config = DefaultBridgeConfig()
	}

	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	logger = logger.With("bridge_id", id)

	bridge := &Bridge{
		id:            id,
		config:        config,
		logger:        logger,
		structuredLog: NewStructuredLogger(logger),
		history:       NewLineHistory(historySize),
		done:          make(chan struct{}),
	}

	console := NewConsoleSink(nil)
	console.SetHistory(bridge.history)
	bridge.sink = console

	if config.Metrics != nil && config.Metrics.Enabled {
		bridge.metrics = NewMetrics()
		bridge.metrics.UpdateState(StateIdle)
	}

	if config.Metrics != nil && config.Metrics.Tracing != nil && config.Metrics.Tracing.Enabled {
		tracingManager, err := NewTracingManager(config.Metrics.Tracing)
		if err != nil {
			logger.Warn("Failed to initialize tracing", "error", err)
		} else {
			bridge.tracing = tracingManager
		}
	}

	return bridge
}

// ID returns the bridge's run identifier
func (b *Bridge) ID() string {
	return b.id
}

// SetProcessManager sets the process manager implementation
func (b *Bridge) SetProcessManager(pm ProcessManager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.process = pm

	if impl, ok := pm.(*DefaultProcessManager); ok {
		if b.metrics != nil {
			impl.SetMetrics(b.metrics)
		}
		if b.tracing != nil {
			impl.SetTracing(b.tracing)
		}
	}
}

// SetSink replaces the console sink. A *ConsoleSink also feeds the output
// history.
func (b *Bridge) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := s.(*ConsoleSink); ok {
		cs.SetHistory(b.history)
	}
	b.sink = s
}

// OnRouteError registers a callback for recoverable route errors. Must be
// called before Start.
func (b *Bridge) OnRouteError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRouteError = fn
}

// Metrics returns the bridge metrics, or nil when disabled
func (b *Bridge) Metrics() *Metrics {
	return b.metrics
}

// Tracing returns the tracing manager, or nil when disabled
func (b *Bridge) Tracing() *TracingManager {
	return b.tracing
}

// History returns the recent console output
func (b *Bridge) History() *LineHistory {
	return b.history
}

// State returns the current lifecycle state
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Routes returns the routes resolved at Start
func (b *Bridge) Routes() []Route {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Route, len(b.routes))
	copy(out, b.routes)
	return out
}

// Start spawns the child and its workers and returns once the bridge is
// Running. A *SpawnError or ErrNoDevice aborts startup and leaves the bridge
// Stopped.
// Cancelling ctx shuts the bridge down as an interrupt would.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateIdle {
		return fmt.Errorf("bridge is %s", b.state)
	}
	b.setStateLocked(ctx, StateStarting, "")

	routes, err := b.config.ForwardRoutes()
	if err != nil {
		b.failStartLocked(ctx, err)
		return fmt.Errorf("invalid routes: %w", err)
	}

	cfg, err := b.config.ResolveDevice()
	if err != nil {
		b.sink.Diagf("No suitable tty was found -- exiting")
		b.failStartLocked(ctx, err)
		return err
	}

	if err := cfg.CleanPipes(); err != nil {
		b.sink.Diagf("Error: %v", err)
		b.failStartLocked(ctx, err)
		return err
	}

	b.initializeComponents()

	command := cfg.ChildCommand()
	spec := ProcessSpec{
		Command: command,
		WorkDir: cfg.WorkDir,
		Env:     cfg.Env,
		Devices: cfg.DevicePaths(),
	}
	if err := b.process.Start(ctx, spec); err != nil {
		b.sink.Diagf("Error: %v", err)
		b.structuredLog.LogProcessEvent(ctx, "process_failed", commandName(command), 0, nil)
		b.failStartLocked(ctx, err)
		return err
	}
	b.structuredLog.LogProcessEvent(ctx, "process_started", commandName(command), b.process.PID(), nil)

	runCtx, cancel := context.WithCancel(ctx)
	b.coordinator = NewShutdownCoordinator(cancel, b.process, b.logger)
	b.routes = routes
	b.startedAt = time.Now()

	g, gctx := errgroup.WithContext(runCtx)

	streams := []struct {
		label string
		src   io.Reader
	}{
		{b.config.StdoutLabel, b.process.Stdout()},
		{b.config.StderrLabel, b.process.Stderr()},
	}
	for _, s := range streams {
		reader := NewStreamReader(b.sink, b.config.PollInterval, b.logger)
		reader.SetMetrics(b.metrics)
		g.Go(func() error {
			return reader.Run(gctx, s.src, s.label)
		})
	}

	mux := NewMultiplexer(b.sink, b.config.PollInterval, b.logger)
	mux.SetMetrics(b.metrics)
	mux.SetTracing(b.tracing)
	if b.onRouteError != nil {
		mux.OnError(b.onRouteError)
	}
	g.Go(func() error {
		return b.runMultiplexer(gctx, mux, routes)
	})

	b.setStateLocked(ctx, StateRunning, "")
	go b.supervise(gctx, g, command)

	return nil
}

// initializeComponents creates the default process manager if none is set.
// Caller holds b.mu.
func (b *Bridge) initializeComponents() {
	if b.process != nil {
		return
	}
	pm := NewProcessManager(b.logger)
	if b.metrics != nil {
		pm.SetMetrics(b.metrics)
	}
	if b.tracing != nil {
		pm.SetTracing(b.tracing)
	}
	b.process = pm
}

func (b *Bridge) runMultiplexer(ctx context.Context, mux *Multiplexer, routes []Route) error {
	if len(routes) == 0 {
		return nil
	}

	sources := make([]string, len(routes))
	for i, r := range routes {
		sources[i] = r.Source
	}
	if missing := NewPipeWaiter(b.logger).Wait(ctx, sources, b.config.PipeWait); len(missing) > 0 {
		b.logger.Warn("Source pipes missing after wait", "paths", missing, "waited", b.config.PipeWait)
	}
	if ctx.Err() != nil {
		return nil
	}

	err := mux.Watch(ctx, routes)
	if errors.Is(err, ErrUnsupportedPlatform) {
		b.sink.Diagf("Error: %v", err)
		b.logger.Warn("FIFO routes disabled", "error", err)
		return nil
	}
	return err
}

// supervise waits for the first shutdown cause and drives Stopping -> Stopped
func (b *Bridge) supervise(gctx context.Context, g *errgroup.Group, command []string) {
	reason := "child exited"
	select {
	case <-b.process.Done():
	case <-gctx.Done():
		reason = "workers cancelled"
	}
	b.coordinator.Trigger(reason)

	ctx := context.Background()
	b.setState(ctx, StateStopping, b.coordinator.Reason())

	var errs []error
	if err := b.process.Stop(b.config.ShutdownTimeout); err != nil {
		b.sink.Diagf("Error: %v", err)
		if IsChildExitTimeout(err) {
			if b.metrics != nil {
				b.metrics.RecordExitTimeout()
			}
			if b.config.KillOnTimeout {
				if kerr := b.process.Kill(); kerr != nil {
					err = errors.Join(err, kerr)
				} else {
					err = nil
				}
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()

	var gerr error
	select {
	case gerr = <-waitCh:
	case <-time.After(b.config.ShutdownTimeout):
		b.logger.Warn("Workers still running after grace period, releasing streams")
		b.process.CloseOutputs()
		gerr = <-waitCh
	}
	b.process.CloseOutputs()
	if gerr != nil && !errors.Is(gerr, context.Canceled) {
		errs = append(errs, gerr)
	}

	exitCode := b.process.ExitCode()
	b.structuredLog.LogProcessEvent(ctx, "process_exited", commandName(command), b.process.PID(), &exitCode)

	b.mu.Lock()
	b.err = errors.Join(errs...)
	b.setStateLocked(ctx, StateStopped, "")
	b.mu.Unlock()
	close(b.done)
}

// failStartLocked moves a failed start straight to Stopped
func (b *Bridge) failStartLocked(ctx context.Context, err error) {
	b.err = err
	b.setStateLocked(ctx, StateStopped, err.Error())
	close(b.done)
}

// Send writes data to the child's stdin. Concurrent sends are serialized.
func (b *Bridge) Send(data []byte) error {
	b.mu.RLock()
	pm := b.process
	b.mu.RUnlock()
	if pm == nil {
		return ErrNotRunning
	}
	return pm.Write(data)
}

// Interrupt begins shutdown as an external SIGINT would: run flags are
// cleared first, then the interrupt is forwarded to the child. It does not
// wait; use Wait or Stop for that.
func (b *Bridge) Interrupt(reason string) {
	b.mu.RLock()
	coord := b.coordinator
	b.mu.RUnlock()
	if coord != nil {
		coord.Trigger(reason)
	}
}

// Stop shuts the bridge down and waits until it is Stopped or ctx is done.
// Calling Stop on a stopped bridge has no effect.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateIdle:
		b.setStateLocked(ctx, StateStopped, "stopped before start")
		close(b.done)
		b.mu.Unlock()
		return nil
	case StateStopped:
		b.mu.Unlock()
		return nil
	}
	coord := b.coordinator
	b.mu.Unlock()

	if coord != nil {
		coord.Trigger("stop requested")
	}

	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the bridge is Stopped and returns its shutdown error
func (b *Bridge) Wait() error {
	<-b.done
	return b.Err()
}

// Done is closed once the bridge reaches Stopped
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that ended the bridge, if any
func (b *Bridge) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

func (b *Bridge) setState(ctx context.Context, s State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(ctx, s, reason)
}

func (b *Bridge) setStateLocked(ctx context.Context, s State, reason string) {
	from := b.state
	b.state = s
	b.structuredLog.LogStateChange(ctx, from, s, reason)
	if b.metrics != nil {
		b.metrics.UpdateState(s)
	}
}

func commandName(command []string) string {
	if len(command) == 0 {
		return ""
	}
	return command[0]
}
