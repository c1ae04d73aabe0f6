package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// killWait bounds how long Kill waits for the process to be reaped
const killWait = 5 * time.Second

// ProcessSpec describes the child to spawn
type ProcessSpec struct {
	// Command is the executable followed by its arguments
	Command []string

	// WorkDir is the working directory for the child process
	WorkDir string

	// Env is appended to the bridge's own environment
	Env []string

	// Devices are paths that must exist before spawning (serial ttys)
	Devices []string
}

// DefaultProcessManager implements the ProcessManager interface
type DefaultProcessManager struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *os.File
	stderr   *os.File
	done     chan struct{}
	exitCode int
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *Metrics
	tracing  *TracingManager
	running  bool
	started  bool
	command  []string

	stopSignal  os.Signal
	interrupted atomic.Bool
	writeMu     sync.Mutex
}

// NewProcessManager creates a new process manager instance
func NewProcessManager(logger *slog.Logger) *DefaultProcessManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultProcessManager{
		logger:     logger.With("component", "process"),
		exitCode:   -1,
		done:       make(chan struct{}),
		stopSignal: os.Interrupt,
	}
}

// SetMetrics sets the metrics instance for recording process metrics
func (pm *DefaultProcessManager) SetMetrics(metrics *Metrics) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.metrics = metrics
}

// SetTracing sets the tracing manager for trace propagation
func (pm *DefaultProcessManager) SetTracing(tracing *TracingManager) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.tracing = tracing
}

// SetStopSignal overrides the signal Interrupt and Stop deliver (default SIGINT)
func (pm *DefaultProcessManager) SetStopSignal(sig os.Signal) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.stopSignal = sig
}

// Start spawns the child process. Any failure is a *SpawnError.
func (pm *DefaultProcessManager) Start(ctx context.Context, spec ProcessSpec) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.started {
		return fmt.Errorf("process already started")
	}

	if len(spec.Command) == 0 {
		return &SpawnError{Err: errors.New("command cannot be empty")}
	}

	spawnErr := func(err error) error {
		if pm.metrics != nil {
			pm.metrics.RecordSpawnFailure()
		}
		return &SpawnError{Command: spec.Command, Err: err}
	}

	if err := checkExecutable(spec.Command[0], spec.WorkDir); err != nil {
		return spawnErr(err)
	}
	for _, dev := range spec.Devices {
		if _, err := os.Stat(dev); err != nil {
			return spawnErr(fmt.Errorf("device %s: %w", dev, err))
		}
	}

	// exec.CommandContext would SIGKILL the child on cancellation; shutdown
	// delivers the stop signal through Interrupt instead.
	pm.cmd = exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.WorkDir != "" {
		pm.cmd.Dir = spec.WorkDir
	}

	processEnv := os.Environ()
	if len(spec.Env) > 0 {
		processEnv = append(processEnv, spec.Env...)
	}
	if pm.tracing != nil {
		processEnv = pm.tracing.InjectProcessEnv(ctx, processEnv)
	}
	pm.cmd.Env = processEnv

	var err error
	pm.stdin, err = pm.cmd.StdinPipe()
	if err != nil {
		return spawnErr(fmt.Errorf("failed to create stdin pipe: %w", err))
	}

	// Own the read ends so cmd.Wait cannot close them under a reader
	var stdoutW, stderrW *os.File
	pm.stdout, stdoutW, err = os.Pipe()
	if err != nil {
		pm.stdin.Close()
		return spawnErr(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	pm.stderr, stderrW, err = os.Pipe()
	if err != nil {
		pm.stdin.Close()
		pm.stdout.Close()
		stdoutW.Close()
		return spawnErr(fmt.Errorf("failed to create stderr pipe: %w", err))
	}
	pm.cmd.Stdout = stdoutW
	pm.cmd.Stderr = stderrW

	err = pm.cmd.Start()
	// The child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		pm.stdin.Close()
		pm.stdout.Close()
		pm.stderr.Close()
		return spawnErr(fmt.Errorf("failed to start process: %w", err))
	}

	pm.started = true
	pm.running = true
	pm.command = spec.Command
	pm.logger.Info("Process started", "pid", pm.cmd.Process.Pid, "command", spec.Command)

	if pm.metrics != nil {
		pm.metrics.UpdateProcessStatus(spec.Command[0], true)
	}

	go pm.monitorProcess()

	return nil
}

// checkExecutable resolves the executable the way exec.Command will. Paths
// relative to a separate working directory are left to cmd.Start.
func checkExecutable(name, workDir string) error {
	if workDir != "" && !filepath.IsAbs(name) && strings.ContainsRune(name, filepath.Separator) {
		return nil
	}
	_, err := exec.LookPath(name)
	return err
}

// Write sends data to the child process's stdin. The write happens outside
// pm.mu so Stop can close stdin and unblock a writer stuck on a full pipe.
func (pm *DefaultProcessManager) Write(data []byte) error {
	pm.mu.RLock()
	running := pm.running
	stdin := pm.stdin
	pm.mu.RUnlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}

	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()

	if _, err := stdin.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("failed to write to stdin: %w", ErrNotRunning)
		}
		pm.logger.Error("Failed to write to process stdin", "error", err)
		return fmt.Errorf("failed to write to stdin: %w", err)
	}

	return nil
}

// Stdout returns the read end of the child's standard output
func (pm *DefaultProcessManager) Stdout() io.Reader {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stdout
}

// Stderr returns the read end of the child's standard error
func (pm *DefaultProcessManager) Stderr() io.Reader {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stderr
}

// Interrupt delivers the stop signal to the child. Only the first call
// signals; later calls are no-ops.
func (pm *DefaultProcessManager) Interrupt() error {
	pm.mu.RLock()
	running := pm.running
	cmd := pm.cmd
	sig := pm.stopSignal
	pm.mu.RUnlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	if !pm.interrupted.CompareAndSwap(false, true) {
		return nil
	}

	pm.logger.Info("Signaling process", "pid", cmd.Process.Pid, "signal", sig.String())
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		pm.logger.Warn("Failed to signal process", "error", err)
		return fmt.Errorf("failed to signal process: %w", err)
	}
	return nil
}

// Stop signals the child (unless Interrupt already did) and waits up to
// grace for it to exit. A child that outlives grace yields *ChildExitTimeout;
// the process is left running so the caller can escalate with Kill.
func (pm *DefaultProcessManager) Stop(grace time.Duration) error {
	pm.mu.Lock()
	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.mu.Unlock()
		return nil // Already stopped
	}

	pid := pm.cmd.Process.Pid
	pm.logger.Info("Stopping process", "pid", pid, "grace", grace)

	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	pm.mu.Unlock()

	if err := pm.Interrupt(); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-pm.done:
		return nil
	case <-timer.C:
		pm.logger.Warn("Process did not exit within grace period", "pid", pid, "grace", grace)
		return &ChildExitTimeout{PID: pid, Grace: grace}
	}
}

// Kill forcefully terminates the child and waits for it to be reaped
func (pm *DefaultProcessManager) Kill() error {
	pm.mu.RLock()
	running := pm.running
	cmd := pm.cmd
	pm.mu.RUnlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	pm.logger.Warn("Killing process", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		pm.logger.Error("Failed to kill process", "error", err)
		return fmt.Errorf("failed to kill process: %w", err)
	}

	select {
	case <-pm.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process did not exit after kill signal")
	}
}

// CloseOutputs closes the read ends of stdout and stderr, unblocking any
// reader still waiting on them
func (pm *DefaultProcessManager) CloseOutputs() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.stdout != nil {
		pm.stdout.Close()
	}
	if pm.stderr != nil {
		pm.stderr.Close()
	}
}

// Done is closed once the child's exit status has been collected
func (pm *DefaultProcessManager) Done() <-chan struct{} {
	return pm.done
}

// IsRunning returns true if the child process is currently running
func (pm *DefaultProcessManager) IsRunning() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.running
}

// ExitCode returns the exit code of the process (only valid after process exits)
func (pm *DefaultProcessManager) ExitCode() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.exitCode
}

// PID returns the child's process ID, or 0 before Start
func (pm *DefaultProcessManager) PID() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.cmd == nil || pm.cmd.Process == nil {
		return 0
	}
	return pm.cmd.Process.Pid
}

// monitorProcess is the only caller of cmd.Wait
func (pm *DefaultProcessManager) monitorProcess() {
	err := pm.cmd.Wait()
	pm.handleProcessExit(err)
}

// handleProcessExit records the exit status and releases stdin
func (pm *DefaultProcessManager) handleProcessExit(err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.running = false

	if pm.cmd != nil && pm.cmd.ProcessState != nil {
		pm.exitCode = pm.cmd.ProcessState.ExitCode()
	}

	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	if pm.metrics != nil && len(pm.command) > 0 {
		pm.metrics.UpdateProcessStatus(pm.command[0], false)
		pm.metrics.RecordProcessExit(pm.exitCode)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		pm.logger.Info("Process exited normally", "exit_code", pm.exitCode)
	case errors.As(err, &exitErr):
		pm.logger.Info("Process exited", "exit_code", pm.exitCode, "state", exitErr.ProcessState.String())
	default:
		pm.logger.Error("Process exited with error", "error", err, "exit_code", pm.exitCode)
	}

	close(pm.done)
}
