package bridge

import (
	"context"
	"io"
	"time"

	"github.com/polisai/interlink/pkg/transform"
)

// ProcessManager handles child process lifecycle and communication
type ProcessManager interface {
	// Start spawns the child process described by spec
	Start(ctx context.Context, spec ProcessSpec) error

	// Write sends data to the child process's stdin
	Write(data []byte) error

	// Stdout and Stderr return the child's output streams
	Stdout() io.Reader
	Stderr() io.Reader

	// Interrupt forwards the stop signal to the child once
	Interrupt() error

	// Stop signals the child and waits up to grace for it to exit
	Stop(grace time.Duration) error

	// Kill forcefully terminates the child
	Kill() error

	// CloseOutputs releases the stdout/stderr read ends
	CloseOutputs()

	// Done is closed after the exit status has been collected
	Done() <-chan struct{}

	// IsRunning returns true if the child process is currently running
	IsRunning() bool

	// ExitCode returns the exit code of the process (only valid after process exits)
	ExitCode() int

	// PID returns the child's process ID
	PID() int
}

// Sink receives labelled console output
type Sink interface {
	// WriteLine emits one line of child output as "<label>> <line>"
	WriteLine(label string, line []byte)

	// Diagf emits a bridge diagnostic as "interlink> <message>"
	Diagf(format string, args ...any)
}

// Route maps one source pipe to one destination plus a transform
type Route struct {
	Source        string
	Destination   string
	TransformName string
	Transform     transform.Func
}
