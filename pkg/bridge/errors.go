package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the bridge error taxonomy
var (
	// ErrSpawn indicates the child process could not be started
	ErrSpawn = errors.New("spawn failed")

	// ErrPipeOpen indicates a configured source FIFO could not be opened
	ErrPipeOpen = errors.New("pipe open failed")

	// ErrWrite indicates a destination could not be written at forward time
	ErrWrite = errors.New("write failed")

	// ErrChildExitTimeout indicates the child did not exit within its grace period
	ErrChildExitTimeout = errors.New("child did not exit in time")

	// ErrNotRunning indicates an operation that needs a live child was called without one
	ErrNotRunning = errors.New("process is not running")

	// ErrNoDevice indicates otter.tty_glob matched no serial device
	ErrNoDevice = errors.New("no suitable tty was found")

	// ErrUnsupportedPlatform indicates FIFO multiplexing is unavailable on this OS
	ErrUnsupportedPlatform = errors.New("fifo multiplexing is not supported on this platform")
)

// SpawnError is returned when the executable or a device path it needs is unavailable
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %v: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

// PipeOpenError is returned when a route's source pipe cannot be opened
type PipeOpenError struct {
	Path string
	Err  error
}

func (e *PipeOpenError) Error() string {
	return fmt.Sprintf("open pipe %s: %v", e.Path, e.Err)
}

func (e *PipeOpenError) Unwrap() error { return e.Err }

func (e *PipeOpenError) Is(target error) bool {
	return target == ErrPipeOpen
}

// WriteError is returned when a transformed payload cannot be delivered
type WriteError struct {
	Destination string
	Size        int
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %d bytes to %s: %v", e.Size, e.Destination, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool {
	return target == ErrWrite
}

// ChildExitTimeout reports a child that outlived its grace period after being signaled
type ChildExitTimeout struct {
	PID   int
	Grace time.Duration
}

func (e *ChildExitTimeout) Error() string {
	return fmt.Sprintf("process %d did not exit within %s", e.PID, e.Grace)
}

func (e *ChildExitTimeout) Is(target error) bool {
	return target == ErrChildExitTimeout
}

// IsSpawnError checks if the error indicates the child could not be started
func IsSpawnError(err error) bool {
	return errors.Is(err, ErrSpawn)
}

// IsPipeOpenError checks if the error indicates a source pipe could not be opened
func IsPipeOpenError(err error) bool {
	return errors.Is(err, ErrPipeOpen)
}

// IsWriteError checks if the error indicates a destination write failed
func IsWriteError(err error) bool {
	return errors.Is(err, ErrWrite)
}

// IsChildExitTimeout checks if the error indicates the child outlived its grace period
func IsChildExitTimeout(err error) bool {
	return errors.Is(err, ErrChildExitTimeout)
}
