package bridge

import (
	"context"
	"log/slog"
	"sync"
)

// ShutdownCoordinator owns the workers' cancellation and the child process.
// Trigger is the single entry point for shutdown, whether it comes from a
// signal, an explicit Stop or the child exiting on its own.
type ShutdownCoordinator struct {
	cancel  context.CancelFunc
	process ProcessManager
	logger  *slog.Logger

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewShutdownCoordinator creates a coordinator for the workers behind cancel
func NewShutdownCoordinator(cancel context.CancelFunc, process ProcessManager, logger *slog.Logger) *ShutdownCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{
		cancel:  cancel,
		process: process,
		logger:  logger.With("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Trigger clears every worker's run flag, then forwards the interrupt to the
// child. Only the first call has an effect.
func (sc *ShutdownCoordinator) Trigger(reason string) {
	sc.once.Do(func() {
		sc.mu.Lock()
		sc.reason = reason
		sc.mu.Unlock()

		sc.logger.Info("Shutdown triggered", "reason", reason)
		sc.cancel()

		if sc.process != nil {
			if err := sc.process.Interrupt(); err != nil {
				sc.logger.Warn("Failed to forward interrupt", "error", err)
			}
		}
		close(sc.done)
	})
}

// Triggered is closed once Trigger has run
func (sc *ShutdownCoordinator) Triggered() <-chan struct{} {
	return sc.done
}

// Reason returns the reason passed to the first Trigger call
func (sc *ShutdownCoordinator) Reason() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.reason
}
