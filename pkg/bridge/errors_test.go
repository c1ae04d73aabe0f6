package bridge

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		is       func(error) bool
		cause    error
		message  string
	}{
		{
			name:     "spawn",
			err:      &SpawnError{Command: []string{"./otter", "/dev/ttyACM0"}, Err: os.ErrNotExist},
			sentinel: ErrSpawn,
			is:       IsSpawnError,
			cause:    os.ErrNotExist,
			message:  "spawn [./otter /dev/ttyACM0]: file does not exist",
		},
		{
			name:     "pipe open",
			err:      &PipeOpenError{Path: "./gpsloc", Err: os.ErrPermission},
			sentinel: ErrPipeOpen,
			is:       IsPipeOpenError,
			cause:    os.ErrPermission,
			message:  "open pipe ./gpsloc: permission denied",
		},
		{
			name:     "write",
			err:      &WriteError{Destination: "./pub/gps", Size: 12, Err: os.ErrClosed},
			sentinel: ErrWrite,
			is:       IsWriteError,
			cause:    os.ErrClosed,
			message:  "write 12 bytes to ./pub/gps: file already closed",
		},
		{
			name:     "child exit timeout",
			err:      &ChildExitTimeout{PID: 4242, Grace: 5 * time.Second},
			sentinel: ErrChildExitTimeout,
			is:       IsChildExitTimeout,
			message:  "process 4242 did not exit within 5s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Error())
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.True(t, tt.is(tt.err))

			wrapped := fmt.Errorf("bridge: %w", tt.err)
			assert.True(t, tt.is(wrapped))
			if tt.cause != nil {
				assert.ErrorIs(t, wrapped, tt.cause)
			}

			// Each kind matches only its own sentinel
			for _, other := range []error{ErrSpawn, ErrPipeOpen, ErrWrite, ErrChildExitTimeout} {
				if other != tt.sentinel {
					assert.False(t, errors.Is(tt.err, other), "%v matched %v", tt.err, other)
				}
			}
		})
	}
}

func TestErrorsAs(t *testing.T) {
	err := fmt.Errorf("forward: %w", &WriteError{Destination: "./pub/nav", Size: 3, Err: os.ErrNotExist})

	var werr *WriteError
	if assert.True(t, errors.As(err, &werr)) {
		assert.Equal(t, "./pub/nav", werr.Destination)
		assert.Equal(t, 3, werr.Size)
	}

	joined := errors.Join(&ChildExitTimeout{PID: 1, Grace: time.Second}, errors.New("kill failed"))
	assert.True(t, IsChildExitTimeout(joined))
	assert.False(t, IsSpawnError(joined))
}
