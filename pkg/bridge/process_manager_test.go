package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestProcessManagerSpawnError(t *testing.T) {
	tests := []struct {
		name string
		spec ProcessSpec
	}{
		{
			name: "empty command",
			spec: ProcessSpec{},
		},
		{
			name: "missing executable",
			spec: ProcessSpec{Command: []string{"interlink-no-such-binary-xyz"}},
		},
		{
			name: "missing device",
			spec: ProcessSpec{
				Command: []string{"sh", "-c", "true"},
				Devices: []string{filepath.Join(t.TempDir(), "ttyACM9")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := NewProcessManager(quietLogger())
			metrics := NewMetrics()
			pm.SetMetrics(metrics)

			err := pm.Start(context.Background(), tt.spec)
			require.Error(t, err)
			assert.True(t, IsSpawnError(err))
			assert.ErrorIs(t, err, ErrSpawn)
			assert.False(t, pm.IsRunning())
			assert.Equal(t, 0, pm.PID())
		})
	}
}

func TestProcessManagerWriteBeforeStart(t *testing.T) {
	pm := NewProcessManager(quietLogger())
	assert.ErrorIs(t, pm.Write([]byte("x\n")), ErrNotRunning)
	assert.NoError(t, pm.Stop(time.Second))
	assert.NoError(t, pm.Interrupt())
}

func TestProcessManagerEcho(t *testing.T) {
	requireCommand(t, "cat")

	logger, logs := bufferedLogger()
	pm := NewProcessManager(logger)
	require.NoError(t, pm.Start(context.Background(), ProcessSpec{Command: []string{"cat"}}))
	t.Cleanup(func() { _ = pm.Kill() })

	assert.True(t, pm.IsRunning())
	assert.Positive(t, pm.PID())

	require.NoError(t, pm.Write([]byte("hello otter\n")))

	line, err := bufio.NewReader(pm.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello otter\n", line)

	require.NoError(t, pm.Stop(2*time.Second))
	assert.False(t, pm.IsRunning())
	assert.Equal(t, 1, exitRecords(logs))

	// Output pipes stay open after exit; the remaining stream reads EOF
	_, err = io.ReadAll(pm.Stdout())
	assert.NoError(t, err)
}

func TestProcessManagerStopIsIdempotent(t *testing.T) {
	requireCommand(t, "sleep")

	logger, logs := bufferedLogger()
	pm := NewProcessManager(logger)
	require.NoError(t, pm.Start(context.Background(), ProcessSpec{Command: []string{"sleep", "30"}}))

	require.NoError(t, pm.Stop(2*time.Second))
	require.NoError(t, pm.Stop(2*time.Second))
	assert.NoError(t, pm.Kill())

	select {
	case <-pm.Done():
	default:
		t.Fatal("done not closed after stop")
	}
	assert.Equal(t, 1, exitRecords(logs))
	assert.ErrorIs(t, pm.Write([]byte("late\n")), ErrNotRunning)
}

func TestProcessManagerInterruptDeliveredOnce(t *testing.T) {
	requireCommand(t, "sh")

	pm := NewProcessManager(quietLogger())
	script := `trap 'echo interrupted; exit 3' INT; echo ready; while :; do sleep 0.05; done`
	require.NoError(t, pm.Start(context.Background(), ProcessSpec{Command: []string{"sh", "-c", script}}))
	t.Cleanup(func() { _ = pm.Kill() })

	out := bufio.NewReader(pm.Stdout())
	ready, err := out.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", ready)

	require.NoError(t, pm.Interrupt())
	require.NoError(t, pm.Interrupt())

	select {
	case <-pm.Done():
	case <-time.After(eventually):
		t.Fatal("child did not exit after interrupt")
	}

	rest, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(rest), "interrupted"))
	assert.Equal(t, 3, pm.ExitCode())
}

func TestProcessManagerStopSignal(t *testing.T) {
	requireCommand(t, "sh")

	pm := NewProcessManager(quietLogger())
	pm.SetStopSignal(syscall.SIGTERM)
	script := `trap 'exit 5' TERM; trap '' INT; echo ready; while :; do sleep 0.05; done`
	require.NoError(t, pm.Start(context.Background(), ProcessSpec{Command: []string{"sh", "-c", script}}))
	t.Cleanup(func() { _ = pm.Kill() })

	ready, err := bufio.NewReader(pm.Stdout()).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", ready)

	require.NoError(t, pm.Stop(2*time.Second))
	assert.Equal(t, 5, pm.ExitCode())
}

func TestProcessManagerChildExitTimeout(t *testing.T) {
	requireCommand(t, "sh")
	requireCommand(t, "sleep")

	logger, logs := bufferedLogger()
	pm := NewProcessManager(logger)
	script := `trap '' INT; echo ready; exec sleep 30`
	require.NoError(t, pm.Start(context.Background(), ProcessSpec{Command: []string{"sh", "-c", script}}))
	t.Cleanup(func() { _ = pm.Kill() })

	_, err := bufio.NewReader(pm.Stdout()).ReadString('\n')
	require.NoError(t, err)

	err = pm.Stop(200 * time.Millisecond)
	require.Error(t, err)

	var timeout *ChildExitTimeout
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, pm.PID(), timeout.PID)
	assert.Equal(t, 200*time.Millisecond, timeout.Grace)
	assert.ErrorIs(t, err, ErrChildExitTimeout)
	assert.True(t, pm.IsRunning())

	require.NoError(t, pm.Kill())
	assert.False(t, pm.IsRunning())
	assert.Equal(t, 1, exitRecords(logs))
}

func TestProcessManagerStopWithBlockedWrite(t *testing.T) {
	requireCommand(t, "sh")
	requireCommand(t, "sleep")

	pm := NewProcessManager(quietLogger())
	// The child never reads stdin, so a large write fills the pipe and blocks
	script := `trap '' INT; echo ready; exec sleep 30`
	require.NoError(t, pm.Start(context.Background(), ProcessSpec{Command: []string{"sh", "-c", script}}))
	t.Cleanup(func() { _ = pm.Kill() })

	_, err := bufio.NewReader(pm.Stdout()).ReadString('\n')
	require.NoError(t, err)

	writeErr := make(chan error, 1)
	go func() { writeErr <- pm.Write(make([]byte, 1<<20)) }()

	select {
	case err := <-writeErr:
		t.Fatalf("write of 1 MiB to a non-reading child returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	stopErr := make(chan error, 1)
	go func() { stopErr <- pm.Stop(300 * time.Millisecond) }()

	select {
	case err := <-stopErr:
		assert.True(t, IsChildExitTimeout(err), "got %v", err)
	case <-time.After(eventually):
		t.Fatal("Stop did not return while a stdin write was blocked")
	}

	select {
	case err := <-writeErr:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(eventually):
		t.Fatal("blocked write not released by Stop")
	}

	require.NoError(t, pm.Kill())
	assert.False(t, pm.IsRunning())
}

func TestProcessManagerInjectsTraceContext(t *testing.T) {
	requireCommand(t, "sh")

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tm := newTracingManager(tp, propagation.TraceContext{})

	ctx, span := tm.StartSpan(context.Background(), "spawn")
	defer span.End()

	pm := NewProcessManager(quietLogger())
	pm.SetTracing(tm)
	require.NoError(t, pm.Start(ctx, ProcessSpec{
		Command: []string{"sh", "-c", `echo "$TRACEPARENT"; echo "$OTTER_MODE"`},
		Env:     []string{"OTTER_MODE=pipe"},
	}))
	t.Cleanup(func() { _ = pm.Kill() })

	out, err := io.ReadAll(pm.Stdout())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], span.SpanContext().TraceID().String())
	assert.Equal(t, "pipe", lines[1])

	extracted := propagation.TraceContext{}.Extract(context.Background(),
		propagation.MapCarrier{"traceparent": lines[0]})
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}
