package bridge

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scrape renders the metrics registry in the Prometheus text format
func scrape(t testing.TB, metrics *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer is a goroutine-safe log destination for asserting on records
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferedLogger() (*slog.Logger, *logBuffer) {
	logs := &logBuffer{}
	return slog.New(slog.NewTextHandler(logs, nil)), logs
}

// exitRecords counts how many times the child's exit status was collected
func exitRecords(logs *logBuffer) int {
	return strings.Count(logs.String(), `msg="Process exited`)
}

func requireCommand(t testing.TB, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

// recordingSink collects console output for assertions
type recordingSink struct {
	mu    sync.Mutex
	lines []string
	diags []string
}

func (s *recordingSink) WriteLine(label string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, label+"> "+string(line))
}

func (s *recordingSink) Diagf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diags = append(s.diags, fmt.Sprintf(format, args...))
}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *recordingSink) Diags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.diags...)
}

func (s *recordingSink) hasLine(want string) bool {
	for _, l := range s.Lines() {
		if l == want {
			return true
		}
	}
	return false
}

func (s *recordingSink) hasDiag(substr string) bool {
	for _, d := range s.Diags() {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}

// errorRecorder collects route errors reported from the multiplexer goroutine
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

const (
	eventually = 3 * time.Second
	tick       = 10 * time.Millisecond
)
