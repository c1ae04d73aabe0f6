package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HealthStatus is the /health response body
type HealthStatus struct {
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	BridgeID  string         `json:"bridge_id"`
	State     string         `json:"state"`
	PID       int            `json:"pid,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Uptime    string         `json:"uptime,omitempty"`
	Routes    []RouteStatus  `json:"routes"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// RouteStatus describes one configured route
type RouteStatus struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Transform   string `json:"transform"`
}

// Health returns a snapshot of the bridge for the status endpoint
func (b *Bridge) Health() *HealthStatus {
	b.mu.RLock()
	state := b.state
	pm := b.process
	startedAt := b.startedAt
	routes := b.routes
	b.mu.RUnlock()

	hs := &HealthStatus{
		Status:    "unhealthy",
		BridgeID:  b.id,
		State:     state.String(),
		Routes:    make([]RouteStatus, 0, len(routes)),
		Timestamp: time.Now(),
	}
	for _, r := range routes {
		hs.Routes = append(hs.Routes, RouteStatus{
			Source:      r.Source,
			Destination: r.Destination,
			Transform:   r.TransformName,
		})
	}

	switch {
	case pm == nil || state != StateRunning:
		hs.Reason = "bridge is " + state.String()
	case !pm.IsRunning():
		hs.Reason = "child process is not running"
	default:
		hs.Status = "healthy"
	}

	if pm != nil {
		hs.PID = pm.PID()
		if !pm.IsRunning() && state >= StateStopping {
			code := pm.ExitCode()
			hs.ExitCode = &code
		}
	}
	if !startedAt.IsZero() {
		hs.Uptime = time.Since(startedAt).Truncate(time.Second).String()
	}
	if err := b.Err(); err != nil {
		hs.Details = map[string]any{"error": err.Error()}
	}

	return hs
}

// StatusHandler serves /health, /output and the metrics endpoint
func (b *Bridge) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/output", b.handleOutput)

	var handler http.Handler = mux
	if b.metrics != nil {
		path := "/metrics"
		if b.config.Metrics != nil && b.config.Metrics.Path != "" {
			path = b.config.Metrics.Path
		}
		mux.Handle(path, b.metrics.Handler())
		handler = b.metrics.MetricsMiddleware(handler)
	}

	return otelhttp.NewHandler(handler, "interlink.status")
}

// ServeStatus runs the status server on addr until ctx is cancelled
func (b *Bridge) ServeStatus(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           b.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("Starting status server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hs := b.Health()
	w.Header().Set("Content-Type", "application/json")
	if hs.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(hs); err != nil {
		b.logger.Error("Failed to encode health response", "error", err)
	}
}

// handleOutput returns recent console lines. ?since=N returns only lines
// with a larger sequence number.
func (b *Bridge) handleOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lines := b.history.Snapshot()
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		lines = b.history.Since(seq)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(lines); err != nil {
		b.logger.Error("Failed to encode output response", "error", err)
	}
}
