package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/interlink/pkg/transform"
)

// BridgeConfig holds the configuration for the process I/O bridge
type BridgeConfig struct {
	// Command is the command and arguments to execute. When empty the command
	// is built from the Otter section.
	Command []string `yaml:"command" json:"command"`

	// Otter describes the device-control binary invocation
	Otter *OtterConfig `yaml:"otter,omitempty" json:"otter,omitempty"`

	// WorkDir is the working directory for the child process
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Env contains environment variables for the child process
	Env []string `yaml:"env" json:"env"`

	// ShutdownTimeout is the grace period between SIGINT and giving up on the child
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// KillOnTimeout escalates to SIGKILL when the grace period expires
	KillOnTimeout bool `yaml:"kill_on_timeout" json:"kill_on_timeout"`

	// PollInterval bounds every blocking wait in the readers and the multiplexer
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// PipeWait is how long to wait for source pipes to appear before opening them
	PipeWait time.Duration `yaml:"pipe_wait" json:"pipe_wait"`

	// BaseDir is the directory source pipe names are resolved against
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// PubDir is the directory destination topic names are resolved against
	PubDir string `yaml:"pub_dir" json:"pub_dir"`

	// CleanPipeDirs are removed, relative to BaseDir, before the child starts.
	// A FIFO left open by a crashed run can block reads on the next one.
	CleanPipeDirs []string `yaml:"clean_pipe_dirs" json:"clean_pipe_dirs"`

	// Routes lists explicit source -> destination mappings
	Routes []RouteConfig `yaml:"routes" json:"routes"`

	// PubTopics maps source pipe names to topic names, as otter's pub table does.
	// Entries expand to routes under BaseDir and PubDir.
	PubTopics map[string]string `yaml:"pub_topics" json:"pub_topics"`

	// DefaultTransform applies to routes that do not name one
	DefaultTransform string `yaml:"default_transform" json:"default_transform"`

	// Labels for the child's output streams on the console
	StdoutLabel string `yaml:"stdout_label" json:"stdout_label"`
	StderrLabel string `yaml:"stderr_label" json:"stderr_label"`

	// Metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// OtterConfig holds the fields of an otter invocation:
// <app> <tty> <baud> --config=<path> [--pipe]
type OtterConfig struct {
	// App is the path of the otter executable
	App string `yaml:"app" json:"app"`

	// TTY is the serial device otter talks to
	TTY string `yaml:"tty" json:"tty"`

	// TTYGlob picks the first matching device when TTY is empty
	// (e.g. "/dev/tty.usbmodem*")
	TTYGlob string `yaml:"tty_glob" json:"tty_glob"`

	// Baud is the serial baud rate
	Baud int `yaml:"baud" json:"baud"`

	// Config is passed through as --config=<path>
	Config string `yaml:"config" json:"config"`

	// Pipe switches otter into pipe-oriented mode
	Pipe bool `yaml:"pipe" json:"pipe"`
}

// RouteConfig is the YAML form of a forward route
type RouteConfig struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	Transform   string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// MetricsConfig holds metrics and observability configuration
type MetricsConfig struct {
	// Enabled determines if metrics collection is active
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ListenAddr serves /metrics and /health when set (e.g. ":9108")
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Path is the HTTP path for metrics endpoint (default: /metrics)
	Path string `yaml:"path" json:"path"`

	// Tracing configuration
	Tracing *TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	// Enabled determines if tracing is active
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Endpoint is the OTLP trace endpoint
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// ServiceName is the service name for traces
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// DefaultBridgeConfig returns a configuration with sensible defaults
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Command:          []string{},
		Env:              []string{},
		ShutdownTimeout:  5 * time.Second,
		PollInterval:     time.Second,
		PipeWait:         3 * time.Second,
		BaseDir:          "./",
		PubDir:           "./pub/",
		DefaultTransform: transform.Identity,
		StdoutLabel:      "otter-out",
		StderrLabel:      "otter-err",
		Metrics: &MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Tracing: &TracingConfig{
				Enabled:     false,
				ServiceName: "interlink",
			},
		},
	}
}

// Device returns the serial device: TTY when set, otherwise the first path
// matching TTYGlob, otherwise "".
func (o *OtterConfig) Device() string {
	if o.TTY != "" || o.TTYGlob == "" {
		return o.TTY
	}
	matches, err := filepath.Glob(o.TTYGlob)
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

// ResolveDevice returns a copy of c with the otter device pinned, so the
// command line and the device check see the same path. ErrNoDevice is
// returned when TTYGlob matches nothing.
func (c *BridgeConfig) ResolveDevice() (*BridgeConfig, error) {
	if len(c.Command) > 0 || c.Otter == nil || c.Otter.TTY != "" || c.Otter.TTYGlob == "" {
		return c, nil
	}
	dev := c.Otter.Device()
	if dev == "" {
		return nil, fmt.Errorf("%w: nothing matches %s", ErrNoDevice, c.Otter.TTYGlob)
	}

	resolved := *c
	otter := *c.Otter
	otter.TTY = dev
	resolved.Otter = &otter
	return &resolved, nil
}

// CleanPipes removes CleanPipeDirs. Entries that would remove BaseDir itself
// or escape it are rejected.
func (c *BridgeConfig) CleanPipes() error {
	base := filepath.Clean(c.BaseDir)
	for _, d := range c.CleanPipeDirs {
		dir := filepath.Clean(c.resolve(c.BaseDir, d))
		rel, err := filepath.Rel(base, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("clean_pipe_dirs: %q is not inside %s", d, c.BaseDir)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clean_pipe_dirs: %w", err)
		}
	}
	return nil
}

// ChildCommand returns the command line for the child process. An explicit
// Command wins over the Otter section.
func (c *BridgeConfig) ChildCommand() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	if c.Otter == nil || c.Otter.App == "" {
		return nil
	}

	cmd := []string{c.Otter.App}
	if dev := c.Otter.Device(); dev != "" {
		cmd = append(cmd, dev)
	}
	if c.Otter.Baud > 0 {
		cmd = append(cmd, strconv.Itoa(c.Otter.Baud))
	}
	if c.Otter.Config != "" {
		cmd = append(cmd, "--config="+c.Otter.Config)
	}
	if c.Otter.Pipe {
		cmd = append(cmd, "--pipe")
	}
	return cmd
}

// DevicePaths returns filesystem paths that must exist for the child to start
func (c *BridgeConfig) DevicePaths() []string {
	if len(c.Command) > 0 || c.Otter == nil {
		return nil
	}
	if dev := c.Otter.Device(); dev != "" {
		return []string{dev}
	}
	return nil
}

// ForwardRoutes expands PubTopics and Routes into resolved routes. PubTopics
// entries come first, sorted by source name so the order is stable.
func (c *BridgeConfig) ForwardRoutes() ([]Route, error) {
	routes := make([]Route, 0, len(c.PubTopics)+len(c.Routes))

	sources := make([]string, 0, len(c.PubTopics))
	for src := range c.PubTopics {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		r, err := c.newRoute(
			filepath.Join(c.BaseDir, src),
			filepath.Join(c.PubDir, c.PubTopics[src]),
			"",
		)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}

	for _, rc := range c.Routes {
		if rc.Source == "" || rc.Destination == "" {
			return nil, fmt.Errorf("route requires source and destination: %+v", rc)
		}
		r, err := c.newRoute(c.resolve(c.BaseDir, rc.Source), c.resolve(c.PubDir, rc.Destination), rc.Transform)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}

	return routes, nil
}

func (c *BridgeConfig) newRoute(src, dst, name string) (Route, error) {
	if name == "" {
		name = c.DefaultTransform
	}
	fn, err := transform.Lookup(name)
	if err != nil {
		return Route{}, fmt.Errorf("route %s: %w", src, err)
	}
	return Route{Source: src, Destination: dst, TransformName: name, Transform: fn}, nil
}

func (c *BridgeConfig) resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate checks the configuration for errors
func (c *BridgeConfig) Validate() error {
	if len(c.ChildCommand()) == 0 {
		return fmt.Errorf("no command configured: set command or otter.app")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.PollInterval <= 0 || c.PollInterval > time.Second {
		return fmt.Errorf("poll_interval must be in (0, 1s], got %s", c.PollInterval)
	}
	if c.PipeWait < 0 {
		return fmt.Errorf("pipe_wait must not be negative")
	}
	if c.Otter != nil && c.Otter.TTYGlob != "" {
		if _, err := filepath.Match(c.Otter.TTYGlob, ""); err != nil {
			return fmt.Errorf("otter.tty_glob: %w", err)
		}
	}
	if _, err := c.ForwardRoutes(); err != nil {
		return err
	}
	return nil
}
