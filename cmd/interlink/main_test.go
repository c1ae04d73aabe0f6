package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/interlink/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")
	t.Setenv("ANOTHER_VAR", "another_value")

	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "no env vars",
			input:    []string{"./otter", "/dev/ttyACM0", "115200"},
			expected: []string{"./otter", "/dev/ttyACM0", "115200"},
		},
		{
			name:     "single env var with dollar sign",
			input:    []string{"echo", "$TEST_VAR"},
			expected: []string{"echo", "test_value"},
		},
		{
			name:     "single env var with braces",
			input:    []string{"echo", "${TEST_VAR}"},
			expected: []string{"echo", "test_value"},
		},
		{
			name:     "multiple env vars",
			input:    []string{"cmd", "$TEST_VAR", "${ANOTHER_VAR}"},
			expected: []string{"cmd", "test_value", "another_value"},
		},
		{
			name:     "env var in middle of string",
			input:    []string{"--config=/home/$TEST_VAR/otter.json"},
			expected: []string{"--config=/home/test_value/otter.json"},
		},
		{
			name:     "undefined env var expands to empty",
			input:    []string{"echo", "$UNDEFINED_INTERLINK_VAR"},
			expected: []string{"echo", ""},
		},
		{
			name:     "empty input",
			input:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestParseCLIConfig(t *testing.T) {
	tests := []struct {
		name     string
		flags    map[string]string
		cmdArgs  []string
		expected *CLIConfig
	}{
		{
			name:    "default values",
			flags:   map[string]string{},
			cmdArgs: []string{},
			expected: &CLIConfig{
				LogLevel: defaultLogLevel,
				Command:  []string{},
			},
		},
		{
			name: "otter flags",
			flags: map[string]string{
				"otter":        "./otter",
				"tty":          "/dev/ttyACM0",
				"baud":         "9600",
				"otter-config": "otter.json",
				"pipe":         "true",
			},
			cmdArgs: []string{},
			expected: &CLIConfig{
				LogLevel:    defaultLogLevel,
				Otter:       "./otter",
				TTY:         "/dev/ttyACM0",
				Baud:        9600,
				OtterConfig: "otter.json",
				Pipe:        true,
				Command:     []string{},
			},
		},
		{
			name: "tty glob and stale pipe cleanup",
			flags: map[string]string{
				"otter":       "./otter",
				"tty-glob":    "/dev/tty.usbmodem*",
				"clean-pipes": "true",
			},
			cmdArgs: []string{},
			expected: &CLIConfig{
				LogLevel:   defaultLogLevel,
				Otter:      "./otter",
				TTYGlob:    "/dev/tty.usbmodem*",
				CleanPipes: true,
				Command:    []string{},
			},
		},
		{
			name: "config, metrics and stdin",
			flags: map[string]string{
				"config":       "/path/to/interlink.yaml",
				"log-level":    "debug",
				"metrics-addr": ":9108",
				"stdin":        "true",
			},
			cmdArgs: []string{"sh", "-c", "echo hi"},
			expected: &CLIConfig{
				Config:      "/path/to/interlink.yaml",
				LogLevel:    "debug",
				MetricsAddr: ":9108",
				Stdin:       true,
				Command:     []string{"sh", "-c", "echo hi"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			for key, value := range tt.flags {
				require.NoError(t, cmd.Flags().Set(key, value))
			}

			config, err := parseCLIConfig(cmd, tt.cmdArgs)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, config)
		})
	}
}

func TestBuildBridgeConfig(t *testing.T) {
	t.Run("otter flags build the child command", func(t *testing.T) {
		config, err := buildBridgeConfig(&CLIConfig{
			LogLevel:    "info",
			Otter:       "./otter",
			TTY:         "/dev/ttyACM0",
			Baud:        defaultBaud,
			OtterConfig: "otter.json",
			Pipe:        true,
		})
		require.NoError(t, err)
		assert.Equal(t,
			[]string{"./otter", "/dev/ttyACM0", "115200", "--config=otter.json", "--pipe"},
			config.ChildCommand())
	})

	t.Run("command after separator wins", func(t *testing.T) {
		config, err := buildBridgeConfig(&CLIConfig{
			LogLevel: "info",
			Otter:    "./otter",
			Command:  []string{"echo", "hello"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"echo", "hello"}, config.ChildCommand())
	})

	t.Run("env var expansion in command", func(t *testing.T) {
		t.Setenv("INTERLINK_TEST_HOME", "/opt/otter")
		config, err := buildBridgeConfig(&CLIConfig{
			Command: []string{"$INTERLINK_TEST_HOME/otter"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"/opt/otter/otter"}, config.Command)
	})

	t.Run("metrics address enables metrics", func(t *testing.T) {
		config, err := buildBridgeConfig(&CLIConfig{
			Command:     []string{"true"},
			MetricsAddr: ":9108",
		})
		require.NoError(t, err)
		require.NotNil(t, config.Metrics)
		assert.True(t, config.Metrics.Enabled)
		assert.Equal(t, ":9108", config.Metrics.ListenAddr)
	})

	t.Run("tty glob picks the device", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"tty.usbmodem2", "tty.usbmodem1"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
		}

		config, err := buildBridgeConfig(&CLIConfig{
			Otter:      "./otter",
			TTYGlob:    filepath.Join(dir, "tty.usbmodem*"),
			CleanPipes: true,
		})
		require.NoError(t, err)
		assert.Equal(t,
			[]string{"./otter", filepath.Join(dir, "tty.usbmodem1"), "115200"},
			config.ChildCommand())
		assert.Equal(t, []string{"pub", "sub", "pipes"}, config.CleanPipeDirs)
	})

	t.Run("no command", func(t *testing.T) {
		_, err := buildBridgeConfig(&CLIConfig{LogLevel: "info"})
		assert.Error(t, err)
	})

	t.Run("non-existent config file", func(t *testing.T) {
		_, err := buildBridgeConfig(&CLIConfig{
			Config:  "/non/existent/path.yaml",
			Command: []string{"echo"},
		})
		assert.Error(t, err)
	})
}

func TestBuildBridgeConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
otter:
  app: ./otter
  tty: /dev/ttyACM0
  baud: 115200
  config: otter.json
  pipe: true
shutdown_timeout: 2s
poll_interval: 250ms
pub_topics:
  gpsloc: gps/location
routes:
  - source: nav
    destination: gps/nav
    transform: ubx_gnss_nav
`), 0o644))

	config, err := buildBridgeConfig(&CLIConfig{Config: path, TTY: "/dev/ttyUSB1"})
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 250*time.Millisecond, config.PollInterval)
	assert.Equal(t,
		[]string{"./otter", "/dev/ttyUSB1", "115200", "--config=otter.json", "--pipe"},
		config.ChildCommand())

	routes, err := config.ForwardRoutes()
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "gpsloc", routes[0].Source)
	assert.Equal(t, filepath.Join("pub", "gps", "location"), routes[0].Destination)
	assert.Equal(t, transform.UBXGNSSNav, routes[1].TransformName)
}

func TestRunWithoutMatchingTTYExitsCleanly(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"--log-level", "error",
		"--otter", "./otter",
		"--tty-glob", filepath.Join(t.TempDir(), "tty.usbmodem*"),
	})

	assert.NoError(t, cmd.Execute())
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "interlink", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	configFlag := cmd.Flags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	logLevelFlag := cmd.Flags().Lookup("log-level")
	require.NotNil(t, logLevelFlag)
	assert.Equal(t, "l", logLevelFlag.Shorthand)
	assert.Equal(t, defaultLogLevel, logLevelFlag.DefValue)

	baudFlag := cmd.Flags().Lookup("baud")
	require.NotNil(t, baudFlag)
	assert.Equal(t, "115200", baudFlag.DefValue)
}

func TestTransformsCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"transforms"})

	require.NoError(t, cmd.Execute())
	for _, name := range []string{transform.Identity, transform.Hex, transform.Lines, transform.UBXGNSSNav} {
		assert.Contains(t, out.String(), name)
	}
}
