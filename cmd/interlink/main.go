// Package main is the entry point for the interlink binary.
// It runs otter as a child process and relays its output streams and
// publish pipes.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/interlink/pkg/bridge"
	"github.com/polisai/interlink/pkg/logging"
	"github.com/polisai/interlink/pkg/transform"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"
	defaultBaud     = 115200
)

// staleFIFODirs are the FIFO trees otter recreates on startup
var staleFIFODirs = []string{"pub", "sub", "pipes"}

// CLIConfig holds the parsed CLI configuration
type CLIConfig struct {
	Config      string
	LogLevel    string
	Otter       string
	TTY         string
	TTYGlob     string
	Baud        int
	OtterConfig string
	Pipe        bool
	MetricsAddr string
	Stdin       bool
	CleanPipes  bool
	Command     []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for interlink
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "interlink",
		Short: "Process I/O bridge for otter",
		Long: `Runs otter as a child process, relays its stdout and stderr to the console
and forwards payloads written to its publish pipes to ./pub/ destinations.

Examples:
  interlink --otter ./otter --tty /dev/ttyACM0 --otter-config otter.json --pipe
  interlink --otter ./otter --tty-glob '/dev/tty.usbmodem*' --clean-pipes --pipe
  interlink -c interlink.yaml
  interlink -- ./otter /dev/ttyACM0 115200 --config=otter.json --pipe`,
		RunE:         runBridge,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("otter", "", "Path to the otter executable")
	rootCmd.Flags().String("tty", "", "Serial device passed to otter")
	rootCmd.Flags().String("tty-glob", "", "Pick the first serial device matching this pattern when --tty is not set")
	rootCmd.Flags().Int("baud", defaultBaud, "Serial baud rate passed to otter")
	rootCmd.Flags().String("otter-config", "", "Config file passed to otter as --config=")
	rootCmd.Flags().Bool("pipe", false, "Start otter in pipe mode")
	rootCmd.Flags().String("metrics-addr", "", "Serve /metrics, /health and /output on this address")
	rootCmd.Flags().Bool("stdin", false, "Relay standard input lines to the child")
	rootCmd.Flags().Bool("clean-pipes", false, "Remove stale pub, sub and pipes FIFO directories before starting")

	rootCmd.AddCommand(newTransformsCmd())

	return rootCmd
}

// newTransformsCmd lists the registered transform names
func newTransformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transforms",
		Short: "List available route transforms",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range transform.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

// parseCLIConfig parses command line arguments and returns a CLIConfig
func parseCLIConfig(cmd *cobra.Command, args []string) (*CLIConfig, error) {
	flags := cmd.Flags()
	cfg := &CLIConfig{Command: args}

	var err error
	if cfg.Config, err = flags.GetString("config"); err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if cfg.Otter, err = flags.GetString("otter"); err != nil {
		return nil, fmt.Errorf("failed to get otter flag: %w", err)
	}
	if cfg.TTY, err = flags.GetString("tty"); err != nil {
		return nil, fmt.Errorf("failed to get tty flag: %w", err)
	}
	if cfg.TTYGlob, err = flags.GetString("tty-glob"); err != nil {
		return nil, fmt.Errorf("failed to get tty-glob flag: %w", err)
	}
	// Baud stays zero unless given so a config file value is not overridden
	if flags.Changed("baud") {
		if cfg.Baud, err = flags.GetInt("baud"); err != nil {
			return nil, fmt.Errorf("failed to get baud flag: %w", err)
		}
	}
	if cfg.OtterConfig, err = flags.GetString("otter-config"); err != nil {
		return nil, fmt.Errorf("failed to get otter-config flag: %w", err)
	}
	if cfg.Pipe, err = flags.GetBool("pipe"); err != nil {
		return nil, fmt.Errorf("failed to get pipe flag: %w", err)
	}
	if cfg.MetricsAddr, err = flags.GetString("metrics-addr"); err != nil {
		return nil, fmt.Errorf("failed to get metrics-addr flag: %w", err)
	}
	if cfg.Stdin, err = flags.GetBool("stdin"); err != nil {
		return nil, fmt.Errorf("failed to get stdin flag: %w", err)
	}
	if cfg.CleanPipes, err = flags.GetBool("clean-pipes"); err != nil {
		return nil, fmt.Errorf("failed to get clean-pipes flag: %w", err)
	}

	return cfg, nil
}

// expandEnvVars expands environment variables in command arguments
// Supports both $VAR and ${VAR} syntax
func expandEnvVars(args []string) []string {
	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = os.ExpandEnv(arg)
	}
	return expanded
}

// loadConfigFile loads bridge configuration from a YAML file
func loadConfigFile(path string) (*bridge.BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := bridge.DefaultBridgeConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// buildBridgeConfig builds the final bridge configuration from CLI args and config file
func buildBridgeConfig(cliConfig *CLIConfig) (*bridge.BridgeConfig, error) {
	var config *bridge.BridgeConfig

	if cliConfig.Config != "" {
		var err error
		config, err = loadConfigFile(cliConfig.Config)
		if err != nil {
			return nil, err
		}
	} else {
		config = bridge.DefaultBridgeConfig()
	}

	// Otter flags override the file's otter section field by field
	if cliConfig.Otter != "" || cliConfig.TTY != "" || cliConfig.TTYGlob != "" ||
		cliConfig.Baud > 0 || cliConfig.OtterConfig != "" || cliConfig.Pipe {
		if config.Otter == nil {
			config.Otter = &bridge.OtterConfig{Baud: defaultBaud}
		}
		if cliConfig.Otter != "" {
			config.Otter.App = cliConfig.Otter
		}
		if cliConfig.TTY != "" {
			config.Otter.TTY = cliConfig.TTY
		}
		if cliConfig.TTYGlob != "" {
			config.Otter.TTYGlob = cliConfig.TTYGlob
		}
		if cliConfig.Baud > 0 {
			config.Otter.Baud = cliConfig.Baud
		}
		if cliConfig.OtterConfig != "" {
			config.Otter.Config = cliConfig.OtterConfig
		}
		if cliConfig.Pipe {
			config.Otter.Pipe = true
		}
	}

	if cliConfig.CleanPipes {
		config.CleanPipeDirs = staleFIFODirs
	}

	if cliConfig.MetricsAddr != "" {
		if config.Metrics == nil {
			config.Metrics = &bridge.MetricsConfig{Enabled: true, Path: "/metrics"}
		}
		config.Metrics.Enabled = true
		config.Metrics.ListenAddr = cliConfig.MetricsAddr
	}

	// Command from CLI takes precedence
	if len(cliConfig.Command) > 0 {
		config.Command = expandEnvVars(cliConfig.Command)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// runBridge is the main entry point for the bridge command
func runBridge(cmd *cobra.Command, args []string) error {
	cliConfig, err := parseCLIConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cliConfig.LogLevel,
		Pretty: true,
	})
	slog.SetDefault(logger)

	bridgeConfig, err := buildBridgeConfig(cliConfig)
	if err != nil {
		logger.Error("Failed to build configuration", "error", err)
		return err
	}

	logger.Info("Starting interlink",
		"command", bridgeConfig.ChildCommand(),
		"log_level", cliConfig.LogLevel,
	)

	b := bridge.NewBridge(bridgeConfig, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		if errors.Is(err, bridge.ErrNoDevice) {
			logger.Info("Nothing to bridge", "reason", err)
			return nil
		}
		return err
	}

	// Signals go through the bridge's shutdown coordinator: run flags are
	// cleared before the child sees SIGINT.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig.String())
			b.Interrupt("signal " + sig.String())
		case <-b.Done():
		}
	}()

	if bridgeConfig.Metrics != nil && bridgeConfig.Metrics.Enabled && bridgeConfig.Metrics.ListenAddr != "" {
		go func() {
			if err := b.ServeStatus(ctx, bridgeConfig.Metrics.ListenAddr); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
	}

	if cliConfig.Stdin {
		go relayStdin(b, logger)
	}

	err = b.Wait()
	cancel()

	if tm := b.Tracing(); tm != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if terr := tm.Shutdown(shutdownCtx); terr != nil {
			logger.Warn("Failed to flush traces", "error", terr)
		}
	}

	if err != nil {
		if bridge.IsChildExitTimeout(err) {
			logger.Error("Child did not exit in time", "error", err)
		}
		return err
	}

	logger.Info("Bridge stopped")
	return nil
}

// relayStdin forwards standard input to the child line by line
func relayStdin(b *bridge.Bridge, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if err := b.Send(line); err != nil {
			if !errors.Is(err, bridge.ErrNotRunning) {
				logger.Warn("Failed to relay stdin", "error", err)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Stdin read failed", "error", err)
	}
}
