// Package cmd provides the CLI commands for ProofScan.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/proofscan/proofscan/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "proofscan",
	Short: "Observability proxy and gateway for MCP connectors and A2A agents",
	Long: `ProofScan records, aggregates, and gates traffic between AI clients
and their backends.

The proxy aggregates multiple MCP connectors behind a single stdio
endpoint and records every frame into a local event store. The gateway
exposes the same connectors (and A2A agents) over HTTP with bearer
auth, rate limiting, and an audit trail.

Examples:
  # Run the aggregating proxy in the foreground
  proofscan proxy run

  # Run the HTTP gateway
  proofscan gateway run

  # One-shot tool call against a configured connector
  proofscan tools call mytools search --args '{"query":"status"}'

  # Inspect recorded sessions
  proofscan sessions list`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	baseDir  string
	logLevel string
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: proofscan.yaml in ., ~/.proofscan, /etc/proofscan)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "data directory (default: ~/.proofscan)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// dataDir resolves the data directory: --dir flag, or ~/.proofscan. The
// directory is created on first use; the event store, secrets file,
// runtime state, control socket, and snapshots all live under it.
func dataDir() (string, error) {
	dir := baseDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".proofscan")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// dbPath resolves the event store location: config override or the
// default under the data directory.
func dbPath(cfg *config.Config, dir string) string {
	if cfg.Proxy.DBPath != "" {
		return cfg.Proxy.DBPath
	}
	return filepath.Join(dir, "events.db")
}

// newLogger builds the stderr logger. stdout is reserved for command
// output, and for the MCP stream in proxy stdio mode. The --log-level
// flag wins over the configured level.
func newLogger(configured string) *slog.Logger {
	level := configured
	if logLevel != "" {
		level = logLevel
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// discardLogger is used by read-only commands that inspect files other
// processes own; their internal debug logging is noise here.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// effectiveLogLevel is the level string published into runtime state.
func effectiveLogLevel(configured string) string {
	if logLevel != "" {
		return strings.ToLower(logLevel)
	}
	if configured == "" {
		return "info"
	}
	return strings.ToLower(configured)
}
