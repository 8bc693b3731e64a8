package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/proofscan/proofscan/internal/adapter/inbound/gateway"
	"github.com/proofscan/proofscan/internal/adapter/outbound/secret"
	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/service"
	"github.com/proofscan/proofscan/internal/version"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Manage the HTTP gateway",
}

var gatewayRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP gateway in the foreground",
	Long: `Run the HTTP gateway in the foreground.

The gateway exposes configured connectors on POST /mcp/v1/message and
A2A agents on POST /a2a/v1/message, with bearer authentication, rate
limiting, and an audit trail in the event store. /healthz and /metrics
are served on the same listener.

Examples:
  # Serve on the configured address (default 127.0.0.1:8091)
  proofscan gateway run

  # Emit request traces to stderr
  proofscan gateway run --trace-stdout`,
	RunE: runGatewayRun,
}

var traceStdout bool

func init() {
	gatewayRunCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "write request trace spans to stderr")
	gatewayCmd.AddCommand(gatewayRunCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func runGatewayRun(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Proxy.LogLevel)
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	// The gateway stamps span trace ids into audit rows, so a real
	// provider is installed even without an exporter.
	var tpOpts []sdktrace.TracerProviderOption
	if traceStdout {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(os.Stderr),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace provider shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(dbPath(cfg, dir), logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() { _ = st.Close() }()

	secrets := secret.NewStore(filepath.Join(dir, secretsFileName), logger)
	factory := service.NewClientFactory(secrets, logger)

	sup := service.NewConnectorSupervisor(cfg, factory, st, logger)
	sup.Start(ctx)
	defer sup.Close()

	logger.Info("proofscan gateway starting",
		"version", version.Version,
		"addr", cfg.Gateway.Addr,
		"auth_mode", cfg.Gateway.AuthMode,
		"connectors", len(sup.IDs()),
	)

	srv := gateway.New(cfg, sup, st, secrets, logger)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("proofscan gateway stopped")
	return nil
}
