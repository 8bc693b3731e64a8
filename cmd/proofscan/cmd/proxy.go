package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/proofscan/proofscan/internal/adapter/inbound/ipc"
	stdiosrv "github.com/proofscan/proofscan/internal/adapter/inbound/stdio"
	"github.com/proofscan/proofscan/internal/adapter/outbound/secret"
	"github.com/proofscan/proofscan/internal/adapter/outbound/state"
	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/recorder"
	"github.com/proofscan/proofscan/internal/service"
	"github.com/proofscan/proofscan/internal/version"
)

const (
	stateFileName   = "runtime_state.json"
	secretsFileName = "secrets.json"
	proxyLogName    = "proxy.log"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the aggregating MCP proxy",
}

var proxyRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy in the foreground",
	Long: `Run the aggregating proxy in the foreground.

The proxy speaks MCP on stdin/stdout, multiplexing every configured
connector behind prefixed tool names. All traffic is recorded into the
event store, and a control socket under the data directory answers
status, reload, and stop commands.

Examples:
  # Foreground proxy, stdio endpoint on this terminal
  proofscan proxy run

  # Headless proxy: control socket and connectors only
  proofscan proxy run --no-stdio`,
	RunE: runProxyRun,
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy in the background",
	Long: `Start a headless proxy as a background process.

The child runs "proofscan proxy run --no-stdio" with output appended to
proxy.log in the data directory. Use "proofscan proxy status" to check
on it and "proofscan proxy stop" to shut it down.`,
	RunE: runProxyStart,
}

var proxyStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running proxy",
	RunE:  runProxyStop,
}

var proxyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running proxy's status",
	RunE:  runProxyStatus,
}

var proxyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the proxy configuration",
	Long: `Ask the running proxy to re-read its configuration.

Connectors whose definitions changed are restarted, removed connectors
are shut down, and new connectors are started. In-flight requests on
unchanged connectors are not interrupted.`,
	RunE: runProxyReload,
}

var noStdio bool

func init() {
	proxyRunCmd.Flags().BoolVar(&noStdio, "no-stdio", false, "serve only the control socket, without the stdio MCP endpoint")
	proxyCmd.AddCommand(proxyRunCmd, proxyStartCmd, proxyStopCmd, proxyStatusCmd, proxyReloadCmd)
	rootCmd.AddCommand(proxyCmd)
}

func runProxyRun(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}

	mgr := config.NewManager(config.Load, 0)
	cfg, err := mgr.Get()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Proxy.LogLevel)
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}
	if _, err := config.SaveSnapshot(dir, cfg); err != nil {
		logger.Warn("failed to snapshot config", "error", err)
	}

	// stop() restores default signal handling so a second Ctrl+C is an
	// immediate exit.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(dbPath(cfg, dir), logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() { _ = st.Close() }()

	secrets := secret.NewStore(filepath.Join(dir, secretsFileName), logger)
	factory := service.NewClientFactory(secrets, logger)

	sup := service.NewConnectorSupervisor(cfg, factory, st, logger)
	sup.Start(runCtx)
	defer sup.Close()

	agg := service.NewAggregator(sup, cfg.Proxy.ToolSeparator, logger)
	if err := agg.StartRecording(st, recorder.Options{
		Retention:  recorder.Retention(cfg.Proxy.Retention),
		MaxPayload: cfg.Proxy.MaxPayloadBytes,
		Logger:     logger,
	}); err != nil {
		return fmt.Errorf("open proxy session: %w", err)
	}
	defer agg.StopRecording(session.ExitNormal)

	healthy := 0
	health := sup.Health()
	for _, h := range health {
		if h.Healthy {
			healthy++
		}
	}
	logger.Info("proofscan proxy starting",
		"version", version.Version,
		"connectors", len(health),
		"healthy", healthy,
		"dir", dir,
	)

	ipcSrv := ipc.NewServer(dir, ipc.Handlers{
		Status: func(context.Context) (any, error) {
			return proxyStatusPayload(sup, agg), nil
		},
		Reload: func(ctx context.Context) (any, error) {
			mgr.Invalidate()
			next, err := mgr.Get()
			if err != nil {
				return nil, err
			}
			result, err := sup.Reload(ctx, next)
			if err != nil {
				return nil, err
			}
			if _, err := config.SaveSnapshot(dir, next); err != nil {
				logger.Warn("failed to snapshot config", "error", err)
			}
			return result, nil
		},
		Stop: func(context.Context) (any, error) {
			// Cancel asynchronously so the reply reaches the client
			// before the socket goes away.
			go cancel()
			return map[string]string{"state": "stopping"}, nil
		},
	}, logger)
	if err := ipcSrv.Start(); err != nil {
		return err
	}
	defer func() { _ = ipcSrv.Close() }()

	interval, err := time.ParseDuration(cfg.Proxy.HeartbeatInterval)
	if err != nil {
		interval = 5 * time.Second
		logger.Warn("invalid heartbeat_interval, using default",
			"value", cfg.Proxy.HeartbeatInterval, "default", "5s")
	}
	fs := state.NewFileStore(filepath.Join(dir, stateFileName), logger)
	pub := service.NewStatePublisher(fs, sup, agg, proxyMode(), effectiveLogLevel(cfg.Proxy.LogLevel), interval, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pub.Run(runCtx)
	}()

	if noStdio {
		<-runCtx.Done()
	} else {
		// The stdio reader blocks on stdin, so a signal or an IPC stop
		// must not wait for it; the read goroutine dies with the process.
		srvErr := make(chan error, 1)
		go func() {
			srv := stdiosrv.NewServer(agg, logger)
			srvErr <- srv.Start(runCtx)
		}()
		select {
		case err := <-srvErr:
			if err != nil && runCtx.Err() == nil {
				cancel()
				wg.Wait()
				return err
			}
		case <-runCtx.Done():
		}
	}

	cancel()
	wg.Wait()
	logger.Info("proofscan proxy stopped")
	return nil
}

func proxyMode() string {
	if noStdio {
		return "headless"
	}
	return "stdio"
}

// proxyStatusPayload is the data block of a successful status reply.
func proxyStatusPayload(sup *service.ConnectorSupervisor, agg *service.Aggregator) map[string]any {
	connectors := sup.Health()
	clients := agg.Clients()
	return map[string]any{
		"pid":        os.Getpid(),
		"state":      "running",
		"version":    version.Version,
		"connectors": connectors,
		"clients":    clients,
	}
}

func runProxyStart(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}

	// A live proxy already owns the control socket.
	if _, err := ipc.Send(dir, "status", 2*time.Second); err == nil {
		return fmt.Errorf("a proxy is already running (socket %s)", ipc.SocketPath(dir))
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := []string{"proxy", "run", "--no-stdio", "--dir", dir}
	if cfgFile != "" {
		childArgs = append(childArgs, "--config", cfgFile)
	}
	if logLevel != "" {
		childArgs = append(childArgs, "--log-level", logLevel)
	}

	logPath := filepath.Join(dir, proxyLogName)
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open proxy log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(self, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	if err := child.Start(); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		return fmt.Errorf("release proxy process: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Proxy started (PID %d), logging to %s\n", pid, logPath)
	return nil
}

func runProxyStop(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}

	if _, err := ipc.Send(dir, "stop", 5*time.Second); err == nil {
		fmt.Fprintln(os.Stderr, "Stop requested, waiting for shutdown...")
		if waitForProxyExit(dir, 10*time.Second) {
			fmt.Fprintln(os.Stderr, "Proxy stopped.")
			return nil
		}
		return fmt.Errorf("proxy did not stop within 10s; check %s", filepath.Join(dir, proxyLogName))
	}

	// No control socket: fall back to the published pid.
	fs := state.NewFileStore(filepath.Join(dir, stateFileName), discardLogger())
	st, err := fs.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no running proxy found under %s", dir)
	}
	proc, err := os.FindProcess(st.Proxy.PID)
	if err != nil || !processIsAlive(proc) {
		_ = fs.Remove()
		return fmt.Errorf("proxy process %d is not running (stale state removed)", st.Proxy.PID)
	}
	fmt.Fprintf(os.Stderr, "Stopping proxy (PID %d)...\n", st.Proxy.PID)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("stop proxy: %w", err)
	}
	if waitForProxyExit(dir, 10*time.Second) {
		fmt.Fprintln(os.Stderr, "Proxy stopped.")
		return nil
	}
	fmt.Fprintln(os.Stderr, "Proxy did not stop gracefully, killing...")
	_ = proc.Kill()
	_ = fs.Remove()
	return nil
}

// waitForProxyExit polls until the runtime state file disappears or its
// pid is no longer running.
func waitForProxyExit(dir string, timeout time.Duration) bool {
	fs := state.NewFileStore(filepath.Join(dir, stateFileName), discardLogger())
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := fs.Load()
		if err != nil || st == nil {
			return true
		}
		if proc, err := os.FindProcess(st.Proxy.PID); err != nil || !processIsAlive(proc) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func runProxyStatus(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}

	if data, err := ipc.Send(dir, "status", 5*time.Second); err == nil {
		return printJSON(data)
	}

	// The proxy is not answering; report from the state file.
	fs := state.NewFileStore(filepath.Join(dir, stateFileName), discardLogger())
	st, err := fs.Load()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Println("proxy: not running")
		return nil
	}
	alive := st.IsAlive(pidRunning, state.DefaultStaleness)
	if !alive {
		fmt.Printf("proxy: not running (stale state file, last heartbeat %s)\n",
			st.Proxy.Heartbeat.Format(time.RFC3339))
		return nil
	}
	fmt.Printf("proxy: %s (PID %d, unresponsive control socket)\n", st.Proxy.State, st.Proxy.PID)
	return nil
}

func runProxyReload(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}
	data, err := ipc.Send(dir, "reload", 30*time.Second)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return printJSON(data)
}

// pidRunning adapts the platform process check to a bare pid.
func pidRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return processIsAlive(proc)
}

// printJSON pretty-prints a raw JSON payload to stdout.
func printJSON(data json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Println(string(data))
		return nil
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
