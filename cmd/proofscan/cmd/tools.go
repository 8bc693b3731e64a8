package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/proofscan/proofscan/internal/adapter/outbound/secret"
	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/domain/target"
	"github.com/proofscan/proofscan/internal/recorder"
	"github.com/proofscan/proofscan/internal/service"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "One-shot tool operations against a configured target",
	Long: `Run one-shot tool operations against a configured target.

Each invocation opens a fresh session, performs the operation, and
closes the session. The session id is printed to stderr so the recorded
trace can be found with "proofscan sessions show".`,
}

var toolsListCmd = &cobra.Command{
	Use:   "list <target>",
	Short: "List a target's tools",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsList,
}

var toolsGetCmd = &cobra.Command{
	Use:   "get <target> <tool>",
	Short: "Show one tool's definition",
	Args:  cobra.ExactArgs(2),
	RunE:  runToolsGet,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <target> <tool>",
	Short: "Call a tool",
	Long: `Call a tool on a configured target.

Arguments are passed as a JSON object via --args. Unless --no-validate
is set, arguments are checked against the tool's input schema before
the call is sent.

Examples:
  proofscan tools call mytools search --args '{"query":"status"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runToolsCall,
}

var (
	toolArgs   string
	noValidate bool
)

func init() {
	toolsCallCmd.Flags().StringVar(&toolArgs, "args", "{}", "tool arguments as a JSON object")
	toolsCallCmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip client-side schema validation of arguments")
	toolsCmd.AddCommand(toolsListCmd, toolsGetCmd, toolsCallCmd)
	rootCmd.AddCommand(toolsCmd)
}

// toolEnv bundles what every tools subcommand needs: the resolved
// target and a ToolAdapter over an open store.
type toolEnv struct {
	target  *target.Target
	adapter *service.ToolAdapter
	store   *store.Store
}

func (e *toolEnv) close() {
	_ = e.store.Close()
}

func newToolEnv(targetID string) (*toolEnv, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	t := cfg.Target(targetID)
	if t == nil {
		return nil, fmt.Errorf("unknown target %q", targetID)
	}

	logger := newLogger(cfg.Proxy.LogLevel)
	st, err := store.Open(dbPath(cfg, dir), logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	secrets := secret.NewStore(filepath.Join(dir, secretsFileName), logger)
	factory := service.NewClientFactory(secrets, logger)
	adapter := service.NewToolAdapter(factory, st,
		recorder.Retention(cfg.Proxy.Retention), cfg.Proxy.MaxPayloadBytes, logger)

	return &toolEnv{target: t, adapter: adapter, store: st}, nil
}

func runToolsList(cmd *cobra.Command, args []string) error {
	env, err := newToolEnv(args[0])
	if err != nil {
		return err
	}
	defer env.close()

	tools, sessionID, err := env.adapter.ListTools(cmd.Context(), env.target)
	reportSession(sessionID)
	if err != nil {
		return err
	}
	return printValue(tools)
}

func runToolsGet(cmd *cobra.Command, args []string) error {
	env, err := newToolEnv(args[0])
	if err != nil {
		return err
	}
	defer env.close()

	tool, sessionID, err := env.adapter.GetTool(cmd.Context(), env.target, args[1])
	reportSession(sessionID)
	if err != nil {
		return err
	}
	return printValue(tool)
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	var callArgs map[string]any
	if err := json.Unmarshal([]byte(toolArgs), &callArgs); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	env, err := newToolEnv(args[0])
	if err != nil {
		return err
	}
	defer env.close()

	result, sessionID, err := env.adapter.CallTool(cmd.Context(), env.target, args[1], callArgs, !noValidate)
	reportSession(sessionID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// reportSession prints the recorded session id to stderr. It is printed
// even on failure so the trace of a failed call can be inspected.
func reportSession(sessionID string) {
	if sessionID != "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	}
}

// printValue pretty-prints any value as JSON to stdout.
func printValue(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
