package cmd

import (
	"github.com/spf13/cobra"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/service"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Refresh agent cards for configured A2A targets",
	Long: `Fetch agent cards for the configured A2A agent targets.

Cards are cached in the event store with a per-target TTL. Only missing
or expired cards are refetched unless --force is given. Fetch failures
are reported per agent and do not abort the scan.`,
	RunE: runScan,
}

var scanForce bool

func init() {
	scanCmd.Flags().BoolVar(&scanForce, "force", false, "refresh every card regardless of expiry")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Proxy.LogLevel)
	st, err := store.Open(dbPath(cfg, dir), logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	cards := service.NewCardService(st, logger)
	result := cards.Scan(cmd.Context(), cfg, scanForce)
	return printValue(result)
}
