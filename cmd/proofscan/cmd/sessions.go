package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/domain/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded sessions in the event store",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's RPC calls and event summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var (
	sessionsTarget string
	sessionsLimit  int
)

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsTarget, "target", "", "only sessions for this target")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openStoreReadOnly opens the event store for the read commands.
func openStoreReadOnly() (*store.Store, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(dbPath(cfg, dir), discardLogger())
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	st, err := openStoreReadOnly()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var sessions []*session.Session
	if sessionsTarget != "" {
		sessions, err = st.SessionsByTarget(sessionsTarget, sessionsLimit)
	} else {
		sessions, err = st.RecentSessions(sessionsLimit)
	}
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTARGET\tSTARTED\tENDED\tEXIT")
	for _, s := range sessions {
		ended, exit := "-", "-"
		if s.EndedAt != nil {
			ended = s.EndedAt.Format(time.RFC3339)
			exit = string(s.ExitReason)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.TargetID, s.StartedAt.Format(time.RFC3339), ended, exit)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	st, err := openStoreReadOnly()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	s, err := st.Session(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("session %s\n", s.ID)
	fmt.Printf("  target:   %s\n", s.TargetID)
	fmt.Printf("  started:  %s\n", s.StartedAt.Format(time.RFC3339))
	if s.EndedAt != nil {
		fmt.Printf("  ended:    %s (%s)\n", s.EndedAt.Format(time.RFC3339), s.ExitReason)
	} else {
		fmt.Printf("  ended:    still active\n")
	}

	counts, err := st.EventCountsByKind(s.ID)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Println("  events:")
		for _, kind := range []session.EventKind{
			session.KindRequest, session.KindResponse,
			session.KindNotification, session.KindTransportEvent,
		} {
			if n := counts[kind]; n > 0 {
				fmt.Printf("    %-16s %d\n", kind, n)
			}
		}
	}

	calls, err := st.RPCCallsBySession(s.ID)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		return nil
	}

	fmt.Println("  rpc calls:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "    ID\tMETHOD\tSTATUS\tLATENCY")
	for _, c := range calls {
		status, latency := "pending", "-"
		if c.ResponseTS != nil {
			latency = c.ResponseTS.Sub(c.RequestTS).Round(time.Millisecond).String()
			status = "error"
			if c.Success != nil && *c.Success {
				status = "ok"
			} else if c.ErrorCode != nil {
				status = fmt.Sprintf("error(%d)", *c.ErrorCode)
			}
		}
		fmt.Fprintf(w, "    %s\t%s\t%s\t%s\n", c.RPCID, c.Method, status, latency)
	}
	return w.Flush()
}
