package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/recorder"
	"github.com/nextlevelbuilder/flowgate/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation-to-session bindings",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsClearCmd())
	cmd.AddCommand(sessionsHistoryCmd())
	return cmd
}

func openSessions() *sessions.Manager {
	cfg := loadConfig()
	return sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session bindings",
		Run: func(cmd *cobra.Command, args []string) {
			snapshot := openSessions().Snapshot()
			if len(snapshot) == 0 {
				fmt.Println("no sessions")
				return
			}
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONVERSATION\tSESSION")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, snapshot[k])
			}
			w.Flush()
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [key]",
		Short: "Drop a session binding (channel:chat_id), or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := openSessions()
			if all {
				n := 0
				for key := range mgr.Snapshot() {
					if _, err := mgr.Clear(key); err != nil {
						return err
					}
					n++
				}
				fmt.Printf("cleared %d sessions\n", n)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("pass a conversation key (channel:chat_id) or --all")
			}
			old, err := mgr.Clear(args[0])
			if err != nil {
				return err
			}
			if old == "" {
				fmt.Println("no binding for", args[0])
			} else {
				fmt.Printf("cleared %s (was %s)\n", args[0], old)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every binding")
	return cmd
}

func sessionsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <channel> <chat_id>",
		Short: "Show recent recorded messages for one conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			rec, err := recorder.Open(config.ExpandHome(cfg.Sessions.Recorder))
			if err != nil {
				return err
			}
			defer rec.Close()

			entries, err := rec.Recent(args[0], args[1], limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				who := e.SenderID
				if who == "" {
					who = "agent"
				}
				fmt.Printf("[%s] %s %s: %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Direction, who, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")
	return cmd
}
