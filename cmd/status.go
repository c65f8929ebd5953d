package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/cron"
	"github.com/nextlevelbuilder/flowgate/internal/sessions"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store state at a glance",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			fmt.Printf("flowgate %s\n\n", Version)
			if pid := readPID(); pid != 0 {
				fmt.Printf("gateway:   running (pid %d)\n", pid)
			} else {
				fmt.Println("gateway:   not running")
			}
			fmt.Printf("config:    %s\n", resolveConfigPath())
			fmt.Printf("workspace: %s\n", cfg.WorkspacePath())

			transport := cfg.Agent.Transport
			if transport == "" {
				transport = "stdio"
			}
			fmt.Printf("agent:     %s via %s", cfg.Agent.IFlowPath, transport)
			if cfg.Agent.Model != "" {
				fmt.Printf(" (model %s)", cfg.Agent.Model)
			}
			fmt.Println()

			enabled := cfg.EnabledChannels()
			if len(enabled) == 0 {
				fmt.Println("channels:  none enabled")
			} else {
				fmt.Printf("channels:  %s\n", strings.Join(enabled, ", "))
			}
			fmt.Printf("available: %s\n", strings.Join(channels.RegisteredNames(), ", "))

			mgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
			fmt.Printf("sessions:  %d bound\n", mgr.Len())

			cronSvc := cron.NewService(config.ExpandHome(cfg.Cron.Store), nil, nil)
			cronSvc.Load()
			st := cronSvc.Status()
			fmt.Printf("cron:      %d jobs", st.Jobs)
			if next := st.NextWakeAtMs; next > 0 {
				fmt.Printf(", next run %s", formatMs(next))
			}
			fmt.Println()

			if cfg.Heartbeat.Enabled {
				fmt.Printf("heartbeat: every %s\n", cfg.Heartbeat.IntervalDuration())
			}
			if _, err := os.Stat(cfg.WorkspacePath()); err != nil {
				fmt.Println("\nworkspace does not exist yet; run `flowgate onboard` or `flowgate gateway`")
			}
		},
	}
}
