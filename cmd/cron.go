package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/cron"
)

// openCronStore loads the job store without arming the scheduler. The
// running gateway picks up edits through its store watcher.
func openCronStore() *cron.Service {
	cfg := loadConfig()
	svc := cron.NewService(config.ExpandHome(cfg.Cron.Store), nil, nil)
	svc.Load()
	return svc
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled agent jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronEnableCmd(true))
	cmd.AddCommand(cronEnableCmd(false))
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			jobs := openCronStore().List(all)
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
					j.ID, j.Name, describeSchedule(j.Schedule), j.Enabled,
					formatMs(j.State.NextRunAtMs), j.State.LastStatus)
			}
			w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include disabled jobs")
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		every   time.Duration
		at      string
		expr    string
		tz      string
		channel string
		to      string
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "add <name> <message>",
		Short: "Add a job that sends a message to the agent on schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var schedule cron.Schedule
			switch {
			case every > 0:
				schedule = cron.Schedule{Kind: cron.KindEvery, EveryMs: every.Milliseconds()}
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				schedule = cron.Schedule{Kind: cron.KindAt, AtMs: t.UnixMilli()}
			case expr != "":
				schedule = cron.Schedule{Kind: cron.KindCron, Expr: expr, TZ: tz}
			default:
				return fmt.Errorf("one of --every, --at, or --cron is required")
			}

			payload := cron.Payload{
				Kind:    "agent_turn",
				Message: args[1],
				Deliver: channel != "",
				Channel: channel,
				To:      to,
			}
			job, err := openCronStore().Add(args[0], schedule, payload, once)
			if err != nil {
				return err
			}
			fmt.Printf("added job %s (%s)\n", job.ID, job.Name)
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "run at a fixed interval (e.g. 1h30m)")
	cmd.Flags().StringVar(&at, "at", "", "run once at an RFC 3339 timestamp")
	cmd.Flags().StringVar(&expr, "cron", "", "run on a cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "time zone for --cron (default local)")
	cmd.Flags().StringVar(&channel, "channel", "", "deliver the response to this channel")
	cmd.Flags().StringVar(&to, "to", "", "chat ID for --channel delivery")
	cmd.Flags().BoolVar(&once, "once", false, "delete the job after it runs")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !openCronStore().Remove(args[0]) {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := openCronStore().Enable(args[0], enable)
			if err != nil {
				return err
			}
			fmt.Printf("job %s enabled=%v\n", job.ID, job.Enabled)
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job immediately through the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogging(cfg)

			ctx := cmd.Context()
			adapter, cleanup, err := connectAdapter(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			svc := cron.NewService(config.ExpandHome(cfg.Cron.Store),
				func(ctx context.Context, job cron.Job) (string, error) {
					response, err := adapter.Chat(ctx, job.SessionKey(), job.Payload.Message)
					if err == nil && response != "" {
						fmt.Println(response)
					}
					return response, err
				}, nil)
			svc.Load()

			ok, err := svc.Run(args[0], force)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s did not run (disabled? try --force)", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "run even when disabled")
	return cmd
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.KindAt:
		return "at " + formatMs(s.AtMs)
	case cron.KindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return s.Kind
	}
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
