package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/acp"
	"github.com/nextlevelbuilder/flowgate/internal/agent"
	"github.com/nextlevelbuilder/flowgate/internal/bootstrap"
	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/cron"
	"github.com/nextlevelbuilder/flowgate/internal/heartbeat"
	"github.com/nextlevelbuilder/flowgate/internal/recorder"
	"github.com/nextlevelbuilder/flowgate/internal/sessions"
	"github.com/nextlevelbuilder/flowgate/internal/tracing"

	// Connector factories register themselves in init().
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/dingtalk"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/discord"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/email"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/feishu"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/mochat"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/qq"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/slack"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/telegram"
	_ "github.com/nextlevelbuilder/flowgate/internal/channels/whatsapp"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run or control the gateway process",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		Run:   func(cmd *cobra.Command, args []string) { runGateway() },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the gateway in the background",
		RunE:  func(cmd *cobra.Command, args []string) error { return startGatewayDaemon() },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		RunE:  func(cmd *cobra.Command, args []string) error { return stopGatewayDaemon() },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Restart the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopGatewayDaemon(); err != nil {
				slog.Warn("stop before restart failed", "error", err)
			}
			return startGatewayDaemon()
		},
	})
	return cmd
}

// managerDirectory adapts the channel manager to the loop's directory
// interface for connectors the loop drives directly.
type managerDirectory struct {
	mgr *channels.Manager
}

func (d managerDirectory) Sender(name string) (agent.Sender, bool) {
	ch, ok := d.mgr.Get(name)
	if !ok {
		return nil, false
	}
	return ch, true
}

// buildTransport constructs the configured ACP carrier.
func buildTransport(cfg *config.Config, workspace string) (acp.Transport, error) {
	switch cfg.Agent.Transport {
	case "", "stdio":
		return acp.NewStdioClient(cfg.Agent.IFlowPath, workspace, cfg.Agent.Timeout()), nil
	case "ws":
		return acp.NewWSClient(cfg.Agent.ACPHost, cfg.Agent.ACPPort, workspace, cfg.Agent.Timeout()), nil
	case "cli":
		return acp.NewCLIClient(cfg.Agent.IFlowPath, workspace, cfg.Agent.Model, cfg.Agent.Timeout()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want stdio, ws, or cli)", cfg.Agent.Transport)
	}
}

func runGateway() {
	cfg := loadConfig()
	setupLogging(cfg)

	if pid := readPID(); pid != 0 && pid != os.Getpid() {
		slog.Error("gateway already running", "pid", pid)
		os.Exit(1)
	}
	if err := writePIDFile(os.Getpid()); err != nil {
		slog.Warn("cannot write pid file", "error", err)
	} else {
		defer os.Remove(pidFilePath())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry is optional; a failed exporter must not keep the gateway
	// down.
	tp, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("cannot create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace template seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	msgBus := bus.New()

	rec, err := recorder.Open(config.ExpandHome(cfg.Sessions.Recorder))
	if err != nil {
		slog.Warn("message recorder unavailable", "error", err)
	} else {
		msgBus.SetRecorder(rec)
		defer rec.Close()
	}

	sessionMgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))

	transport, err := buildTransport(cfg, workspace)
	if err != nil {
		slog.Error("invalid agent transport", "error", err)
		os.Exit(1)
	}
	adapter := agent.NewAdapter(agent.AdapterConfig{
		Transport:    transport,
		Sessions:     sessionMgr,
		Workspace:    workspace,
		DefaultModel: cfg.Agent.Model,
		Thinking:     cfg.Agent.Thinking,
	})
	if err := adapter.Connect(ctx); err != nil {
		slog.Error("cannot connect to agent", "transport", cfg.Agent.Transport, "error", err)
		os.Exit(1)
	}
	defer adapter.Disconnect(context.Background())

	channelMgr := channels.NewManager(msgBus)
	for _, name := range cfg.EnabledChannels() {
		ch, err := channels.Build(name, cfg, msgBus)
		if err != nil {
			slog.Error("channel init failed", "channel", name, "error", err)
			continue
		}
		channelMgr.Register(ch)
	}

	var loopRecorder bus.Recorder
	if rec != nil {
		loopRecorder = rec
	}
	loop := agent.NewLoop(agent.LoopConfig{
		Bus:       msgBus,
		Adapter:   adapter,
		Channels:  managerDirectory{mgr: channelMgr},
		Recorder:  loopRecorder,
		Workspace: workspace,
		Streaming: cfg.Channels.SendProgress,
	})
	loop.Start(ctx)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("no channels running", "error", err)
	}

	cronSvc := cron.NewService(config.ExpandHome(cfg.Cron.Store),
		func(ctx context.Context, job cron.Job) (string, error) {
			return loop.ProcessDirect(ctx, job.Payload.Message, job.SessionKey())
		},
		func(channel, to, content string) {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: channel,
				ChatID:  to,
				Content: content,
			})
		},
	)
	if err := cronSvc.Start(ctx); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}

	hb := heartbeat.NewService(heartbeat.Config{
		Workspace: workspace,
		Interval:  cfg.Heartbeat.IntervalDuration(),
		Enabled:   cfg.Heartbeat.Enabled,
		OnHeartbeat: func(ctx context.Context, prompt string) (string, error) {
			return loop.ProcessDirect(ctx, prompt, sessions.BuildKey("heartbeat", "main"))
		},
		OnNotify: func(content string) {
			if cfg.Heartbeat.Channel == "" || cfg.Heartbeat.To == "" {
				slog.Info("heartbeat response dropped, no delivery target configured")
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: cfg.Heartbeat.Channel,
				ChatID:  cfg.Heartbeat.To,
				Content: content,
			})
		},
	})
	hb.Start(ctx)

	slog.Info("flowgate gateway started",
		"version", Version,
		"transport", cfg.Agent.Transport,
		"workspace", workspace,
		"channels", channelMgr.Names(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	hb.Stop()
	cronSvc.Stop()
	channelMgr.StopAll(context.Background())
	loop.Stop()
	cancel()
}
