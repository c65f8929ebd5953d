package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/agent"
	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/sessions"
)

func chatCmd() *cobra.Command {
	var newSession bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent from the terminal",
		Long: "Send one message and print the reply, or start an interactive " +
			"session when no message is given. Uses the same session binding " +
			"as the gateway's cli channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogging(cfg)

			ctx := context.Background()
			adapter, cleanup, err := connectAdapter(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			key := sessions.BuildKey("cli", "direct")
			if newSession {
				adapter.ClearSession(key)
			}

			if len(args) > 0 {
				reply, err := adapter.Chat(ctx, key, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Println(reply)
				return nil
			}

			return interactiveChat(ctx, adapter, key)
		},
	}

	cmd.Flags().BoolVar(&newSession, "new", false, "start a fresh session")
	return cmd
}

// connectAdapter builds and connects an adapter from the config,
// returning a cleanup that disconnects it.
func connectAdapter(ctx context.Context, cfg *config.Config) (*agent.Adapter, func(), error) {
	workspace := cfg.WorkspacePath()
	transport, err := buildTransport(cfg, workspace)
	if err != nil {
		return nil, nil, err
	}
	adapter := agent.NewAdapter(agent.AdapterConfig{
		Transport:    transport,
		Sessions:     sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage)),
		Workspace:    workspace,
		DefaultModel: cfg.Agent.Model,
		Thinking:     cfg.Agent.Thinking,
	})
	if err := adapter.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to agent: %w", err)
	}
	return adapter, func() { adapter.Disconnect(context.Background()) }, nil
}

func interactiveChat(ctx context.Context, adapter *agent.Adapter, key string) error {
	fmt.Println("Interactive chat. /new resets the session, /quit exits.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			adapter.ClearSession(key)
			fmt.Println("session cleared")
			continue
		}

		reply, err := adapter.Chat(ctx, key, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
