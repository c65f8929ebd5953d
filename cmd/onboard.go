package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/bootstrap"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long: "Walks through agent and channel configuration, writes the " +
			"config file, and seeds the agent workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	path := resolveConfigPath()
	cfg := config.Default()
	if existing, err := config.Load(path); err == nil {
		cfg = existing
		fmt.Printf("Found existing config at %s, values are pre-filled.\n\n", path)
	}

	transport := cfg.Agent.Transport
	if transport == "" {
		transport = "stdio"
	}

	agentForm := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Agent transport").
				Description("How flowgate talks to the iflow agent.").
				Options(
					huh.NewOption("stdio (spawn iflow per gateway)", "stdio"),
					huh.NewOption("ws (connect to a running ACP server)", "ws"),
					huh.NewOption("cli (one-shot iflow invocations)", "cli"),
				).
				Value(&transport),
			huh.NewInput().
				Title("iflow binary").
				Value(&cfg.Agent.IFlowPath),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the agent's default.").
				Value(&cfg.Agent.Model),
			huh.NewInput().
				Title("Workspace directory").
				Value(&cfg.Agent.Workspace),
		),
	)
	if err := agentForm.Run(); err != nil {
		return err
	}
	cfg.Agent.Transport = transport

	var picked []string
	channelForm := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels to enable").
				Description("Tokens are asked next; others stay configurable in the file.").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Slack", "slack"),
					huh.NewOption("Feishu", "feishu"),
					huh.NewOption("DingTalk", "dingtalk"),
					huh.NewOption("QQ", "qq"),
					huh.NewOption("WhatsApp bridge", "whatsapp"),
					huh.NewOption("Email (IMAP/SMTP)", "email"),
					huh.NewOption("Mochat", "mochat"),
				).
				Value(&picked),
		),
	)
	if err := channelForm.Run(); err != nil {
		return err
	}

	for _, name := range picked {
		if err := onboardChannel(cfg, name); err != nil {
			return err
		}
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("\nConfig written to %s\n", path)

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	seeded, err := bootstrap.EnsureWorkspaceFiles(workspace)
	if err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	}
	if len(seeded) > 0 {
		fmt.Printf("Seeded workspace files: %s\n", strings.Join(seeded, ", "))
	}

	fmt.Println("\nDone. Start the gateway with: flowgate")
	return nil
}

// onboardChannel enables one channel and prompts for its credentials.
func onboardChannel(cfg *config.Config, name string) error {
	ch := &cfg.Channels
	var fields []huh.Field

	switch name {
	case "telegram":
		ch.Telegram.Enabled = true
		fields = append(fields, huh.NewInput().Title("Telegram bot token").
			EchoMode(huh.EchoModePassword).Value(&ch.Telegram.Token))
	case "discord":
		ch.Discord.Enabled = true
		fields = append(fields, huh.NewInput().Title("Discord bot token").
			EchoMode(huh.EchoModePassword).Value(&ch.Discord.Token))
	case "slack":
		ch.Slack.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("Slack bot token (xoxb-...)").
				EchoMode(huh.EchoModePassword).Value(&ch.Slack.BotToken),
			huh.NewInput().Title("Slack app token (xapp-...)").
				EchoMode(huh.EchoModePassword).Value(&ch.Slack.AppToken))
	case "feishu":
		ch.Feishu.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("Feishu app ID").Value(&ch.Feishu.AppID),
			huh.NewInput().Title("Feishu app secret").
				EchoMode(huh.EchoModePassword).Value(&ch.Feishu.AppSecret))
	case "dingtalk":
		ch.DingTalk.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("DingTalk client ID").Value(&ch.DingTalk.ClientID),
			huh.NewInput().Title("DingTalk client secret").
				EchoMode(huh.EchoModePassword).Value(&ch.DingTalk.ClientSecret))
	case "qq":
		ch.QQ.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("QQ app ID").Value(&ch.QQ.AppID),
			huh.NewInput().Title("QQ secret").
				EchoMode(huh.EchoModePassword).Value(&ch.QQ.Secret))
	case "whatsapp":
		ch.WhatsApp.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("WhatsApp bridge URL").Value(&ch.WhatsApp.BridgeURL),
			huh.NewInput().Title("Bridge token (optional)").
				EchoMode(huh.EchoModePassword).Value(&ch.WhatsApp.BridgeToken))
	case "email":
		ch.Email.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("IMAP host").Value(&ch.Email.IMAPHost),
			huh.NewInput().Title("IMAP username").Value(&ch.Email.IMAPUsername),
			huh.NewInput().Title("IMAP password").
				EchoMode(huh.EchoModePassword).Value(&ch.Email.IMAPPassword),
			huh.NewInput().Title("SMTP host").Value(&ch.Email.SMTPHost),
			huh.NewInput().Title("SMTP username").Value(&ch.Email.SMTPUsername),
			huh.NewInput().Title("SMTP password").
				EchoMode(huh.EchoModePassword).Value(&ch.Email.SMTPPassword),
			huh.NewConfirm().Title("Grant mailbox access consent?").
				Description("The gateway reads INBOX and marks messages seen.").
				Value(&ch.Email.ConsentGranted),
			huh.NewConfirm().Title("Auto-reply to incoming mail?").
				Value(&ch.Email.AutoReplyEnabled))
	case "mochat":
		ch.Mochat.Enabled = true
		fields = append(fields,
			huh.NewInput().Title("Mochat base URL").Value(&ch.Mochat.BaseURL),
			huh.NewInput().Title("Mochat claw token").
				EchoMode(huh.EchoModePassword).Value(&ch.Mochat.ClawToken),
			huh.NewInput().Title("Agent user ID").Value(&ch.Mochat.AgentUserID))
	default:
		return nil
	}

	fmt.Printf("\n%s\n", strings.ToUpper(name[:1])+name[1:])
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}
