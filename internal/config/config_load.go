package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Transport:  "stdio",
			IFlowPath:  "iflow",
			Model:      "minimax-m2.5",
			TimeoutSec: 300,
			Workspace:  "~/.flowgate/workspace",
			ACPHost:    "localhost",
			ACPPort:    8090,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				BridgeURL: "http://localhost:3001",
			},
			Email: EmailConfig{
				IMAPPort:         993,
				SMTPPort:         587,
				AutoReplyEnabled: true,
			},
			Mochat: MochatConfig{
				BaseURL:    "https://mochat.io",
				SocketURL:  "https://mochat.io",
				SocketPath: "/socket.io",
				Sessions:   []string{"*"},
				Panels:     []string{"*"},
			},
			DingTalk: DingTalkConfig{
				CardTemplateKey: "content",
			},
			SendProgress:  true,
			SendToolHints: true,
		},
		Sessions: SessionsConfig{
			Storage:  "~/.flowgate/sessions.json",
			Recorder: "~/.flowgate/messages.db",
		},
		Cron: CronConfig{
			Store: "~/.flowgate/cron/jobs.json",
		},
		Heartbeat: HeartbeatConfig{
			Interval: "30m",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Agent
	envStr("FLOWGATE_TRANSPORT", &c.Agent.Transport)
	envStr("FLOWGATE_IFLOW_PATH", &c.Agent.IFlowPath)
	envStr("FLOWGATE_MODEL", &c.Agent.Model)
	envStr("FLOWGATE_WORKSPACE", &c.Agent.Workspace)
	envStr("FLOWGATE_ACP_HOST", &c.Agent.ACPHost)
	if v := os.Getenv("FLOWGATE_ACP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Agent.ACPPort = port
		}
	}
	if v := os.Getenv("FLOWGATE_THINKING"); v != "" {
		c.Agent.Thinking = v == "true" || v == "1"
	}

	// Channel secrets
	envStr("FLOWGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("FLOWGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("FLOWGATE_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("FLOWGATE_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("FLOWGATE_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("FLOWGATE_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("FLOWGATE_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("FLOWGATE_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("FLOWGATE_DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("FLOWGATE_DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	envStr("FLOWGATE_DINGTALK_ROBOT_CODE", &c.Channels.DingTalk.RobotCode)
	envStr("FLOWGATE_QQ_APP_ID", &c.Channels.QQ.AppID)
	envStr("FLOWGATE_QQ_SECRET", &c.Channels.QQ.Secret)
	envStr("FLOWGATE_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("FLOWGATE_WHATSAPP_BRIDGE_TOKEN", &c.Channels.WhatsApp.BridgeToken)
	envStr("FLOWGATE_EMAIL_IMAP_PASSWORD", &c.Channels.Email.IMAPPassword)
	envStr("FLOWGATE_EMAIL_SMTP_PASSWORD", &c.Channels.Email.SMTPPassword)
	envStr("FLOWGATE_MOCHAT_CLAW_TOKEN", &c.Channels.Mochat.ClawToken)

	// Auto-enable channels if credentials are provided via env
	if os.Getenv("FLOWGATE_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("FLOWGATE_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("FLOWGATE_SLACK_BOT_TOKEN") != "" && os.Getenv("FLOWGATE_SLACK_APP_TOKEN") != "" {
		c.Channels.Slack.Enabled = true
	}
	if os.Getenv("FLOWGATE_FEISHU_APP_ID") != "" && os.Getenv("FLOWGATE_FEISHU_APP_SECRET") != "" {
		c.Channels.Feishu.Enabled = true
	}
	if os.Getenv("FLOWGATE_DINGTALK_CLIENT_ID") != "" && os.Getenv("FLOWGATE_DINGTALK_CLIENT_SECRET") != "" {
		c.Channels.DingTalk.Enabled = true
	}
	if os.Getenv("FLOWGATE_QQ_APP_ID") != "" && os.Getenv("FLOWGATE_QQ_SECRET") != "" {
		c.Channels.QQ.Enabled = true
	}
	if os.Getenv("FLOWGATE_MOCHAT_CLAW_TOKEN") != "" {
		c.Channels.Mochat.Enabled = true
	}

	// Storage paths
	envStr("FLOWGATE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("FLOWGATE_CRON_STORE", &c.Cron.Store)

	// Heartbeat
	if v := os.Getenv("FLOWGATE_HEARTBEAT_ENABLED"); v != "" {
		c.Heartbeat.Enabled = v == "true" || v == "1"
	}
	envStr("FLOWGATE_HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)

	// Telemetry
	envStr("FLOWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("FLOWGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("FLOWGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Logging
	envStr("FLOWGATE_LOG_LEVEL", &c.LogLevel)
	envStr("FLOWGATE_LOG_FILE", &c.LogFile)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by `flowgate config show`.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Slack.BotToken)
	maskNonEmpty(&cp.Channels.Slack.AppToken)
	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Channels.Feishu.EncryptKey)
	maskNonEmpty(&cp.Channels.Feishu.VerificationToken)
	maskNonEmpty(&cp.Channels.DingTalk.ClientSecret)
	maskNonEmpty(&cp.Channels.QQ.Secret)
	maskNonEmpty(&cp.Channels.WhatsApp.BridgeToken)
	maskNonEmpty(&cp.Channels.Email.IMAPPassword)
	maskNonEmpty(&cp.Channels.Email.SMTPPassword)
	maskNonEmpty(&cp.Channels.Mochat.ClawToken)

	return cp
}

// StripMaskedSecrets clears only fields that still contain the mask
// value, so a masked copy can be merged back without clobbering real
// secrets.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}

	stripIfMasked(&c.Channels.Telegram.Token)
	stripIfMasked(&c.Channels.Discord.Token)
	stripIfMasked(&c.Channels.Slack.BotToken)
	stripIfMasked(&c.Channels.Slack.AppToken)
	stripIfMasked(&c.Channels.Feishu.AppSecret)
	stripIfMasked(&c.Channels.Feishu.EncryptKey)
	stripIfMasked(&c.Channels.Feishu.VerificationToken)
	stripIfMasked(&c.Channels.DingTalk.ClientSecret)
	stripIfMasked(&c.Channels.QQ.Secret)
	stripIfMasked(&c.Channels.WhatsApp.BridgeToken)
	stripIfMasked(&c.Channels.Email.IMAPPassword)
	stripIfMasked(&c.Channels.Email.SMTPPassword)
	stripIfMasked(&c.Channels.Mochat.ClawToken)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
