package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	Feishu   FeishuConfig   `json:"feishu"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	QQ       QQConfig       `json:"qq"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Email    EmailConfig    `json:"email"`
	Mochat   MochatConfig   `json:"mochat"`

	SendProgress  bool `json:"send_progress"`   // forward streaming progress frames (default true)
	SendToolHints bool `json:"send_tool_hints"` // forward tool-call hints during a turn (default true)
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	Proxy     string              `json:"proxy,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

type SlackConfig struct {
	Enabled     bool                `json:"enabled"`
	BotToken    string              `json:"bot_token"`
	AppToken    string              `json:"app_token"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	GroupPolicy string              `json:"group_policy,omitempty"` // "mention" (default), "open", "allowlist"
}

type FeishuConfig struct {
	Enabled           bool                `json:"enabled"`
	AppID             string              `json:"app_id"`
	AppSecret         string              `json:"app_secret"`
	EncryptKey        string              `json:"encrypt_key,omitempty"`
	VerificationToken string              `json:"verification_token,omitempty"`
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
}

type DingTalkConfig struct {
	Enabled         bool                `json:"enabled"`
	ClientID        string              `json:"client_id"`
	ClientSecret    string              `json:"client_secret"`
	RobotCode       string              `json:"robot_code,omitempty"`        // required for group chats
	CardTemplateID  string              `json:"card_template_id,omitempty"`  // AI Card template for streaming
	CardTemplateKey string              `json:"card_template_key,omitempty"` // card content field name (default "content")
	AllowFrom       FlexibleStringSlice `json:"allow_from"`
}

type QQConfig struct {
	Enabled        bool                `json:"enabled"`
	AppID          string              `json:"app_id"`
	Secret         string              `json:"secret"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	SplitThreshold int                 `json:"split_threshold,omitempty"` // stream segment size in complete lines (0 = single reply)
}

type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled"`
	BridgeURL   string              `json:"bridge_url"`
	BridgeToken string              `json:"bridge_token,omitempty"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
}

type EmailConfig struct {
	Enabled          bool                `json:"enabled"`
	ConsentGranted   bool                `json:"consent_granted"` // must be set before any mailbox access
	IMAPHost         string              `json:"imap_host"`
	IMAPPort         int                 `json:"imap_port,omitempty"` // default 993
	IMAPUsername     string              `json:"imap_username"`
	IMAPPassword     string              `json:"imap_password"`
	SMTPHost         string              `json:"smtp_host"`
	SMTPPort         int                 `json:"smtp_port,omitempty"` // default 587
	SMTPUsername     string              `json:"smtp_username"`
	SMTPPassword     string              `json:"smtp_password"`
	FromAddress      string              `json:"from_address"`
	AllowFrom        FlexibleStringSlice `json:"allow_from"`
	AutoReplyEnabled bool                `json:"auto_reply_enabled"`
}

type MochatConfig struct {
	Enabled     bool     `json:"enabled"`
	BaseURL     string   `json:"base_url,omitempty"`   // default "https://mochat.io"
	SocketURL   string   `json:"socket_url,omitempty"` // default same as base_url
	SocketPath  string   `json:"socket_path,omitempty"`
	ClawToken   string   `json:"claw_token"`
	AgentUserID string   `json:"agent_user_id"`
	Sessions    []string `json:"sessions,omitempty"` // session filters, "*" = all
	Panels      []string `json:"panels,omitempty"`   // panel filters, "*" = all
}

// EnabledChannels returns the names of channels with enabled=true, in
// dispatch order.
func (c *Config) EnabledChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for _, ch := range []struct {
		name    string
		enabled bool
	}{
		{"telegram", c.Channels.Telegram.Enabled},
		{"discord", c.Channels.Discord.Enabled},
		{"slack", c.Channels.Slack.Enabled},
		{"feishu", c.Channels.Feishu.Enabled},
		{"dingtalk", c.Channels.DingTalk.Enabled},
		{"qq", c.Channels.QQ.Enabled},
		{"whatsapp", c.Channels.WhatsApp.Enabled},
		{"email", c.Channels.Email.Enabled},
		{"mochat", c.Channels.Mochat.Enabled},
	} {
		if ch.enabled {
			names = append(names, ch.name)
		}
	}
	return names
}
