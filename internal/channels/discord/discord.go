// Package discord connects to the Discord gateway via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

// messageLimit is Discord's hard cap per message.
const messageLimit = 2000

func init() {
	channels.RegisterFactory("discord", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.Discord, msgBus)
	})
}

// Channel connects to Discord using gateway events. Streamed replies
// edit a single preview message per channel.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string
	throttle  *channels.Throttle

	streamMu   sync.Mutex
	streamIDs  map[string]string // chatID → preview message ID
	streamText map[string]string // chatID → last full content
}

func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		throttle:    channels.NewThrottle(1, 3),
		streamIDs:   make(map[string]string),
		streamText:  make(map[string]string),
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord channel")

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord channel")
	c.SetRunning(false)
	return c.session.Close()
}

// handleMessage publishes gateway messages to the bus. In guild
// channels the bot only reacts when mentioned; DMs always pass.
func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	peerKind := "group"
	if m.GuildID == "" {
		peerKind = "direct"
	}

	content := m.Content
	if peerKind == "group" {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = stripMention(content, c.botUserID)
	}

	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}
	if content == "" && len(media) == 0 {
		return
	}
	if content == "" {
		content = "[media message]"
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = senderID + "|" + m.Author.Username
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"chat_id", m.ChannelID,
		"preview", channels.Truncate(content, 50),
	)

	_ = s.ChannelTyping(m.ChannelID)
	c.HandleMessage(senderID, m.ChannelID, content, media, map[string]string{
		"message_id": m.ID,
		"user_name":  m.Author.Username,
	}, peerKind)
}

// stripMention removes the bot's mention token from a message.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// Send delivers an outbound message. Streaming frames edit one preview
// message; the terminator finalizes it and flushes overflow chunks.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.IsStreamTerminator() {
		return c.finalizeStream(msg.ChatID)
	}
	if msg.Metadata["_streaming"] == "true" {
		return c.updateStream(msg)
	}

	if msg.Content != "" {
		for _, chunk := range channels.SplitMessage(msg.Content, messageLimit) {
			if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
				return fmt.Errorf("send discord message: %w", err)
			}
		}
	}

	for _, att := range msg.Media {
		if err := c.sendAttachment(msg.ChatID, att); err != nil {
			slog.Warn("discord attachment send failed", "path", att.URL, "error", err)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(chatID string, att bus.MediaAttachment) error {
	if strings.HasPrefix(att.URL, "http://") || strings.HasPrefix(att.URL, "https://") {
		_, err := c.session.ChannelMessageSend(chatID, att.URL)
		return err
	}

	f, err := os.Open(att.URL)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	_, err = c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: att.Caption,
		Files: []*discordgo.File{{
			Name:        f.Name(),
			ContentType: att.ContentType,
			Reader:      f,
		}},
	})
	return err
}

func (c *Channel) updateStream(msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	display := channels.SplitMessage(msg.Content, messageLimit)[0]

	c.streamMu.Lock()
	msgID, exists := c.streamIDs[msg.ChatID]
	last := c.streamText[msg.ChatID]
	c.streamText[msg.ChatID] = msg.Content
	c.streamMu.Unlock()

	if !exists {
		sent, err := c.session.ChannelMessageSend(msg.ChatID, display)
		if err != nil {
			return fmt.Errorf("send stream message: %w", err)
		}
		c.streamMu.Lock()
		c.streamIDs[msg.ChatID] = sent.ID
		c.streamMu.Unlock()
		return nil
	}

	if display == channels.SplitMessage(last, messageLimit)[0] || !c.throttle.Allow(msg.ChatID) {
		return nil
	}
	if _, err := c.session.ChannelMessageEdit(msg.ChatID, msgID, display); err != nil {
		slog.Debug("discord stream edit failed", "chat_id", msg.ChatID, "error", err)
	}
	return nil
}

func (c *Channel) finalizeStream(chatID string) error {
	c.streamMu.Lock()
	msgID, exists := c.streamIDs[chatID]
	full := c.streamText[chatID]
	delete(c.streamIDs, chatID)
	delete(c.streamText, chatID)
	c.streamMu.Unlock()

	if !exists || full == "" {
		return nil
	}

	chunks := channels.SplitMessage(full, messageLimit)
	if _, err := c.session.ChannelMessageEdit(chatID, msgID, chunks[0]); err != nil {
		slog.Debug("discord final edit failed", "chat_id", chatID, "error", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := c.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("send overflow chunk: %w", err)
		}
	}
	return nil
}
