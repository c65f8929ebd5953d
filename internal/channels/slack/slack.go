// Package slack connects over Socket Mode: an app-token WebSocket for
// events, the bot-token Web API for replies.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

// messageLimit is Slack's cap on message text.
const messageLimit = 40000

func init() {
	channels.RegisterFactory("slack", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.Slack, msgBus)
	})
}

// Channel is the Slack connector.
type Channel struct {
	*channels.BaseChannel
	config    config.SlackConfig
	api       *apiClient
	botUserID string
	throttle  *channels.Throttle

	streamMu   sync.Mutex
	streamIDs  map[string]string // chatID → ts of the preview message
	streamText map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.SlackConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", msgBus, cfg.AllowFrom),
		config:      cfg,
		api:         newAPIClient(cfg.BotToken, cfg.AppToken),
		throttle:    channels.NewThrottle(1, 3),
		streamIDs:   make(map[string]string),
		streamText:  make(map[string]string),
	}, nil
}

// Start resolves the bot identity and opens the Socket Mode link.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack channel (socket mode)")

	botID, err := c.api.AuthTest(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = botID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.socketLoop(runCtx)
	c.SetRunning(true)
	slog.Info("slack bot connected", "bot_user_id", botID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping slack channel")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("slack socket loop did not exit in time")
		}
	}
	return nil
}

// groupPolicy returns the effective policy for channel messages:
// "mention" (default) reacts only when the bot is mentioned, "open"
// reacts to everything, "allowlist" defers to allow_from.
func (c *Channel) groupPolicy() string {
	if c.config.GroupPolicy == "" {
		return "mention"
	}
	return c.config.GroupPolicy
}

// handleEvent processes one events-api message or app_mention.
func (c *Channel) handleEvent(ev *slackEvent) {
	if ev.User == "" || ev.User == c.botUserID || ev.BotID != "" {
		return
	}
	// Edits, joins, and other subtypes are not conversation input.
	if ev.Subtype != "" {
		return
	}

	isDM := strings.HasPrefix(ev.Channel, "D")
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	mentioned := ev.Type == "app_mention" || strings.Contains(ev.Text, "<@"+c.botUserID+">")
	if !isDM {
		switch c.groupPolicy() {
		case "open":
		case "allowlist":
			if !c.IsAllowed(ev.User) {
				return
			}
		default: // mention
			if !mentioned {
				return
			}
		}
	} else if ev.Type == "app_mention" {
		// DMs also arrive as message events; skip the duplicate.
		return
	}

	content := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+c.botUserID+">", ""))
	if content == "" {
		return
	}

	metadata := map[string]string{"message_id": ev.TS}
	if ev.ThreadTS != "" {
		metadata["thread_ts"] = ev.ThreadTS
	}

	slog.Debug("slack message received",
		"sender_id", ev.User,
		"chat_id", ev.Channel,
		"preview", channels.Truncate(content, 50),
	)
	c.HandleMessage(ev.User, ev.Channel, content, nil, metadata, peerKind)
}

// Send delivers an outbound message. Streaming frames edit one preview
// message via chat.update; the terminator finalizes it.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamTerminator() {
		return c.finalizeStream(ctx, msg.ChatID)
	}
	if msg.Metadata["_streaming"] == "true" {
		return c.updateStream(ctx, msg)
	}
	if msg.Content == "" {
		return nil
	}

	threadTS := msg.Metadata["thread_ts"]
	for _, chunk := range channels.SplitMessage(toMrkdwn(msg.Content), messageLimit) {
		if _, err := c.api.PostMessage(ctx, msg.ChatID, chunk, threadTS); err != nil {
			return fmt.Errorf("slack post message: %w", err)
		}
	}
	return nil
}

func (c *Channel) updateStream(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	display := channels.SplitMessage(toMrkdwn(msg.Content), messageLimit)[0]

	c.streamMu.Lock()
	ts, exists := c.streamIDs[msg.ChatID]
	last := c.streamText[msg.ChatID]
	c.streamText[msg.ChatID] = display
	c.streamMu.Unlock()

	if !exists {
		newTS, err := c.api.PostMessage(ctx, msg.ChatID, display, msg.Metadata["thread_ts"])
		if err != nil {
			return fmt.Errorf("slack stream post: %w", err)
		}
		c.streamMu.Lock()
		c.streamIDs[msg.ChatID] = newTS
		c.streamMu.Unlock()
		return nil
	}

	if display == last || !c.throttle.Allow(msg.ChatID) {
		return nil
	}
	if err := c.api.UpdateMessage(ctx, msg.ChatID, ts, display); err != nil {
		slog.Debug("slack stream update failed", "chat_id", msg.ChatID, "error", err)
	}
	return nil
}

func (c *Channel) finalizeStream(ctx context.Context, chatID string) error {
	c.streamMu.Lock()
	ts, exists := c.streamIDs[chatID]
	full := c.streamText[chatID]
	delete(c.streamIDs, chatID)
	delete(c.streamText, chatID)
	c.streamMu.Unlock()

	if !exists || full == "" {
		return nil
	}
	return c.api.UpdateMessage(ctx, chatID, ts, full)
}
