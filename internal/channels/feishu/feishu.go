// Package feishu implements the Feishu channel: webhook event
// subscription in, IM API out, with edit-in-place streaming.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

const (
	webhookAddr = ":3000"
	webhookPath = "/feishu/events"
	// textChunkLimit caps one message body; Feishu rejects larger posts.
	textChunkLimit = 4000
)

func init() {
	channels.RegisterFactory("feishu", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.Feishu, msgBus)
	})
}

// Channel is the Feishu connector.
type Channel struct {
	*channels.BaseChannel
	config    config.FeishuConfig
	client    *LarkClient
	botOpenID string
	server    *http.Server
	dedup     sync.Map // message_id → struct{}

	streamMu   sync.Mutex
	streamIDs  map[string]string // chatID → message ID being edited
	streamText map[string]string
}

func New(cfg config.FeishuConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", msgBus, cfg.AllowFrom),
		config:      cfg,
		client:      NewLarkClient(cfg.AppID, cfg.AppSecret),
		streamIDs:   make(map[string]string),
		streamText:  make(map[string]string),
	}, nil
}

// Start probes the bot identity and begins serving event callbacks.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting feishu channel", "webhook", webhookAddr+webhookPath)

	openID, err := c.client.GetBotInfo(ctx)
	if err != nil {
		slog.Warn("feishu bot probe failed, mention detection degraded", "error", err)
	} else {
		c.botOpenID = openID
		slog.Info("feishu bot connected", "bot_open_id", openID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(webhookPath, c.webhookHandler())
	c.server = &http.Server{Addr: webhookAddr, Handler: mux}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu webhook server error", "error", err)
			c.SetRunning(false)
		}
	}()

	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping feishu channel")
	c.SetRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// handleMessageEvent processes one im.message.receive_v1 event.
func (c *Channel) handleMessageEvent(ev *messageEvent) {
	msg := ev.Event.Message
	if msg.MessageID == "" {
		return
	}
	if _, dup := c.dedup.LoadOrStore(msg.MessageID, struct{}{}); dup {
		return
	}
	// Feishu redelivers events for a few minutes at most.
	go func(id string) {
		time.Sleep(5 * time.Minute)
		c.dedup.Delete(id)
	}(msg.MessageID)

	senderID := ev.Event.Sender.SenderID.OpenID
	if senderID == "" || senderID == c.botOpenID {
		return
	}

	peerKind := "direct"
	if msg.ChatType == "group" {
		peerKind = "group"
		if !c.mentionsBot(msg.Mentions) {
			return
		}
	}

	content := extractText(msg.MessageType, msg.Content)
	content = stripMentionPlaceholders(content)
	if content == "" {
		return
	}

	slog.Debug("feishu message received",
		"sender_id", senderID,
		"chat_id", msg.ChatID,
		"preview", channels.Truncate(content, 50),
	)
	c.HandleMessage(senderID, msg.ChatID, content, nil, map[string]string{
		"message_id": msg.MessageID,
		"chat_type":  msg.ChatType,
	}, peerKind)
}

func (c *Channel) mentionsBot(mentions []mention) bool {
	for _, m := range mentions {
		if c.botOpenID == "" || m.ID.OpenID == c.botOpenID {
			return true
		}
	}
	return false
}

// extractText pulls plain text out of a message payload. Rich posts
// are flattened line by line.
func extractText(msgType, raw string) string {
	switch msgType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return ""
		}
		return strings.TrimSpace(body.Text)
	case "post":
		var body struct {
			Content [][]struct {
				Tag  string `json:"tag"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return ""
		}
		var lines []string
		for _, row := range body.Content {
			var parts []string
			for _, el := range row {
				if el.Tag == "text" && el.Text != "" {
					parts = append(parts, el.Text)
				}
			}
			if len(parts) > 0 {
				lines = append(lines, strings.Join(parts, ""))
			}
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	default:
		return ""
	}
}

var mentionPlaceholderRe = strings.NewReplacer(
	"@_user_1", "", "@_user_2", "", "@_user_3", "",
	"@_user_4", "", "@_user_5", "", "@_user_6", "",
)

func stripMentionPlaceholders(text string) string {
	return strings.TrimSpace(mentionPlaceholderRe.Replace(text))
}

// Send delivers an outbound message. Streaming frames edit one text
// message in place; the terminator finalizes it.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("feishu channel not running")
	}
	if msg.IsStreamTerminator() {
		return c.finalizeStream(ctx, msg.ChatID)
	}
	if msg.Metadata["_streaming"] == "true" {
		return c.updateStream(ctx, msg)
	}
	if msg.Content == "" {
		return nil
	}

	receiveIDType := resolveReceiveIDType(msg.ChatID)
	for _, chunk := range channels.SplitMessage(msg.Content, textChunkLimit) {
		if _, err := c.client.SendMessage(ctx, receiveIDType, msg.ChatID, "text", textContent(chunk)); err != nil {
			return fmt.Errorf("feishu send: %w", err)
		}
	}
	return nil
}

func (c *Channel) updateStream(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	display := channels.SplitMessage(msg.Content, textChunkLimit)[0]

	c.streamMu.Lock()
	msgID, exists := c.streamIDs[msg.ChatID]
	last := c.streamText[msg.ChatID]
	c.streamText[msg.ChatID] = msg.Content
	c.streamMu.Unlock()

	if !exists {
		newID, err := c.client.SendMessage(ctx, resolveReceiveIDType(msg.ChatID), msg.ChatID, "text", textContent(display))
		if err != nil {
			return fmt.Errorf("feishu stream send: %w", err)
		}
		c.streamMu.Lock()
		c.streamIDs[msg.ChatID] = newID
		c.streamMu.Unlock()
		return nil
	}

	if display == channels.SplitMessage(last, textChunkLimit)[0] {
		return nil
	}
	if err := c.client.EditMessage(ctx, msgID, "text", textContent(display)); err != nil {
		slog.Debug("feishu stream edit failed", "chat_id", msg.ChatID, "error", err)
	}
	return nil
}

func (c *Channel) finalizeStream(ctx context.Context, chatID string) error {
	c.streamMu.Lock()
	msgID, exists := c.streamIDs[chatID]
	full := c.streamText[chatID]
	delete(c.streamIDs, chatID)
	delete(c.streamText, chatID)
	c.streamMu.Unlock()

	if !exists || full == "" {
		return nil
	}

	chunks := channels.SplitMessage(full, textChunkLimit)
	if err := c.client.EditMessage(ctx, msgID, "text", textContent(chunks[0])); err != nil {
		slog.Debug("feishu final edit failed", "chat_id", chatID, "error", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := c.client.SendMessage(ctx, resolveReceiveIDType(chatID), chatID, "text", textContent(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func textContent(text string) string {
	data, _ := json.Marshal(map[string]string{"text": text})
	return string(data)
}

// resolveReceiveIDType maps a chat identifier to the receive_id_type
// the IM API expects.
func resolveReceiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}

var _ channels.Channel = (*Channel)(nil)
