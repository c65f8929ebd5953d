// Package whatsapp connects to a WhatsApp bridge process over
// WebSocket. The bridge (whatsapp-web.js based) speaks the actual
// WhatsApp protocol; this channel exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func init() {
	channels.RegisterFactory("whatsapp", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.WhatsApp, msgBus)
	})
}

// Channel connects to the WhatsApp bridge WebSocket.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

// bridgeFrame covers every frame type the bridge sends or accepts.
type bridgeFrame struct {
	Type      string `json:"type"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text,omitempty"`
	Token     string `json:"token,omitempty"`
	PN        string `json:"pn,omitempty"`     // phone number (chat)
	Sender    string `json:"sender,omitempty"` // full JID of the sender
	Content   string `json:"content,omitempty"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	IsGroup   bool   `json:"isGroup,omitempty"`
	Status    string `json:"status,omitempty"`
	QR        string `json:"qr,omitempty"`
	Error     string `json:"error,omitempty"`
}

func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

// Start connects to the bridge and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// The reconnect loop keeps trying; the bridge may come up later.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message to the bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamingFrame() || msg.IsStreamTerminator() || msg.Content == "" {
		return nil
	}
	return c.writeFrame(bridgeFrame{Type: "send", To: msg.ChatID, Text: msg.Content})
}

func (c *Channel) writeFrame(frame bridgeFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

// bridgeWSURL rewrites the configured http(s) URL to ws(s).
func bridgeWSURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

// connect dials the bridge and authenticates if a token is configured.
func (c *Channel) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(bridgeWSURL(c.config.BridgeURL), nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.config.BridgeToken != "" {
		if err := c.writeFrame(bridgeFrame{Type: "auth", Token: c.config.BridgeToken}); err != nil {
			return err
		}
	}

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge, reconnecting every 5s when
// the link drops.
func (c *Channel) listenLoop() {
	const reconnectDelay = 5 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame bridgeFrame) {
	switch frame.Type {
	case "message":
		c.handleIncomingMessage(frame)
	case "status":
		slog.Info("whatsapp bridge status", "status", frame.Status)
	case "qr":
		slog.Info("whatsapp bridge requires pairing, scan the QR code shown by the bridge")
	case "error":
		slog.Warn("whatsapp bridge error", "error", frame.Error)
	}
}

// handleIncomingMessage publishes one bridge message to the bus. The
// sender ID is the user part of the JID, before the "@".
func (c *Channel) handleIncomingMessage(frame bridgeFrame) {
	if frame.Sender == "" || frame.Content == "" {
		return
	}

	senderID := frame.Sender
	if idx := strings.Index(senderID, "@"); idx > 0 {
		senderID = senderID[:idx]
	}

	chatID := frame.PN
	if chatID == "" {
		chatID = frame.Sender
	}

	peerKind := "direct"
	if frame.IsGroup {
		peerKind = "group"
	}

	metadata := map[string]string{}
	if frame.ID != "" {
		metadata["message_id"] = frame.ID
	}

	slog.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(frame.Content, 50),
	)
	c.HandleMessage(senderID, chatID, frame.Content, nil, metadata, peerKind)
}
