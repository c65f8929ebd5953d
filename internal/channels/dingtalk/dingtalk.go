// Package dingtalk connects to DingTalk over the open-platform stream
// gateway and renders streamed replies into AI cards.
package dingtalk

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

const apiBase = "https://api.dingtalk.com"

func init() {
	channels.RegisterFactory("dingtalk", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.DingTalk, msgBus)
	})
}

// Channel is the DingTalk connector. Inbound messages arrive over the
// stream-mode WebSocket; replies go out as AI cards (streamed) or
// markdown messages (fallback).
type Channel struct {
	*channels.BaseChannel
	config config.DingTalkConfig
	tokens *tokenSource
	api    string

	cardMu sync.Mutex
	cards  map[string]*cardInstance // chatID → active streaming card

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}

	// pending keeps the latest streamed text per chat for the
	// no-card fallback path, flushed on the end-of-stream marker.
	pendingMu sync.Mutex
	pending   map[string]string
}

func New(cfg config.DingTalkConfig, msgBus *bus.MessageBus) (*Channel, error) {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("dingtalk", msgBus, cfg.AllowFrom),
		config:      cfg,
		tokens:      newTokenSource(cfg.ClientID, cfg.ClientSecret),
		api:         apiBase,
		cards:       make(map[string]*cardInstance),
		pending:     make(map[string]string),
	}, nil
}

// Start connects to the stream gateway and begins receiving callbacks.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting dingtalk channel (stream mode)")

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	// Verify credentials up front so misconfiguration fails loudly.
	if _, err := c.tokens.Token(runCtx); err != nil {
		cancel()
		return err
	}

	go c.gatewayLoop(runCtx)
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping dingtalk channel")
	c.SetRunning(false)

	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("dingtalk gateway loop did not exit in time")
		}
	}
	return nil
}

// isGroupChat reports whether a chat ID names a group conversation.
// Group open-conversation IDs start with "cid"; private chats are
// addressed by staff ID.
func isGroupChat(chatID string) bool {
	return strings.HasPrefix(chatID, "cid")
}

// Send delivers a non-card outbound message as markdown. Streaming
// frames are buffered and flushed as one markdown reply on the
// end-of-stream marker, for deployments without a card template.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamTerminator() {
		c.pendingMu.Lock()
		full := c.pending[msg.ChatID]
		delete(c.pending, msg.ChatID)
		c.pendingMu.Unlock()
		if full == "" {
			return nil
		}
		return c.sendMarkdown(ctx, msg.ChatID, full)
	}
	if msg.Metadata["_streaming"] == "true" {
		c.pendingMu.Lock()
		c.pending[msg.ChatID] = msg.Content
		c.pendingMu.Unlock()
		return nil
	}

	if msg.Content == "" {
		return nil
	}
	return c.sendMarkdown(ctx, msg.ChatID, msg.Content)
}
