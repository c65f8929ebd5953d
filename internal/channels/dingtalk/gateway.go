package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/flowgate/internal/channels"
)

const botMessageTopic = "/v1.0/im/bot/messages/get"

// gatewayFrame is one message on the stream-mode WebSocket.
type gatewayFrame struct {
	SpecVersion string            `json:"specVersion"`
	Type        string            `json:"type"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

// botCallback is the decoded payload of a bot message callback.
type botCallback struct {
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"` // "1" private, "2" group
	SenderStaffID    string `json:"senderStaffId"`
	SenderNick       string `json:"senderNick"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
}

// gatewayLoop keeps a stream-mode connection open, reconnecting with
// backoff on failure.
func (c *Channel) gatewayLoop(ctx context.Context) {
	defer close(c.done)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("dingtalk gateway disconnected", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// connectAndServe opens one gateway connection and serves callbacks
// until it drops.
func (c *Channel) connectAndServe(ctx context.Context) error {
	endpoint, ticket, err := c.openConnection(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint+"?ticket="+ticket, nil)
	if err != nil {
		return fmt.Errorf("dial dingtalk gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
	}()

	slog.Info("dingtalk gateway connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame gatewayFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("invalid dingtalk gateway frame", "error", err)
			continue
		}

		switch frame.Type {
		case "SYSTEM":
			// Keepalive: echo the data back as pong.
			c.ack(conn, frame, frame.Data)
		case "CALLBACK":
			c.ack(conn, frame, "")
			if frame.Headers["topic"] == botMessageTopic {
				c.handleCallback(frame.Data)
			}
		}
	}
}

// ack confirms receipt of a frame; unacked callbacks are redelivered.
func (c *Channel) ack(conn *websocket.Conn, frame gatewayFrame, data string) {
	reply := map[string]any{
		"code": 200,
		"headers": map[string]string{
			"contentType": "application/json",
			"messageId":   frame.Headers["messageId"],
		},
		"message": "OK",
		"data":    data,
	}
	if err := conn.WriteJSON(reply); err != nil {
		slog.Debug("dingtalk ack failed", "error", err)
	}
}

// handleCallback publishes one bot message to the bus. Group chats are
// keyed by the open conversation ID, private chats by staff ID, so
// replies route back through the matching card space.
func (c *Channel) handleCallback(data string) {
	var cb botCallback
	if err := json.Unmarshal([]byte(data), &cb); err != nil {
		slog.Warn("invalid dingtalk callback payload", "error", err)
		return
	}

	peerKind := "direct"
	chatID := cb.SenderStaffID
	if cb.ConversationType == "2" {
		peerKind = "group"
		chatID = cb.ConversationID
	}

	content := cb.Text.Content
	if content == "" {
		return
	}

	metadata := map[string]string{}
	if cb.SenderNick != "" {
		metadata["user_name"] = cb.SenderNick
	}

	slog.Debug("dingtalk message received",
		"sender_id", cb.SenderStaffID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)
	c.HandleMessage(cb.SenderStaffID, chatID, content, nil, metadata, peerKind)
}

// openConnection registers this client with the gateway and returns
// the WebSocket endpoint plus its one-time ticket.
func (c *Channel) openConnection(ctx context.Context) (string, string, error) {
	payload := map[string]any{
		"clientId":     c.config.ClientID,
		"clientSecret": c.config.ClientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": botMessageTopic},
		},
		"ua": "flowgate/1.0",
	}

	var result struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := c.apiPost(ctx, http.MethodPost, "/v1.0/gateway/connections/open", payload, &result); err != nil {
		return "", "", err
	}
	if result.Endpoint == "" || result.Ticket == "" {
		return "", "", fmt.Errorf("dingtalk gateway returned empty endpoint")
	}
	return result.Endpoint, result.Ticket, nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
