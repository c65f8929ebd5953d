package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/flowgate/internal/channels"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// intentPublicMessages covers C2C_MESSAGE_CREATE and
// GROUP_AT_MESSAGE_CREATE.
const intentPublicMessages = 1 << 25

type gatewayPayload struct {
	Op   int             `json:"op"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type messageEvent struct {
	ID     string `json:"id"`
	Content string `json:"content"`
	Author struct {
		UserOpenID   string `json:"user_openid"`
		MemberOpenID string `json:"member_openid"`
	} `json:"author"`
	GroupOpenID string `json:"group_openid"`
}

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
			slog.Warn("qq gateway disconnected", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	wsURL, err := c.gatewayURL(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial qq gateway: %w", err)
	}
	defer conn.Close()

	var lastSeq atomic.Int64
	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var p gatewayPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Warn("invalid qq gateway payload", "error", err)
			continue
		}
		if p.Seq > 0 {
			lastSeq.Store(p.Seq)
		}

		switch p.Op {
		case opHello:
			var hello struct {
				HeartbeatInterval int `json:"heartbeat_interval"`
			}
			_ = json.Unmarshal(p.Data, &hello)
			if err := c.identify(ctx, conn); err != nil {
				return err
			}
			go c.heartbeatLoop(conn, &lastSeq, hello.HeartbeatInterval, heartbeatStop)

		case opDispatch:
			c.handleDispatch(ctx, p)

		case opReconnect, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op %d)", p.Op)

		case opHeartbeatAck:
			// keepalive confirmed
		}
	}
}

func (c *Channel) identify(ctx context.Context, conn *websocket.Conn) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	return conn.WriteJSON(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   "QQBot " + token,
			"intents": intentPublicMessages,
			"shard":   []int{0, 1},
		},
	})
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn, lastSeq *atomic.Int64, intervalMs int, stop <-chan struct{}) {
	if intervalMs <= 0 {
		intervalMs = 45000
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": lastSeq.Load()}); err != nil {
				return
			}
		}
	}
}

// handleDispatch publishes C2C and group-at messages to the bus, after
// dropping gateway redeliveries. A thinking hint goes out immediately
// so the user sees the bot react before the agent responds.
func (c *Channel) handleDispatch(ctx context.Context, p gatewayPayload) {
	if p.Type != "C2C_MESSAGE_CREATE" && p.Type != "GROUP_AT_MESSAGE_CREATE" {
		return
	}

	var ev messageEvent
	if err := json.Unmarshal(p.Data, &ev); err != nil {
		slog.Warn("invalid qq message event", "error", err)
		return
	}
	if !c.markSeen(ev.ID) {
		return
	}

	var senderID, chatID string
	peerKind := "direct"
	if p.Type == "C2C_MESSAGE_CREATE" {
		senderID = ev.Author.UserOpenID
		chatID = ev.Author.UserOpenID
	} else {
		senderID = ev.Author.MemberOpenID
		chatID = "group:" + ev.GroupOpenID
		peerKind = "group"
	}
	if senderID == "" || ev.Content == "" {
		return
	}

	slog.Debug("qq message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(ev.Content, 50),
	)

	if err := c.apiPost(ctx, replyPath(chatID), map[string]any{
		"content":  thinkHint,
		"msg_type": 0,
		"msg_id":   ev.ID,
		"msg_seq":  c.nextSeq(ev.ID),
	}); err != nil {
		slog.Debug("qq thinking hint failed", "error", err)
	}

	c.HandleMessage(senderID, chatID, ev.Content, nil, map[string]string{"message_id": ev.ID}, peerKind)
}

func replyPath(chatID string) string {
	if group, ok := cutGroupPrefix(chatID); ok {
		return fmt.Sprintf("/v2/groups/%s/messages", group)
	}
	return fmt.Sprintf("/v2/users/%s/messages", chatID)
}

func cutGroupPrefix(chatID string) (string, bool) {
	const prefix = "group:"
	if len(chatID) > len(prefix) && chatID[:len(prefix)] == prefix {
		return chatID[len(prefix):], true
	}
	return chatID, false
}

// gatewayURL fetches the WebSocket endpoint from the REST API.
func (c *Channel) gatewayURL(ctx context.Context) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/gateway", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch qq gateway url: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("qq gateway returned empty url")
	}
	return result.URL, nil
}
