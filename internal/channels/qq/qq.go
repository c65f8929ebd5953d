// Package qq connects to the QQ bot open platform: WebSocket gateway
// for events, REST for replies.
package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

const (
	apiBase   = "https://api.sgroup.qq.com"
	tokenURL  = "https://bots.qq.com/app/getAppAccessToken"
	thinkHint = "🤔 Thinking..."

	// dedupeLimit bounds the remembered message IDs; the gateway
	// redelivers events that are not acked in time.
	dedupeLimit = 1000
)

func init() {
	channels.RegisterFactory("qq", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.QQ, msgBus)
	})
}

// Channel is the QQ connector. Replies are passive: each send
// references the inbound message ID, with a per-message sequence so
// segmented replies are all accepted.
type Channel struct {
	*channels.BaseChannel
	config config.QQConfig

	tokenMu   sync.Mutex
	token     string
	expiresAt time.Time

	seen     map[string]bool
	seenList []string
	seenMu   sync.Mutex

	seqMu sync.Mutex
	seq   map[string]int // inbound msg_id → next msg_seq

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.QQConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.AppID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("qq app_id and secret are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("qq", msgBus, cfg.AllowFrom),
		config:      cfg,
		seen:        make(map[string]bool),
		seq:         make(map[string]int),
	}, nil
}

// SegmentThreshold reports the streamed segment size in complete
// lines. Zero disables segmenting: the reply arrives as one message.
func (c *Channel) SegmentThreshold() int {
	return c.config.SplitThreshold
}

func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting qq channel")

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if _, err := c.accessToken(runCtx); err != nil {
		cancel()
		return err
	}

	go c.gatewayLoop(runCtx)
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping qq channel")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("qq gateway loop did not exit in time")
		}
	}
	return nil
}

// Send delivers one reply. Group chat IDs carry a "group:" prefix so
// the two REST endpoints can be told apart.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamTerminator() || msg.Content == "" {
		return nil
	}

	payload := map[string]any{
		"content":  msg.Content,
		"msg_type": 0,
	}
	if replyTo := msg.Metadata["reply_to_id"]; replyTo != "" {
		payload["msg_id"] = replyTo
		payload["msg_seq"] = c.nextSeq(replyTo)
	}
	return c.apiPost(ctx, replyPath(msg.ChatID), payload)
}

// nextSeq returns a fresh sequence number for passive replies to one
// inbound message; duplicates are rejected by the platform.
func (c *Channel) nextSeq(msgID string) int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq[msgID]++
	if len(c.seq) > dedupeLimit {
		for k := range c.seq {
			delete(c.seq, k)
			break
		}
	}
	return c.seq[msgID]
}

// markSeen records a message ID, returning false when it was already
// processed.
func (c *Channel) markSeen(msgID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.seen[msgID] {
		return false
	}
	c.seen[msgID] = true
	c.seenList = append(c.seenList, msgID)
	if len(c.seenList) > dedupeLimit {
		delete(c.seen, c.seenList[0])
		c.seenList = c.seenList[1:]
	}
	return true
}

// accessToken returns a cached app access token.
func (c *Channel) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appId":        c.config.AppID,
		"clientSecret": c.config.Secret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch qq access token: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode qq token: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("qq token request returned no token")
	}

	ttl := 7200
	if n, err := time.ParseDuration(result.ExpiresIn + "s"); err == nil && n > 0 {
		ttl = int(n.Seconds())
	}
	c.token = result.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

func (c *Channel) apiPost(ctx context.Context, path string, payload any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("qq api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("qq api %s: status %d: %d %s", path, resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return nil
}
