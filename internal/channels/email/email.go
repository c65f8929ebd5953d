// Package email turns a mailbox into a conversation channel: IMAP
// polling for inbound mail, SMTP for replies.
package email

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

const (
	defaultPollInterval = 30 * time.Second
	minPollInterval     = 5 * time.Second

	// bodyLimit caps how much of a message body is forwarded.
	bodyLimit = 10000

	// dedupeLimit bounds the remembered UID set; when exceeded the
	// oldest half is dropped.
	dedupeLimit = 100000
)

func init() {
	channels.RegisterFactory("email", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.Email, msgBus)
	})
}

// Channel is the email connector. It refuses to touch the mailbox
// until consent_granted is set: reading someone's inbox is not
// something to do by accident.
type Channel struct {
	*channels.BaseChannel
	config config.EmailConfig

	seenMu   sync.Mutex
	seenUIDs map[uint32]bool
	seenList []uint32

	// lastMsgID tracks the inbound Message-ID per chat for reply
	// threading headers.
	threadMu  sync.Mutex
	lastMsgID map[string]string
	lastSubj  map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.EmailConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.IMAPHost == "" || cfg.IMAPUsername == "" {
		return nil, fmt.Errorf("email imap_host and imap_username are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("email", msgBus, cfg.AllowFrom),
		config:      cfg,
		seenUIDs:    make(map[uint32]bool),
		lastMsgID:   make(map[string]string),
		lastSubj:    make(map[string]string),
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	if !c.config.ConsentGranted {
		return fmt.Errorf("email channel requires consent_granted: true in config")
	}

	slog.Info("starting email channel",
		"imap_host", c.config.IMAPHost,
		"username", c.config.IMAPUsername,
	)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.pollLoop(runCtx)
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping email channel")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			slog.Warn("email poll loop did not exit in time")
		}
	}
	return nil
}

func (c *Channel) pollLoop(ctx context.Context) {
	defer close(c.done)

	interval := defaultPollInterval
	if interval < minPollInterval {
		interval = minPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First poll right away; the ticker covers the rest.
	c.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// markSeen records a UID, returning false when it was already handled.
func (c *Channel) markSeen(uid uint32) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.seenUIDs[uid] {
		return false
	}
	c.seenUIDs[uid] = true
	c.seenList = append(c.seenList, uid)
	if len(c.seenList) > dedupeLimit {
		drop := c.seenList[:len(c.seenList)/2]
		for _, old := range drop {
			delete(c.seenUIDs, old)
		}
		c.seenList = append([]uint32(nil), c.seenList[len(drop):]...)
	}
	return true
}

// handleMail publishes one fetched message to the bus. The chat is
// keyed by the sender address.
func (c *Channel) handleMail(m *inboundMail) {
	sender := strings.ToLower(m.From)
	if sender == "" {
		return
	}

	body := m.Body
	if len(body) > bodyLimit {
		body = body[:bodyLimit] + "\n... [truncated]"
	}
	content := fmt.Sprintf("Email received.\nFrom: %s\nSubject: %s\nDate: %s\n\n%s",
		m.From, m.Subject, m.Date, body)

	c.threadMu.Lock()
	if m.MessageID != "" {
		c.lastMsgID[sender] = m.MessageID
	}
	c.lastSubj[sender] = m.Subject
	c.threadMu.Unlock()

	metadata := map[string]string{"subject": m.Subject}
	if m.MessageID != "" {
		metadata["message_id"] = m.MessageID
	}

	slog.Debug("email received",
		"sender_id", sender,
		"subject", m.Subject,
		"preview", channels.Truncate(body, 50),
	)
	c.HandleMessage(sender, sender, content, nil, metadata, "direct")
}

// Send replies to the chat's address over SMTP. Replies are gated on
// auto_reply_enabled unless the message forces delivery.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamingFrame() || msg.IsStreamTerminator() || msg.Content == "" {
		return nil
	}
	if !c.config.AutoReplyEnabled && msg.Metadata["force_send"] != "true" {
		slog.Debug("email reply suppressed, auto_reply_enabled is false", "to", msg.ChatID)
		return nil
	}
	return c.sendReply(ctx, msg.ChatID, msg.Content)
}

// replySubject builds the reply subject, adding "Re: " unless the
// original already carries a reply prefix.
func replySubject(original string) string {
	if original == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return "Re: " + original
}

// fromAddress picks the envelope sender: explicit from_address, then
// the SMTP login, then the IMAP login.
func (c *Channel) fromAddress() string {
	if c.config.FromAddress != "" {
		return c.config.FromAddress
	}
	if c.config.SMTPUsername != "" {
		return c.config.SMTPUsername
	}
	return c.config.IMAPUsername
}
