// Package channels defines the connector contract and the manager that
// routes bus traffic to live connectors.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
)

// InternalChannels are logical sources that never map to a live
// connector. Outbound messages addressed to them are not dispatched.
var InternalChannels = map[string]bool{
	"cli":       true,
	"system":    true,
	"cron":      true,
	"heartbeat": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is a live connector to one messaging platform.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel carries the state every connector shares: the bus handle,
// the allowlist, and the running flag.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string

	mu      sync.Mutex
	running bool
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowFrom: allowFrom,
	}
}

func (b *BaseChannel) Name() string { return b.name }

// Bus exposes the message bus for connectors that publish frames
// outside HandleMessage (status notices, QR prompts).
func (b *BaseChannel) Bus() *bus.MessageBus { return b.bus }

func (b *BaseChannel) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *BaseChannel) SetRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// IsAllowed checks the sender against the allowlist. An empty list
// allows everyone. Compound sender IDs ("12345|alice") match if either
// part matches an entry.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == senderID {
			return true
		}
		for _, part := range strings.Split(senderID, "|") {
			if part != "" && part == allowed {
				return true
			}
		}
	}
	return false
}

// HasAllowList reports whether an explicit allowlist is configured.
func (b *BaseChannel) HasAllowList() bool { return len(b.allowFrom) > 0 }

// HandleMessage publishes an inbound message to the bus after the
// allowlist check. UserID is the sender ID minus any "|username" suffix.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string, peerKind string) {
	if !b.IsAllowed(senderID) {
		slog.Debug("message rejected by allowlist", "channel", b.name, "sender_id", senderID)
		return
	}

	userID := senderID
	if idx := strings.Index(senderID, "|"); idx > 0 {
		userID = senderID[:idx]
	}

	b.bus.PublishInbound(bus.InboundMessage{
		Channel:  b.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		PeerKind: peerKind,
		UserID:   userID,
		Metadata: metadata,
	})
}
