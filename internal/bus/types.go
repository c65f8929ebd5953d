package bus

import "context"

// InboundMessage represents a message received from a channel (Telegram, DingTalk, etc.)
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	PeerKind string            `json:"peer_kind,omitempty"` // "direct" or "group"
	UserID   string            `json:"user_id,omitempty"`   // platform user ID (senderID minus "|username" suffix)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`    // optional media attachments
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Caption     string `json:"caption,omitempty"`      // optional caption for media
}

// IsStreamingFrame reports whether an outbound message is an intermediate
// streaming frame (progress/partial content) rather than a final message.
// The recorder skips these.
func (m OutboundMessage) IsStreamingFrame() bool {
	if m.Metadata == nil {
		return false
	}
	return m.Metadata["_streaming"] == "true" || m.Metadata["_progress"] == "true"
}

// IsStreamTerminator reports whether the message is an empty end-of-stream
// marker used to finalize edit-last-message streaming.
func (m OutboundMessage) IsStreamTerminator() bool {
	return m.Content == "" && m.Metadata != nil && m.Metadata["_streaming_end"] == "true"
}

// Recorder receives a copy of every recordable message published to the bus.
// Implementations must be safe for concurrent use; the bus calls them
// synchronously from the publisher's goroutine.
type Recorder interface {
	RecordInbound(msg InboundMessage)
	RecordOutbound(msg OutboundMessage)
}

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
