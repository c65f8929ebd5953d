// Package bus implements the in-process message bus connecting channel
// connectors to the agent runtime. Two bounded FIFO queues decouple the
// two sides: inbound (connector → agent) and outbound (agent → connector).
package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
)

const defaultQueueSize = 100

// MessageBus is a bounded two-queue message router.
// Publishing never blocks: when a queue is full the message is dropped
// with a warning. Consuming blocks until a message arrives or the
// context is cancelled.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	recorder Recorder

	droppedInbound  atomic.Int64
	droppedOutbound atomic.Int64
}

// New creates a MessageBus with the default queue capacity.
func New() *MessageBus {
	return NewWithSize(defaultQueueSize)
}

// NewWithSize creates a MessageBus with the given per-queue capacity.
func NewWithSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// SetRecorder attaches a message recorder. Must be called before the bus
// is in use; the recorder is invoked synchronously on every publish.
func (b *MessageBus) SetRecorder(r Recorder) {
	b.recorder = r
}

// PublishInbound enqueues a message from a channel connector.
// Drops the message when the inbound queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if b.recorder != nil {
		b.recorder.RecordInbound(msg)
	}
	select {
	case b.inbound <- msg:
	default:
		n := b.droppedInbound.Add(1)
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"total_dropped", n,
		)
	}
}

// ConsumeInbound blocks until an inbound message is available or ctx is done.
// Returns ok=false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery to a channel connector.
// Drops the message when the outbound queue is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	if b.recorder != nil && !msg.IsStreamingFrame() && !msg.IsStreamTerminator() {
		b.recorder.RecordOutbound(msg)
	}
	select {
	case b.outbound <- msg:
	default:
		n := b.droppedOutbound.Add(1)
		slog.Warn("outbound queue full, dropping message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"total_dropped", n,
		)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
// Returns ok=false on cancellation.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Clear drains both queues, discarding everything still buffered.
// Returns the number of discarded (inbound, outbound) messages.
func (b *MessageBus) Clear() (int, int) {
	var in, out int
drainInbound:
	for {
		select {
		case <-b.inbound:
			in++
		default:
			break drainInbound
		}
	}
drainOutbound:
	for {
		select {
		case <-b.outbound:
			out++
		default:
			break drainOutbound
		}
	}
	if in > 0 || out > 0 {
		slog.Info("message bus cleared", "inbound", in, "outbound", out)
	}
	return in, out
}

// InboundDepth returns the current number of queued inbound messages.
func (b *MessageBus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth returns the current number of queued outbound messages.
func (b *MessageBus) OutboundDepth() int { return len(b.outbound) }

// Dropped returns the total dropped (inbound, outbound) counts.
func (b *MessageBus) Dropped() (int64, int64) {
	return b.droppedInbound.Load(), b.droppedOutbound.Load()
}
