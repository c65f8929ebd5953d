package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
)

// startupGrace is how long StartAll waits before checking which
// connectors actually came up. Connectors that establish their link in
// the background (WebSocket gateways) report failures within this
// window.
const startupGrace = time.Second

// Manager owns the registered connectors, their lifecycle, and the
// outbound dispatch loop that routes bus messages to them.
type Manager struct {
	channels map[string]Channel
	order    []string
	bus      *bus.MessageBus

	mu             sync.RWMutex
	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// Register adds a connector. Registration order is preserved for
// startup and status reporting.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := ch.Name()
	if _, exists := m.channels[name]; !exists {
		m.order = append(m.order, name)
	}
	m.channels[name] = ch
}

// Get returns a registered connector by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// StartAll starts the outbound dispatcher and then every registered
// connector. The dispatcher always runs, even with zero connectors, so
// internally-addressed frames keep draining. Returns an error only when
// every connector failed to start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	m.dispatchDone = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	if len(names) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	var started, failed []string
	for _, name := range names {
		ch, _ := m.Get(name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", name, "error", err)
			failed = append(failed, name)
			continue
		}
		started = append(started, name)
	}

	// Give background connectors a beat to fail fast, then log the
	// ones that silently went down.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(startupGrace):
	}
	for _, name := range started {
		if ch, ok := m.Get(name); ok && !ch.IsRunning() {
			slog.Warn("channel stopped right after start", "channel", name)
		}
	}

	if len(started) == 0 {
		return fmt.Errorf("all %d channels failed to start", len(failed))
	}
	slog.Info("channels started", "running", started, "failed", failed)
	return nil
}

// StopAll stops the dispatcher first so no sends race shutdown, then
// stops connectors in reverse registration order.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	cancel := m.dispatchCancel
	done := m.dispatchDone
	m.dispatchCancel = nil
	m.dispatchDone = nil
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("outbound dispatcher did not stop in time")
		}
	}

	for i := len(names) - 1; i >= 0; i-- {
		ch, ok := m.Get(names[i])
		if !ok {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", names[i], "error", err)
		}
	}
}

// dispatchOutbound drains the bus and hands each message to its
// connector. Internal channels (cli, cron, heartbeat) are consumed
// silently; their replies are delivered by their own services.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.dispatchDone)

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if InternalChannels[msg.Channel] {
			continue
		}

		ch, found := m.Get(msg.Channel)
		if !found {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if !ch.IsRunning() {
			slog.Warn("outbound message for stopped channel", "channel", msg.Channel)
			continue
		}

		// Streaming frames are sent once; a stale frame is superseded by
		// the next one anyway. Final messages get a retried delivery.
		if msg.IsStreamingFrame() {
			if err := ch.Send(ctx, msg); err != nil {
				slog.Debug("streaming frame dropped", "channel", msg.Channel, "error", err)
			}
			continue
		}
		_, err := WithRetry(ctx, RetryOptions{Name: "send to " + msg.Channel},
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, ch.Send(ctx, msg)
			})
		if err != nil {
			slog.Error("channel send failed",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// SendTo delivers one message directly to a named connector, bypassing
// the bus.
func (m *Manager) SendTo(ctx context.Context, name string, msg bus.OutboundMessage) error {
	ch, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("unknown channel %q", name)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("channel %q is not running", name)
	}
	msg.Channel = name
	return ch.Send(ctx, msg)
}

// Status reports each registered channel's running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}
