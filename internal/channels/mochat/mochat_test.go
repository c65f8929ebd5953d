package mochat

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func newTestChannel(t *testing.T, cfg config.MochatConfig) (*Channel, *bus.MessageBus) {
	t.Helper()
	if cfg.ClawToken == "" {
		cfg.ClawToken = "tok"
	}
	msgBus := bus.New()
	ch, err := New(cfg, msgBus)
	if err != nil {
		t.Fatal(err)
	}
	ch.cursorPath = "" // keep tests off the real home directory
	return ch, msgBus
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(config.MochatConfig{}, bus.New()); err == nil {
		t.Error("expected error without claw_token")
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		in      string
		id      string
		isPanel bool
	}{
		{"session_abc", "session_abc", false},
		{"mochat:session_abc", "session_abc", false},
		{"panel123", "panel123", true},
		{"panel:session_abc", "session_abc", true},
		{"group:p1", "p1", true},
		{"channel:p2", "p2", true},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got := resolveTarget(tt.in)
		if got.ID != tt.id || got.IsPanel != tt.isPanel {
			t.Errorf("resolveTarget(%q) = %+v, want id=%q panel=%v", tt.in, got, tt.id, tt.isPanel)
		}
	}
}

func TestNormalizeIDList(t *testing.T) {
	ids, auto := normalizeIDList([]string{" a ", "*", "b", "a", ""})
	if !auto {
		t.Error("star should enable auto-discovery")
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestRememberMessageID(t *testing.T) {
	ch, _ := newTestChannel(t, config.MochatConfig{})
	if ch.rememberMessageID("session:s1", "m1") {
		t.Error("first sighting should not be marked seen")
	}
	if !ch.rememberMessageID("session:s1", "m1") {
		t.Error("second sighting should be deduplicated")
	}
	if ch.rememberMessageID("session:s2", "m1") {
		t.Error("dedupe windows are per target")
	}
}

func TestNormalizeContent(t *testing.T) {
	if got := normalizeContent("  hi  "); got != "hi" {
		t.Errorf("string = %q", got)
	}
	if got := normalizeContent(nil); got != "" {
		t.Errorf("nil = %q", got)
	}
	if got := normalizeContent(map[string]any{"k": "v"}); got != `{"k":"v"}` {
		t.Errorf("object = %q", got)
	}
}

func TestWasMentioned(t *testing.T) {
	p := eventPayload{Meta: map[string]any{"mentioned": true}}
	if !wasMentioned(p, "") {
		t.Error("meta.mentioned should match regardless of agent id")
	}

	p = eventPayload{Meta: map[string]any{"mentionIds": []any{"u1", "u2"}}}
	if !wasMentioned(p, "u2") {
		t.Error("mention id list should match")
	}
	if wasMentioned(p, "u3") {
		t.Error("absent id should not match")
	}

	p = eventPayload{Content: "hey <@bot1> hello"}
	if !wasMentioned(p, "bot1") {
		t.Error("inline mention should match")
	}
}

func TestProcessInboundEvent(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.MochatConfig{AgentUserID: "agent1"})

	ch.processInboundEvent("session_s1", eventPayload{
		MessageID: "m1",
		Author:    "user9",
		Content:   "hello there",
	}, "session")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.SenderID != "user9" || msg.ChatID != "session_s1" || msg.PeerKind != "direct" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Metadata["target_kind"] != "session" {
		t.Errorf("target_kind = %q", msg.Metadata["target_kind"])
	}
}

func TestProcessInboundEventSkipsOwnMessages(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.MochatConfig{AgentUserID: "agent1"})

	ch.processInboundEvent("session_s1", eventPayload{
		MessageID: "m2",
		Author:    "agent1",
		Content:   "echo of my own reply",
	}, "session")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Error("agent's own message should be skipped")
	}
}

func TestHandleWatchPayloadColdSession(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.MochatConfig{Sessions: []string{"session_s1"}})

	// First payload after subscribing a session with no saved cursor is
	// history and must not reach the bus.
	payload := map[string]any{
		"cursor": float64(7),
		"events": []any{
			map[string]any{
				"type": "message.add",
				"payload": map[string]any{
					"messageId": "old1",
					"author":    "user1",
					"content":   "old history",
				},
			},
		},
	}
	ch.handleWatchPayload("session_s1", payload, "session")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatal("cold session history should be swallowed")
	}

	// Second payload is live traffic.
	payload["events"].([]any)[0].(map[string]any)["payload"].(map[string]any)["messageId"] = "new1"
	ch.handleWatchPayload("session_s1", payload, "session")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	msg, ok := msgBus.ConsumeInbound(ctx2)
	if !ok {
		t.Fatal("live event should be dispatched")
	}
	if msg.Content != "old history" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestSendSkipsStreamingFrames(t *testing.T) {
	ch, _ := newTestChannel(t, config.MochatConfig{})
	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:   "session_s1",
		Content:  "partial",
		Metadata: map[string]string{"_streaming": "true"},
	})
	if err != nil {
		t.Errorf("streaming frames should be dropped, got %v", err)
	}
}
