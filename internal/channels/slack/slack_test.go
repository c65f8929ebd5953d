package slack

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func newTestChannel(t *testing.T, cfg config.SlackConfig) (*Channel, *bus.MessageBus) {
	t.Helper()
	if cfg.BotToken == "" {
		cfg.BotToken = "xoxb-test"
	}
	if cfg.AppToken == "" {
		cfg.AppToken = "xapp-test"
	}
	msgBus := bus.New()
	ch, err := New(cfg, msgBus)
	if err != nil {
		t.Fatal(err)
	}
	ch.botUserID = "UBOT"
	return ch, msgBus
}

func TestNewRequiresBothTokens(t *testing.T) {
	if _, err := New(config.SlackConfig{BotToken: "xoxb"}, bus.New()); err == nil {
		t.Error("expected error without app token")
	}
}

func TestToMrkdwn(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**hi**", "*hi*"},
		{"link", "[docs](https://example.com)", "<https://example.com|docs>"},
		{"heading", "## Title", "*Title*"},
		{"strike", "~~gone~~", "~gone~"},
		{"plain", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toMrkdwn(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToMrkdwnLeavesFencesAlone(t *testing.T) {
	in := "```\n**not bold**\n```"
	if got := toMrkdwn(in); got != in {
		t.Errorf("fenced content changed: %q", got)
	}
}

func consume(t *testing.T, msgBus *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return msgBus.ConsumeInbound(ctx)
}

func TestHandleEventDMAlwaysPasses(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.SlackConfig{})
	ch.handleEvent(&slackEvent{Type: "message", User: "U1", Text: "hi", Channel: "D123", TS: "1.0"})
	msg, ok := consume(t, msgBus)
	if !ok {
		t.Fatal("DM not published")
	}
	if msg.PeerKind != "direct" || msg.ChatID != "D123" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHandleEventMentionPolicy(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.SlackConfig{})

	ch.handleEvent(&slackEvent{Type: "message", User: "U1", Text: "no mention", Channel: "C123", TS: "1.0"})
	if _, ok := consume(t, msgBus); ok {
		t.Error("unmentioned channel message should be ignored under mention policy")
	}

	ch.handleEvent(&slackEvent{Type: "app_mention", User: "U1", Text: "<@UBOT> hello", Channel: "C123", TS: "2.0"})
	msg, ok := consume(t, msgBus)
	if !ok {
		t.Fatal("mention not published")
	}
	if msg.Content != "hello" {
		t.Errorf("mention token not stripped: %q", msg.Content)
	}
}

func TestHandleEventOpenPolicy(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.SlackConfig{GroupPolicy: "open"})
	ch.handleEvent(&slackEvent{Type: "message", User: "U1", Text: "anyone", Channel: "C123", TS: "1.0"})
	if _, ok := consume(t, msgBus); !ok {
		t.Error("open policy should accept unmentioned messages")
	}
}

func TestHandleEventIgnoresBotsAndSubtypes(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.SlackConfig{GroupPolicy: "open"})
	ch.handleEvent(&slackEvent{Type: "message", User: "UBOT", Text: "self", Channel: "D1", TS: "1.0"})
	ch.handleEvent(&slackEvent{Type: "message", User: "U1", BotID: "B9", Text: "bot", Channel: "D1", TS: "2.0"})
	ch.handleEvent(&slackEvent{Type: "message", User: "U1", Subtype: "message_changed", Text: "edit", Channel: "D1", TS: "3.0"})
	if _, ok := consume(t, msgBus); ok {
		t.Error("bot or subtype events should be ignored")
	}
}
