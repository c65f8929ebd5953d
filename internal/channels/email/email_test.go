package email

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func newTestChannel(t *testing.T, cfg config.EmailConfig) (*Channel, *bus.MessageBus) {
	t.Helper()
	if cfg.IMAPHost == "" {
		cfg.IMAPHost = "imap.example.com"
	}
	if cfg.IMAPUsername == "" {
		cfg.IMAPUsername = "bot@example.com"
	}
	msgBus := bus.New()
	ch, err := New(cfg, msgBus)
	if err != nil {
		t.Fatal(err)
	}
	return ch, msgBus
}

func TestNewRequiresIMAPCredentials(t *testing.T) {
	if _, err := New(config.EmailConfig{}, bus.New()); err == nil {
		t.Error("expected error without imap settings")
	}
}

func TestStartRequiresConsent(t *testing.T) {
	ch, _ := newTestChannel(t, config.EmailConfig{})
	if err := ch.Start(context.Background()); err == nil {
		_ = ch.Stop(context.Background())
		t.Fatal("expected error without consent_granted")
	}
}

func TestMarkSeenDeduplicates(t *testing.T) {
	ch, _ := newTestChannel(t, config.EmailConfig{})
	if !ch.markSeen(42) {
		t.Error("first sighting should be new")
	}
	if ch.markSeen(42) {
		t.Error("second sighting should be deduplicated")
	}
}

func TestHandleMailContent(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.EmailConfig{})

	ch.handleMail(&inboundMail{
		UID:       1,
		From:      "Alice@Example.com",
		Subject:   "Status update",
		Date:      "Mon, 24 Aug 2026 10:00:00 +0000",
		MessageID: "<abc@example.com>",
		Body:      "All systems nominal.",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.SenderID != "alice@example.com" || msg.ChatID != "alice@example.com" {
		t.Errorf("ids = %q / %q, want lowercased address", msg.SenderID, msg.ChatID)
	}
	wantPrefix := "Email received.\nFrom: Alice@Example.com\nSubject: Status update\nDate: Mon, 24 Aug 2026 10:00:00 +0000\n\nAll systems nominal."
	if msg.Content != wantPrefix {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Metadata["message_id"] != "<abc@example.com>" {
		t.Errorf("message_id = %q", msg.Metadata["message_id"])
	}
}

func TestHandleMailTruncatesBody(t *testing.T) {
	ch, msgBus := newTestChannel(t, config.EmailConfig{})

	ch.handleMail(&inboundMail{
		UID:  2,
		From: "bob@example.com",
		Body: strings.Repeat("x", bodyLimit+100),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if !strings.HasSuffix(msg.Content, "... [truncated]") {
		t.Error("oversized body should be truncated")
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello", "Re: Hello"},
		{"Re: Hello", "Re: Hello"},
		{"RE: Hello", "RE: Hello"},
		{"", "Re: your message"},
	}
	for _, tt := range tests {
		if got := replySubject(tt.in); got != tt.want {
			t.Errorf("replySubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromAddressFallback(t *testing.T) {
	ch, _ := newTestChannel(t, config.EmailConfig{
		FromAddress:  "noreply@example.com",
		SMTPUsername: "smtp@example.com",
	})
	if got := ch.fromAddress(); got != "noreply@example.com" {
		t.Errorf("got %q", got)
	}

	ch, _ = newTestChannel(t, config.EmailConfig{SMTPUsername: "smtp@example.com"})
	if got := ch.fromAddress(); got != "smtp@example.com" {
		t.Errorf("got %q", got)
	}

	ch, _ = newTestChannel(t, config.EmailConfig{})
	if got := ch.fromAddress(); got != "bot@example.com" {
		t.Errorf("got %q", got)
	}
}

func TestSendSuppressedWithoutAutoReply(t *testing.T) {
	ch, _ := newTestChannel(t, config.EmailConfig{AutoReplyEnabled: false})
	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:  "user@example.com",
		Content: "a reply",
	})
	if err != nil {
		t.Errorf("suppressed send should not error, got %v", err)
	}
}

func TestSendSkipsStreamingFrames(t *testing.T) {
	ch, _ := newTestChannel(t, config.EmailConfig{AutoReplyEnabled: true})
	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:   "user@example.com",
		Content:  "partial",
		Metadata: map[string]string{"_streaming": "true"},
	})
	if err != nil {
		t.Errorf("streaming frames should be dropped, got %v", err)
	}
}

func TestExtractTextBody(t *testing.T) {
	plain := "From: a@example.com\r\nContent-Type: text/plain\r\n\r\nhello body\r\n"
	if got := extractTextBody(strings.NewReader(plain)); got != "hello body" {
		t.Errorf("plain = %q", got)
	}

	multi := "From: a@example.com\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUND\r\n\r\n" +
		"--BOUND\r\nContent-Type: text/plain\r\n\r\nthe text part\r\n" +
		"--BOUND\r\nContent-Type: text/html\r\n\r\n<p>html</p>\r\n" +
		"--BOUND--\r\n"
	if got := extractTextBody(strings.NewReader(multi)); got != "the text part" {
		t.Errorf("multipart = %q", got)
	}
}
