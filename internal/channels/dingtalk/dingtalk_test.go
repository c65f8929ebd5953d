package dingtalk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

func newTestChannel(t *testing.T) (*Channel, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.New()
	ch, err := New(config.DingTalkConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RobotCode:    "robot",
	}, msgBus)
	if err != nil {
		t.Fatal(err)
	}
	return ch, msgBus
}

func TestIsGroupChat(t *testing.T) {
	if !isGroupChat("cidAbc123==") {
		t.Error("cid-prefixed ID should be a group")
	}
	if isGroupChat("staff001") {
		t.Error("staff ID should be private")
	}
}

func TestNewOutTrackID(t *testing.T) {
	id := newOutTrackID()
	if !strings.HasPrefix(id, "card_") || len(id) != len("card_")+24 {
		t.Errorf("unexpected outTrackId format: %q", id)
	}
	if id == newOutTrackID() {
		t.Error("outTrackIds should be unique")
	}
}

func TestTemplateKeyDefault(t *testing.T) {
	ch, _ := newTestChannel(t)
	if got := ch.templateKey(); got != "content" {
		t.Errorf("templateKey = %q, want content", got)
	}
	ch.config.CardTemplateKey = "answer"
	if got := ch.templateKey(); got != "answer" {
		t.Errorf("templateKey = %q, want answer", got)
	}
}

func TestRobotCodeFallsBackToClientID(t *testing.T) {
	ch, _ := newTestChannel(t)
	if got := ch.robotCode(); got != "robot" {
		t.Errorf("robotCode = %q", got)
	}
	ch.config.RobotCode = ""
	if got := ch.robotCode(); got != "client" {
		t.Errorf("robotCode fallback = %q", got)
	}
}

func TestHandleCallbackGroupVsPrivate(t *testing.T) {
	ch, msgBus := newTestChannel(t)

	ch.handleCallback(`{
		"conversationId": "cidXYZ==",
		"conversationType": "2",
		"senderStaffId": "staff001",
		"senderNick": "Ada",
		"text": {"content": "hello"}
	}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.ChatID != "cidXYZ==" || msg.PeerKind != "group" || msg.SenderID != "staff001" {
		t.Errorf("group msg = %+v", msg)
	}

	ch.handleCallback(`{
		"conversationId": "cidXYZ==",
		"conversationType": "1",
		"senderStaffId": "staff001",
		"text": {"content": "hi"}
	}`)
	msg, ok = msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.ChatID != "staff001" || msg.PeerKind != "direct" {
		t.Errorf("private msg = %+v", msg)
	}
}

func TestHandleCallbackIgnoresEmptyContent(t *testing.T) {
	ch, msgBus := newTestChannel(t)
	ch.handleCallback(`{"conversationType":"1","senderStaffId":"s","text":{"content":""}}`)
	if msgBus.InboundDepth() != 0 {
		t.Error("empty content should not publish")
	}
}

func TestSendBuffersStreamingFrames(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()

	err := ch.Send(ctx, bus.OutboundMessage{
		ChatID:   "staff001",
		Content:  "partial",
		Metadata: map[string]string{"_streaming": "true"},
	})
	if err != nil {
		t.Fatalf("streaming frame should buffer without error: %v", err)
	}
	ch.pendingMu.Lock()
	got := ch.pending["staff001"]
	ch.pendingMu.Unlock()
	if got != "partial" {
		t.Errorf("pending = %q", got)
	}

	// Terminator with nothing buffered is a no-op.
	err = ch.Send(ctx, bus.OutboundMessage{
		ChatID:   "other",
		Metadata: map[string]string{"_streaming_end": "true"},
	})
	if err != nil {
		t.Errorf("empty flush should be nil, got %v", err)
	}
}

func TestCardStateConstants(t *testing.T) {
	if cardStateProcessing != "1" || cardStateInputing != "2" || cardStateFinished != "3" || cardStateFailed != "5" {
		t.Error("card state wire values drifted")
	}
}

func TestStreamChunkFailedCardFallsBackToMarkdown(t *testing.T) {
	var mu sync.Mutex
	var markdownBodies []string
	streamCalls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/oauth2/accessToken":
			fmt.Fprint(w, `{"accessToken":"tok","expireIn":7200}`)
		case "/v1.0/card/instances/createAndDeliver":
			fmt.Fprint(w, `{}`)
		case "/v1.0/card/streaming":
			mu.Lock()
			streamCalls++
			mu.Unlock()
			http.Error(w, `{"code":"oops"}`, http.StatusInternalServerError)
		case "/v1.0/robot/oToMessages/batchSend":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			markdownBodies = append(markdownBodies, string(body))
			mu.Unlock()
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected API call %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ch, _ := newTestChannel(t)
	ch.config.CardTemplateID = "tmpl"
	ch.api = srv.URL
	ch.tokens.base = srv.URL
	ctx := context.Background()

	if err := ch.StartStreaming(ctx, "staff001"); err != nil {
		t.Fatalf("start streaming: %v", err)
	}

	// First update fails and poisons the card.
	if err := ch.StreamChunk(ctx, "staff001", "partial", false); err == nil {
		t.Fatal("expected error from failed card update")
	}

	// Later intermediate chunks must not re-hit the card API.
	if err := ch.StreamChunk(ctx, "staff001", "partial more", false); err != nil {
		t.Fatalf("chunk on failed card should be dropped silently: %v", err)
	}
	mu.Lock()
	if streamCalls != 1 {
		t.Errorf("streaming API calls = %d, want 1", streamCalls)
	}
	mu.Unlock()

	// The final chunk goes out as plain markdown instead.
	if err := ch.StreamChunk(ctx, "staff001", "full reply", true); err != nil {
		t.Fatalf("final chunk fallback: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(markdownBodies) != 1 || !strings.Contains(markdownBodies[0], "full reply") {
		t.Errorf("markdown fallback bodies = %v", markdownBodies)
	}

	ch.cardMu.Lock()
	_, stillTracked := ch.cards["staff001"]
	ch.cardMu.Unlock()
	if stillTracked {
		t.Error("failed card should be dropped after the final chunk")
	}
}
