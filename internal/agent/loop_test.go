package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/acp"
	"github.com/nextlevelbuilder/flowgate/internal/bus"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fakeSegmentChannel struct {
	threshold int
	sent      []string
}

func (f *fakeSegmentChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg.Content)
	return nil
}

func (f *fakeSegmentChannel) SegmentThreshold() int { return f.threshold }

func feedAll(s *segmenter, ch *fakeSegmentChannel, chunks ...string) {
	msg := bus.InboundMessage{Channel: "qq", ChatID: "42"}
	for _, c := range chunks {
		s.feed(context.Background(), c, msg, "", nil)
	}
	s.finish(context.Background(), msg, "", nil)
}

func TestSegmenterSplitsOnNewlineThreshold(t *testing.T) {
	ch := &fakeSegmentChannel{threshold: 2}
	s := newSegmenter(ch)
	feedAll(s, ch, "line one\nline two\nline three\n", "tail")

	if len(ch.sent) != 2 {
		t.Fatalf("segments = %d, want 2: %q", len(ch.sent), ch.sent)
	}
	if ch.sent[0] != "line one\nline two" {
		t.Errorf("first segment = %q", ch.sent[0])
	}
	if ch.sent[1] != "line three\ntail" {
		t.Errorf("final segment = %q", ch.sent[1])
	}
}

func TestSegmenterCodeBlockNewlinesDontCount(t *testing.T) {
	ch := &fakeSegmentChannel{threshold: 2}
	s := newSegmenter(ch)
	feedAll(s, ch, "before\n```go\na := 1\nb := 2\nc := 3\n```\nafter\n")

	// the fenced block's inner newlines must not trigger a mid-block split
	for _, seg := range ch.sent {
		opens := strings.Count(seg, "```")
		if opens == 1 {
			t.Errorf("segment splits a code fence: %q", seg)
		}
	}
}

func TestSegmenterThresholdDisabledFlushesOnce(t *testing.T) {
	ch := &fakeSegmentChannel{threshold: 0}
	s := newSegmenter(ch)
	feedAll(s, ch, "a\nb\nc\n", "d")

	if len(ch.sent) != 1 {
		t.Fatalf("segments = %d, want 1: %q", len(ch.sent), ch.sent)
	}
	if ch.sent[0] != "a\nb\nc\nd" {
		t.Errorf("segment = %q", ch.sent[0])
	}
}

func TestSegmenterPartialLinesBuffered(t *testing.T) {
	ch := &fakeSegmentChannel{threshold: 1}
	s := newSegmenter(ch)
	msg := bus.InboundMessage{Channel: "qq", ChatID: "42"}

	// newline arrives split across chunks
	s.feed(context.Background(), "hel", msg, "", nil)
	s.feed(context.Background(), "lo\n", msg, "", nil)
	if len(ch.sent) != 1 || ch.sent[0] != "hello" {
		t.Fatalf("sent = %q, want [hello]", ch.sent)
	}
	s.finish(context.Background(), msg, "", nil)
	if len(ch.sent) != 1 {
		t.Errorf("empty remainder should not flush, sent = %q", ch.sent)
	}
}

func TestFlushThresholdRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		if n := flushThreshold(); n < streamBufferMin || n > streamBufferMax {
			t.Fatalf("threshold %d outside [%d,%d]", n, streamBufferMin, streamBufferMax)
		}
	}
}

func TestInjectWorkspaceContext(t *testing.T) {
	t.Run("no files", func(t *testing.T) {
		l := &Loop{workspace: t.TempDir()}
		got, mode := l.injectWorkspaceContext("hello")
		if mode != "" || got != "hello" {
			t.Errorf("got %q mode %q", got, mode)
		}
	})

	t.Run("bootstrap wins", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "BOOTSTRAP.md", "set up your identity")
		writeFile(t, dir, "AGENTS.md", "workspace rules")
		l := &Loop{workspace: dir}
		got, mode := l.injectWorkspaceContext("hello")
		if mode != "BOOTSTRAP" {
			t.Fatalf("mode = %q", mode)
		}
		if !strings.Contains(got, "set up your identity") || !strings.Contains(got, "用户消息: hello") {
			t.Errorf("injection missing parts:\n%s", got)
		}
		if strings.Contains(got, "workspace rules") {
			t.Error("AGENTS.md should be ignored when BOOTSTRAP.md exists")
		}
	})

	t.Run("agents fallback", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "AGENTS.md", "workspace rules")
		l := &Loop{workspace: dir}
		got, mode := l.injectWorkspaceContext("hello")
		if mode != "AGENTS" {
			t.Fatalf("mode = %q", mode)
		}
		if !strings.Contains(got, "workspace rules") || !strings.Contains(got, "用户消息: hello") {
			t.Errorf("injection missing parts:\n%s", got)
		}
	})
}

func TestBuildSourceContext(t *testing.T) {
	l := &Loop{}
	got := l.buildSourceContext(bus.InboundMessage{Channel: "slack", ChatID: "C123"})
	for _, want := range []string{"[message_source]", "channel: slack", "chat_id: C123", "session: slack:C123", "[/message_source]"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

// slowTransport records how many prompts overlap in time.
type slowTransport struct {
	fakeTransport
	mu      sync.Mutex
	active  int
	maxSeen int
	order   []string
}

func (s *slowTransport) Prompt(ctx context.Context, sessionID, message string, hooks acp.PromptHooks) (acp.Response, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	s.mu.Lock()
	s.active--
	s.order = append(s.order, message)
	s.mu.Unlock()
	return acp.Response{Content: "ok", StopReason: acp.StopEndTurn}, nil
}

func newTestLoop(t *testing.T, tr acp.Transport, streaming bool) (*Loop, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.NewWithSize(32)
	adapter, _ := newTestAdapter(t, tr)
	loop := NewLoop(LoopConfig{
		Bus:       msgBus,
		Adapter:   adapter,
		Workspace: t.TempDir(),
		Streaming: streaming,
	})
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)
	return loop, msgBus
}

func collectOutbound(t *testing.T, msgBus *bus.MessageBus, n int) []bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []bus.OutboundMessage
	for len(out) < n {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			t.Fatalf("timed out after %d of %d outbound messages", len(out), n)
		}
		out = append(out, msg)
	}
	return out
}

func TestLoopSerializesTurnsPerConversation(t *testing.T) {
	tr := &slowTransport{}
	_, msgBus := newTestLoop(t, tr, false)

	for i := 0; i < 3; i++ {
		msgBus.PublishInbound(bus.InboundMessage{
			Channel: "telegram", ChatID: "1",
			Content: string(rune('a' + i)),
		})
	}
	collectOutbound(t, msgBus, 3)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.maxSeen != 1 {
		t.Errorf("concurrent turns for one conversation = %d, want 1", tr.maxSeen)
	}
	if len(tr.order) != 3 {
		t.Errorf("turns completed = %d, want 3", len(tr.order))
	}
}

// chunkedTransport replays scripted chunks through the prompt hooks.
type chunkedTransport struct {
	fakeTransport
	chunks []string
}

func (c *chunkedTransport) Prompt(ctx context.Context, sessionID, message string, hooks acp.PromptHooks) (acp.Response, error) {
	var full strings.Builder
	for _, chunk := range c.chunks {
		full.WriteString(chunk)
		if hooks.OnChunk != nil {
			hooks.OnChunk(acp.Chunk{Text: chunk})
		}
	}
	return acp.Response{Content: full.String(), StopReason: acp.StopEndTurn}, nil
}

func TestLoopStreamingFrameShape(t *testing.T) {
	// Each chunk exceeds the maximum flush threshold, so every chunk
	// produces one snapshot frame, then the final frame and terminator.
	chunks := []string{
		"first chunk well over the buffer  ",
		"second chunk also over the limit  ",
		"third and closing chunk of text   ",
	}
	tr := &chunkedTransport{chunks: chunks}
	_, msgBus := newTestLoop(t, tr, true)

	msgBus.PublishInbound(bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "go"})
	frames := collectOutbound(t, msgBus, len(chunks)+2)

	terminator := frames[len(frames)-1]
	if !terminator.IsStreamTerminator() || terminator.Content != "" {
		t.Fatalf("last frame is not an empty terminator: %+v", terminator)
	}

	snapshots := frames[:len(frames)-1]
	prev := ""
	for i, f := range snapshots {
		if !f.IsStreamingFrame() {
			t.Errorf("frame %d missing streaming metadata: %+v", i, f.Metadata)
		}
		if f.Content == "" {
			t.Errorf("frame %d has empty content", i)
		}
		if !strings.HasPrefix(f.Content, prev) {
			t.Errorf("frame %d content is not an extension of the previous snapshot", i)
		}
		prev = f.Content
	}

	want := strings.Join(chunks, "")
	if final := snapshots[len(snapshots)-1].Content; final != want {
		t.Errorf("final snapshot = %q, want full text %q", final, want)
	}
}
