package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/flowgate/internal/acp"
	"github.com/nextlevelbuilder/flowgate/internal/analyzer"
	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/sessions"
)

// streamingChannels can render incremental updates; everything else gets
// one final message per turn.
var streamingChannels = map[string]bool{
	"telegram": true,
	"discord":  true,
	"slack":    true,
	"dingtalk": true,
	"qq":       true,
}

// Streamed frames are flushed once this many new characters accumulate.
// The threshold is re-rolled per flush so edits do not land on a fixed
// rhythm that platforms rate-limit.
const (
	streamBufferMin = 10
	streamBufferMax = 25
)

const newChatAck = "✨ 已开始新对话，之前的上下文已清除。"

// Sender delivers one outbound message directly, bypassing the bus.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// CardStreamer is implemented by channels that render a streamed reply
// into a single editable card (DingTalk's AI card).
type CardStreamer interface {
	StartStreaming(ctx context.Context, chatID string) error
	StreamChunk(ctx context.Context, chatID, content string, final bool) error
}

// SegmentStreamer is implemented by channels that deliver a streamed
// reply as discrete segments split on complete lines (QQ).
type SegmentStreamer interface {
	Sender
	SegmentThreshold() int
}

// ChannelDirectory resolves a channel name to its live connector, for
// the two connector families the loop must drive directly.
type ChannelDirectory interface {
	Sender(name string) (Sender, bool)
}

// Loop consumes inbound messages from the bus, runs each through the
// agent, and publishes replies. Messages from the same conversation are
// processed strictly in order; distinct conversations run concurrently.
type Loop struct {
	bus      *bus.MessageBus
	adapter  *Adapter
	channels ChannelDirectory
	recorder bus.Recorder

	workspace string
	streaming bool
	analyzer  *analyzer.Analyzer
	tracer    trace.Tracer

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Bus       *bus.MessageBus
	Adapter   *Adapter
	Channels  ChannelDirectory
	Recorder  bus.Recorder
	Workspace string
	Streaming bool
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		bus:       cfg.Bus,
		adapter:   cfg.Adapter,
		channels:  cfg.Channels,
		recorder:  cfg.Recorder,
		workspace: cfg.Workspace,
		streaming: cfg.Streaming,
		analyzer:  analyzer.New(),
		tracer:    otel.Tracer("flowgate/agent"),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Start launches the consume loop in the background.
func (l *Loop) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx)
	slog.Info("agent loop started", "workspace", l.workspace, "streaming", l.streaming)
}

// Stop cancels the consume loop and waits for it to drain.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
	slog.Info("agent loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go l.processMessage(ctx, msg)
	}
}

// userLock returns the serialization lock for one conversation. Locks
// are never evicted; the map grows with the number of distinct
// conversations, which is bounded in practice.
func (l *Loop) userLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.userLocks[key]
	if !ok {
		lk = &sync.Mutex{}
		l.userLocks[key] = lk
	}
	return lk
}

func (l *Loop) processMessage(ctx context.Context, msg bus.InboundMessage) {
	key := sessions.BuildKey(msg.Channel, msg.ChatID)
	lk := l.userLock(key)
	lk.Lock()
	defer lk.Unlock()

	ctx, span := l.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("channel", msg.Channel),
			attribute.String("chat_id", msg.ChatID),
		))
	defer span.End()

	slog.Info("processing message", "key", key)

	if cmd := strings.ToLower(strings.TrimSpace(msg.Content)); cmd == "/new" || cmd == "/start" {
		l.adapter.ClearSession(key)
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: newChatAck,
		})
		return
	}

	content := l.buildSourceContext(msg) + "\n\n" + msg.Content
	if injected, mode := l.injectWorkspaceContext(content); mode != "" {
		content = injected
		slog.Info("injected workspace context", "mode", mode, "key", key)
	}

	var response string
	var err error
	if l.streaming && streamingChannels[msg.Channel] {
		response, err = l.processStreaming(ctx, msg, content)
	} else {
		response, err = l.adapter.Chat(ctx, key, content)
	}
	if err != nil {
		slog.Error("message processing failed", "key", key, "error", err)
		span.RecordError(err)
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fmt.Sprintf("❌ 处理消息时出错: %v", err),
		})
		return
	}

	if response != "" && !(l.streaming && streamingChannels[msg.Channel]) {
		l.bus.PublishOutbound(l.buildOutbound(response, msg))
		slog.Info("response sent", "key", key)
	}
}

// buildSourceContext prefixes the turn with where the message came from,
// so the agent can tell conversations apart inside one shared workspace.
func (l *Loop) buildSourceContext(msg bus.InboundMessage) string {
	return fmt.Sprintf(`[message_source]
channel: %s
chat_id: %s
session: %s:%s
time: %s
[/message_source]`,
		msg.Channel, msg.ChatID, msg.Channel, msg.ChatID,
		time.Now().Format("2006-01-02 15:04:05"))
}

// injectWorkspaceContext wraps the message with the workspace's guidance
// file when one exists. BOOTSTRAP.md wins over AGENTS.md; its presence
// means first-run identity setup has not happened yet. Returns the
// original message and "" when neither file exists.
func (l *Loop) injectWorkspaceContext(message string) (string, string) {
	if data, err := os.ReadFile(filepath.Join(l.workspace, "BOOTSTRAP.md")); err == nil {
		return fmt.Sprintf(`[BOOTSTRAP - 首次启动引导 - 必须执行]
以下是首次启动引导文件，你必须按照其中的指示完成身份设置。
完成引导后，删除 workspace/BOOTSTRAP.md 文件,删除后只需要告诉用户已完成身份设置即可，无需告诉用户关于 BOOTSTRAP.md 文件的任何信息。

%s
[/BOOTSTRAP]

用户消息: %s`, string(data), message), "BOOTSTRAP"
	}

	if data, err := os.ReadFile(filepath.Join(l.workspace, "AGENTS.md")); err == nil {
		return fmt.Sprintf(`[AGENTS - 工作空间指南]
以下是当前工作空间的行为指南，请严格遵循。

%s
[/AGENTS]

SOUL.md - Who You Are（你的灵魂）定义了你是谁，你的性格、特点、行为准则等核心信息。
IDENTITY.md - Your Identity（你的身份）定义了你的具体身份信息，如名字、年龄、职业、兴趣爱好等。
USERY.md - User Identity（用户身份）定义了用户的具体身份信息，如名字、年龄、职业、兴趣爱好等。
TOOLS.md - Your Tools（你的工具）定义了你可以使用的工具列表，包括每个工具的名称、功能描述、使用方法等, 每次学会一个工具，你便要主动更新该文件。

用户消息: %s`, string(data), message), "AGENTS"
	}

	return message, ""
}

// buildOutbound scans the response for generated artifact files and
// attaches any that exist on disk.
func (l *Loop) buildOutbound(response string, msg bus.InboundMessage) bus.OutboundMessage {
	media := l.detectArtifacts(response)
	return bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  response,
		Media:    attachments(media),
		Metadata: map[string]string{"reply_to_id": msg.Metadata["message_id"]},
	}
}

func (l *Loop) detectArtifacts(response string) []string {
	res := l.analyzer.Analyze(analyzer.ExecResult{Output: response, Success: true})
	var media []string
	media = append(media, res.ImageFiles...)
	media = append(media, res.AudioFiles...)
	media = append(media, res.VideoFiles...)
	media = append(media, res.DocFiles...)
	if len(media) > 0 {
		slog.Info("detected artifact files in response", "count", len(media))
	}
	return media
}

func attachments(paths []string) []bus.MediaAttachment {
	out := make([]bus.MediaAttachment, 0, len(paths))
	for _, p := range paths {
		out = append(out, bus.MediaAttachment{URL: p})
	}
	return out
}

// processStreaming runs one turn with live delivery. Three connector
// families are handled: card editors (DingTalk) get direct calls with
// the cumulative text, segment senders (QQ) get complete-line chunks,
// and everything else gets cumulative snapshot frames over the bus
// terminated by an empty end marker.
func (l *Loop) processStreaming(ctx context.Context, msg bus.InboundMessage, content string) (string, error) {
	key := sessions.BuildKey(msg.Channel, msg.ChatID)
	replyTo := msg.Metadata["message_id"]

	var card CardStreamer
	var segment SegmentStreamer
	if l.channels != nil {
		if ch, ok := l.channels.Sender(msg.Channel); ok {
			if cs, ok := ch.(CardStreamer); ok && msg.Channel == "dingtalk" {
				card = cs
				if err := card.StartStreaming(ctx, msg.ChatID); err != nil {
					slog.Warn("failed to open streaming card", "error", err)
					card = nil
				}
			}
			if ss, ok := ch.(SegmentStreamer); ok && msg.Channel == "qq" {
				segment = ss
			}
		}
	}

	var buffer strings.Builder
	unflushed := 0
	threshold := flushThreshold()

	seg := newSegmenter(segment)

	hooks := acp.PromptHooks{
		OnChunk: func(chunk acp.Chunk) {
			if chunk.IsThought || chunk.Text == "" {
				return
			}
			buffer.WriteString(chunk.Text)

			if seg != nil {
				seg.feed(ctx, chunk.Text, msg, replyTo, l.recorder)
				return
			}

			unflushed += len(chunk.Text)
			if unflushed < threshold {
				return
			}
			unflushed = 0
			threshold = flushThreshold()

			if card != nil {
				if err := card.StreamChunk(ctx, msg.ChatID, buffer.String(), false); err != nil {
					slog.Warn("card stream update failed", "error", err)
				}
				return
			}
			l.bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: buffer.String(),
				Metadata: map[string]string{
					"_progress":   "true",
					"_streaming":  "true",
					"reply_to_id": replyTo,
				},
			})
		},
	}

	response, err := l.adapter.ChatStream(ctx, key, content, hooks)
	if err != nil {
		return "", err
	}

	final := buffer.String()
	if final == "" {
		final = response
	}

	if seg != nil {
		seg.finish(ctx, msg, replyTo, l.recorder)
		return final, nil
	}
	if final == "" {
		return final, nil
	}

	media := l.detectArtifacts(final)

	if card != nil {
		if err := card.StreamChunk(ctx, msg.ChatID, final, true); err != nil {
			slog.Warn("card stream finalize failed", "error", err)
		}
		// artifact files ride separately, the card only carries text
		if len(media) > 0 {
			l.bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Media:   attachments(media),
			})
		}
		return final, nil
	}

	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: final,
		Media:   attachments(media),
		Metadata: map[string]string{
			"_progress":   "true",
			"_streaming":  "true",
			"reply_to_id": replyTo,
		},
	})
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Metadata: map[string]string{
			"_streaming_end": "true",
			"reply_to_id":    replyTo,
		},
	})
	slog.Info("streaming response completed", "key", key)
	return final, nil
}

// ProcessDirect runs one message outside the bus, for cron jobs,
// heartbeats, and CLI passthrough. sessionKey selects the conversation;
// an empty key falls back to cli:direct.
func (l *Loop) ProcessDirect(ctx context.Context, message, sessionKey string) (string, error) {
	channel, chatID := "cli", "direct"
	if sessionKey != "" {
		if ch, id := sessions.SplitKey(sessionKey); id != "" {
			channel, chatID = ch, id
		}
	}

	content := message
	if injected, mode := l.injectWorkspaceContext(message); mode != "" {
		content = injected
		slog.Info("injected workspace context", "mode", mode, "key", sessionKey)
	}

	return l.adapter.Chat(ctx, sessions.BuildKey(channel, chatID), content)
}

func flushThreshold() int {
	return streamBufferMin + rand.Intn(streamBufferMax-streamBufferMin+1)
}

// segmenter accumulates streamed text and emits one message per N
// complete lines. Newlines inside fenced code blocks do not count toward
// the threshold, so fences are never split mid-block.
type segmenter struct {
	channel      SegmentStreamer
	threshold    int
	lineBuffer   string
	segBuffer    string
	newlineCount int
	inCodeBlock  bool
}

func newSegmenter(ch SegmentStreamer) *segmenter {
	if ch == nil {
		return nil
	}
	t := ch.SegmentThreshold()
	if t <= 0 {
		// threshold disabled: buffer everything, flush once at the end
		return &segmenter{channel: ch, threshold: 0}
	}
	return &segmenter{channel: ch, threshold: t}
}

func (s *segmenter) feed(ctx context.Context, text string, msg bus.InboundMessage, replyTo string, rec bus.Recorder) {
	if s.threshold <= 0 {
		s.segBuffer += text
		return
	}
	s.lineBuffer += text
	for {
		idx := strings.Index(s.lineBuffer, "\n")
		if idx < 0 {
			break
		}
		line := s.lineBuffer[:idx]
		s.lineBuffer = s.lineBuffer[idx+1:]

		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			s.inCodeBlock = !s.inCodeBlock
		}
		s.segBuffer += line + "\n"

		if s.inCodeBlock {
			continue
		}
		s.newlineCount++
		if s.newlineCount >= s.threshold {
			s.flush(ctx, msg, replyTo, rec)
		}
	}
}

func (s *segmenter) flush(ctx context.Context, msg bus.InboundMessage, replyTo string, rec bus.Recorder) {
	segment := strings.TrimSpace(s.segBuffer)
	s.segBuffer = ""
	s.newlineCount = 0
	if segment == "" {
		return
	}
	out := bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  segment,
		Metadata: map[string]string{"reply_to_id": replyTo},
	}
	if err := s.channel.Send(ctx, out); err != nil {
		slog.Warn("segment send failed", "channel", msg.Channel, "error", err)
		return
	}
	if rec != nil {
		rec.RecordOutbound(out)
	}
}

func (s *segmenter) finish(ctx context.Context, msg bus.InboundMessage, replyTo string, rec bus.Recorder) {
	s.segBuffer += s.lineBuffer
	s.lineBuffer = ""
	s.flush(ctx, msg, replyTo, rec)
}
