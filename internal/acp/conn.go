package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRequestTimeout = 300 * time.Second
	notificationBuffer    = 256
)

// conn holds the JSON-RPC correlation state shared by the stdio and
// WebSocket transports: request IDs, pending response channels, and the
// notification queue. The owning transport feeds raw frames in through
// handleFrame and provides the outgoing writer.
type conn struct {
	writeFrame func([]byte) error

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcMessage

	notifications chan rpcMessage

	timeout time.Duration
}

func newConn(write func([]byte) error, timeout time.Duration) *conn {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &conn{
		writeFrame:    write,
		pending:       make(map[int64]chan rpcMessage),
		notifications: make(chan rpcMessage, notificationBuffer),
		timeout:       timeout,
	}
}

// handleFrame routes one received frame. Frames that do not look like
// JSON objects (startup banners, log lines) are debug-logged and dropped.
// Messages carrying an id resolve the matching pending request; the rest
// are queued as notifications.
func (c *conn) handleFrame(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "{") {
		slog.Debug("acp non-json frame", "frame", truncateFrame(line))
		return
	}

	var msg rpcMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		slog.Debug("acp frame decode error", "error", err, "frame", truncateFrame(line))
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	select {
	case c.notifications <- msg:
	default:
		slog.Warn("acp notification queue full, dropping update", "method", msg.Method)
	}
}

// failPending resolves every in-flight request with the given error.
// Called when the underlying carrier dies.
func (c *conn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcMessage{Error: &RPCError{Code: -1, Message: err.Error()}}
	}
}

// register allocates a request ID and its response channel.
func (c *conn) register() (int64, chan rpcMessage) {
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

func (c *conn) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// request sends one JSON-RPC request and waits for its response.
func (c *conn) request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id, ch := c.register()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.unregister(id)
		return nil, err
	}
	if err := c.writeFrame(data); err != nil {
		c.unregister(id)
		return nil, err
	}
	slog.Debug("acp request", "method", method, "id", id)

	if timeout <= 0 {
		timeout = c.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		c.unregister(id)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// notify sends a JSON-RPC notification (no response expected).
func (c *conn) notify(method string, params interface{}) error {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// prompt sends session/prompt and consumes interleaved session/update
// notifications until the final response arrives, assembling the turn.
func (c *conn) prompt(ctx context.Context, sessionID, message string, hooks PromptHooks, timeout time.Duration) (Response, error) {
	id, ch := c.register()

	params := map[string]interface{}{
		"sessionId": sessionID,
		"prompt": []contentBlock{
			{Type: "text", Text: message},
		},
	}
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: "session/prompt", Params: params})
	if err != nil {
		c.unregister(id)
		return Response{}, err
	}
	if err := c.writeFrame(data); err != nil {
		c.unregister(id)
		return Response{}, err
	}
	slog.Debug("acp prompt sent", "session", shortID(sessionID))

	if timeout <= 0 {
		timeout = c.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp Response
	var contentParts, thoughtParts strings.Builder
	toolCalls := make(map[string]*ToolCall)
	var toolOrder []string

	for {
		select {
		case msg := <-ch:
			if msg.Error != nil {
				return Response{StopReason: StopError}, msg.Error
			}
			var result promptResult
			if err := json.Unmarshal(msg.Result, &result); err == nil && result.StopReason != "" {
				resp.StopReason = parseStopReason(result.StopReason)
			} else {
				resp.StopReason = StopEndTurn
			}
			resp.Content = contentParts.String()
			resp.Thought = thoughtParts.String()
			for _, tid := range toolOrder {
				resp.ToolCalls = append(resp.ToolCalls, *toolCalls[tid])
			}
			slog.Debug("acp prompt completed",
				"stop_reason", resp.StopReason,
				"content_len", len(resp.Content),
			)
			return resp, nil

		case note := <-c.notifications:
			if note.Method != "session/update" {
				continue
			}
			var p sessionUpdateParams
			if err := json.Unmarshal(note.Params, &p); err != nil {
				continue
			}
			u := p.Update

			switch u.SessionUpdate {
			case "agent_message_chunk":
				if text := contentText(u.Content); text != "" {
					contentParts.WriteString(text)
					if hooks.OnChunk != nil {
						hooks.OnChunk(Chunk{Text: text})
					}
				}
			case "agent_thought_chunk":
				if text := contentText(u.Content); text != "" {
					thoughtParts.WriteString(text)
					if hooks.OnChunk != nil {
						hooks.OnChunk(Chunk{Text: text, IsThought: true})
					}
				}
			case "tool_call":
				tc := &ToolCall{
					ID:     u.ToolCallID,
					Name:   u.Name,
					Status: "pending",
					Args:   u.Args,
				}
				if _, seen := toolCalls[u.ToolCallID]; !seen {
					toolOrder = append(toolOrder, u.ToolCallID)
				}
				toolCalls[u.ToolCallID] = tc
				if hooks.OnToolCall != nil {
					hooks.OnToolCall(*tc)
				}
			case "tool_call_update":
				tc, ok := toolCalls[u.ToolCallID]
				if !ok {
					continue
				}
				if u.Status != "" {
					tc.Status = u.Status
				}
				if out := contentText(u.Content); out != "" {
					tc.Output = out
				}
				if hooks.OnToolCall != nil {
					hooks.OnToolCall(*tc)
				}
			}

		case <-timer.C:
			c.unregister(id)
			return Response{}, fmt.Errorf("%w: session/prompt", ErrTimeout)
		case <-ctx.Done():
			c.unregister(id)
			return Response{}, ctx.Err()
		}
	}
}

// initialize / authenticate / session methods shared by stdio and WS.

func (c *conn) initialize(ctx context.Context) (initializeResult, error) {
	var out initializeResult
	raw, err := c.request(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"clientCapabilities": map[string]interface{}{
			"fs": map[string]bool{
				"readTextFile":  true,
				"writeTextFile": true,
			},
		},
	}, 0)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("parse initialize result: %w", err)
	}
	return out, nil
}

func (c *conn) authenticate(ctx context.Context, methodID string) (bool, error) {
	raw, err := c.request(ctx, "authenticate", map[string]string{"methodId": methodID}, 0)
	if err != nil {
		return false, err
	}
	var out authenticateResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, err
	}
	return out.MethodID == methodID, nil
}

func (c *conn) createSession(ctx context.Context, opts SessionOptions) (string, error) {
	params := map[string]interface{}{
		"cwd":        opts.Workspace,
		"mcpServers": []interface{}{},
	}
	settings := map[string]string{}
	mode := opts.ApprovalMode
	if mode == "" {
		mode = "yolo"
	}
	settings["permission_mode"] = mode
	if opts.Model != "" {
		settings["model"] = opts.Model
	}
	if opts.SystemPrompt != "" {
		settings["system_prompt"] = opts.SystemPrompt
	}
	params["settings"] = settings

	raw, err := c.request(ctx, "session/new", params, 0)
	if err != nil {
		return "", err
	}
	var out newSessionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}

	// Some agent builds ignore settings.model; pin it explicitly, falling
	// back to the generic config option when session/set_model is missing.
	if opts.Model != "" {
		if _, err := c.request(ctx, "session/set_model", map[string]string{
			"sessionId": out.SessionID,
			"modelId":   opts.Model,
		}, 10*time.Second); err != nil {
			slog.Warn("session/set_model failed, trying set_config_option", "error", err)
			if _, err2 := c.request(ctx, "session/set_config_option", map[string]string{
				"sessionId": out.SessionID,
				"configId":  "model",
				"value":     opts.Model,
			}, 10*time.Second); err2 != nil {
				slog.Debug("session/set_config_option failed", "error", err2)
			}
		}
	}

	slog.Info("acp session created", "session", shortID(out.SessionID))
	return out.SessionID, nil
}

func (c *conn) loadSession(ctx context.Context, sessionID, workspace string) (bool, error) {
	raw, err := c.request(ctx, "session/load", map[string]interface{}{
		"sessionId":  sessionID,
		"cwd":        workspace,
		"mcpServers": []interface{}{},
	}, 0)
	if err != nil {
		return false, err
	}
	var out loadSessionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, err
	}
	return out.Loaded, nil
}

func (c *conn) cancel(sessionID string) error {
	err := c.notify("session/cancel", map[string]string{"sessionId": sessionID})
	if err != nil {
		slog.Warn("failed to send cancel", "error", err)
		return err
	}
	slog.Debug("acp cancel sent", "session", shortID(sessionID))
	return nil
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}

func truncateFrame(s string) string {
	if len(s) > 100 {
		return s[:100]
	}
	return s
}
