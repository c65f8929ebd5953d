package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParseStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want StopReason
	}{
		{"end_turn", StopEndTurn},
		{"max_tokens", StopMaxTokens},
		{"refusal", StopRefusal},
		{"cancelled", StopCancelled},
		{"error", StopError},
		{"something_new", StopEndTurn},
		{"", StopEndTurn},
	}
	for _, tt := range tests {
		if got := parseStopReason(tt.in); got != tt.want {
			t.Errorf("parseStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"single block", `{"type":"text","text":"hello"}`, "hello"},
		{"array", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"array skips non-text", `[{"type":"image","text":"x"},{"type":"text","text":"ok"}]`, "ok"},
		{"empty", ``, ""},
		{"garbage", `42`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contentText(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("contentText(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestIsInvalidSession(t *testing.T) {
	if !IsInvalidSession(&RPCError{Code: -32600, Message: "Invalid request: unknown session"}) {
		t.Error("expected invalid-session detection for matching error")
	}
	if IsInvalidSession(fmt.Errorf("connection refused")) {
		t.Error("unrelated error misclassified as invalid session")
	}
	if IsInvalidSession(nil) {
		t.Error("nil error misclassified as invalid session")
	}
}

func TestHandleFrameRouting(t *testing.T) {
	c := newConn(func([]byte) error { return nil }, time.Second)

	// Non-JSON banner lines are dropped silently.
	c.handleFrame([]byte("iflow agent starting up"))
	c.handleFrame([]byte(""))

	// A response with an unknown id is dropped, not queued.
	c.handleFrame([]byte(`{"jsonrpc":"2.0","id":99,"result":{}}`))
	select {
	case <-c.notifications:
		t.Fatal("response with id must not land in the notification queue")
	default:
	}

	// A registered id resolves its pending channel.
	id, ch := c.register()
	c.handleFrame([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id)))
	select {
	case msg := <-ch:
		if msg.Error != nil {
			t.Fatalf("unexpected error: %v", msg.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request never resolved")
	}

	// Messages without an id queue as notifications.
	c.handleFrame([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{}}`))
	select {
	case note := <-c.notifications:
		if note.Method != "session/update" {
			t.Errorf("notification method = %q, want session/update", note.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never queued")
	}
}

func TestRequestTimeout(t *testing.T) {
	c := newConn(func([]byte) error { return nil }, time.Second)
	_, err := c.request(context.Background(), "initialize", nil, 20*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("pending map not cleaned up after timeout: %d entries", n)
	}
}

func TestFailPendingResolvesInFlight(t *testing.T) {
	c := newConn(func([]byte) error { return nil }, time.Second)
	_, ch := c.register()
	c.failPending(fmt.Errorf("carrier died"))
	select {
	case msg := <-ch:
		if msg.Error == nil {
			t.Fatal("expected error message")
		}
	case <-time.After(time.Second):
		t.Fatal("failPending did not resolve pending request")
	}
}

// loopback wires a conn's outgoing frames to a scripted responder, so
// prompt turns can run end to end without a real agent process.
type loopback struct {
	c       *conn
	respond func(req rpcRequest) []string
}

func (l *loopback) write(data []byte) error {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if req.Method == "" {
		return nil
	}
	frames := l.respond(req)
	go func() {
		for _, f := range frames {
			l.c.handleFrame([]byte(f))
		}
	}()
	return nil
}

func TestPromptAssemblesStreamedTurn(t *testing.T) {
	lb := &loopback{}
	c := newConn(lb.write, 5*time.Second)
	lb.c = c
	lb.respond = func(req rpcRequest) []string {
		if req.Method != "session/prompt" {
			t.Fatalf("unexpected method %q", req.Method)
		}
		update := func(body string) string {
			return `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"session-1","update":` + body + `}}`
		}
		return []string{
			update(`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"pondering"}}`),
			update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello, "}}`),
			update(`{"sessionUpdate":"tool_call","toolCallId":"tc1","name":"read_file","args":{"path":"a.txt"}}`),
			update(`{"sessionUpdate":"tool_call_update","toolCallId":"tc1","status":"completed","content":[{"type":"text","text":"file body"}]}`),
			update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"world"}}`),
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"stopReason":"end_turn"}}`, req.ID),
		}
	}

	var chunks []Chunk
	resp, err := c.prompt(context.Background(), "session-1", "hi", PromptHooks{
		OnChunk: func(ch Chunk) { chunks = append(chunks, ch) },
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	if resp.Content != "Hello, world" {
		t.Errorf("content = %q, want %q", resp.Content, "Hello, world")
	}
	if resp.Thought != "pondering" {
		t.Errorf("thought = %q, want %q", resp.Thought, "pondering")
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("stop reason = %q, want end_turn", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tc1" || tc.Name != "read_file" || tc.Status != "completed" || tc.Output != "file body" {
		t.Errorf("tool call = %+v", tc)
	}
	if len(chunks) != 3 {
		t.Errorf("streamed chunks = %d, want 3", len(chunks))
	}
	if len(chunks) > 0 && !chunks[0].IsThought {
		t.Error("first chunk should be the thought")
	}
}

func TestPromptErrorResponse(t *testing.T) {
	lb := &loopback{}
	c := newConn(lb.write, 5*time.Second)
	lb.c = c
	lb.respond = func(req rpcRequest) []string {
		return []string{
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32600,"message":"Invalid request: unknown session"}}`, req.ID),
		}
	}

	_, err := c.prompt(context.Background(), "session-gone", "hi", PromptHooks{}, 5*time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsInvalidSession(err) {
		t.Errorf("error %v should classify as invalid session", err)
	}
}

func TestAuthenticateChecksMethodEcho(t *testing.T) {
	lb := &loopback{}
	c := newConn(lb.write, 5*time.Second)
	lb.c = c

	lb.respond = func(req rpcRequest) []string {
		return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"methodId":"iflow"}}`, req.ID)}
	}
	ok, err := c.authenticate(context.Background(), "iflow")
	if err != nil || !ok {
		t.Fatalf("authenticate = %v, %v; want true, nil", ok, err)
	}

	lb.respond = func(req rpcRequest) []string {
		return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"methodId":"other"}}`, req.ID)}
	}
	ok, err = c.authenticate(context.Background(), "iflow")
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	if ok {
		t.Error("mismatched methodId must not authenticate")
	}
}

func TestCreateSessionSendsSettings(t *testing.T) {
	lb := &loopback{}
	c := newConn(lb.write, 5*time.Second)
	lb.c = c

	var methods []string
	lb.respond = func(req rpcRequest) []string {
		methods = append(methods, req.Method)
		switch req.Method {
		case "session/new":
			params, ok := req.Params.(map[string]interface{})
			if !ok {
				t.Fatalf("params type %T", req.Params)
			}
			settings, ok := params["settings"].(map[string]interface{})
			if !ok {
				t.Fatalf("settings type %T", params["settings"])
			}
			if settings["permission_mode"] != "yolo" {
				t.Errorf("permission_mode = %v, want yolo", settings["permission_mode"])
			}
			if settings["model"] != "gpt-x" {
				t.Errorf("model = %v, want gpt-x", settings["model"])
			}
			return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"sessionId":"session-abc"}}`, req.ID)}
		case "session/set_model":
			return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)}
		default:
			t.Fatalf("unexpected method %q", req.Method)
			return nil
		}
	}

	id, err := c.createSession(context.Background(), SessionOptions{Workspace: "/tmp/ws", Model: "gpt-x"})
	if err != nil {
		t.Fatalf("createSession: %v", err)
	}
	if id != "session-abc" {
		t.Errorf("session id = %q", id)
	}
	if len(methods) != 2 || methods[1] != "session/set_model" {
		t.Errorf("methods = %v, want [session/new session/set_model]", methods)
	}
}

func TestCreateSessionModelFallback(t *testing.T) {
	lb := &loopback{}
	c := newConn(lb.write, 5*time.Second)
	lb.c = c

	var methods []string
	lb.respond = func(req rpcRequest) []string {
		methods = append(methods, req.Method)
		switch req.Method {
		case "session/new":
			return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"sessionId":"session-abc"}}`, req.ID)}
		case "session/set_model":
			return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"Method not found"}}`, req.ID)}
		case "session/set_config_option":
			return []string{fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)}
		default:
			return nil
		}
	}

	id, err := c.createSession(context.Background(), SessionOptions{Workspace: "/tmp/ws", Model: "gpt-x"})
	if err != nil {
		t.Fatalf("createSession must tolerate set_model failure: %v", err)
	}
	if id != "session-abc" {
		t.Errorf("session id = %q", id)
	}
	want := []string{"session/new", "session/set_model", "session/set_config_option"}
	if len(methods) != len(want) {
		t.Fatalf("methods = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("methods[%d] = %q, want %q", i, methods[i], want[i])
		}
	}
}
