// Package acp implements the client side of the Agent Communication
// Protocol spoken by the iflow CLI: JSON-RPC 2.0 over newline-delimited
// frames, carried over a child process's stdio, a WebSocket, or emulated
// with one-shot CLI invocations.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the ACP protocol version this client negotiates.
const ProtocolVersion = 1

// Errors shared by all transports.
var (
	ErrNotConnected = errors.New("acp: not connected")
	ErrTimeout      = errors.New("acp: request timeout")
)

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("acp error %d: %s", e.Code, e.Message)
}

// IsInvalidSession reports whether err indicates that the agent no longer
// recognizes the session (expired or evicted server side). Callers
// recover by creating a fresh session and replaying history.
func IsInvalidSession(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Invalid request")
}

// StopReason is the agent's reported reason for ending a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// parseStopReason maps unknown values to StopEndTurn, matching the
// protocol's default.
func parseStopReason(s string) StopReason {
	switch StopReason(s) {
	case StopEndTurn, StopMaxTokens, StopRefusal, StopCancelled, StopError:
		return StopReason(s)
	default:
		return StopEndTurn
	}
}

// Chunk is one streamed fragment of the agent's reply.
type Chunk struct {
	Text      string
	IsThought bool
}

// ToolCall tracks one tool invocation reported during a prompt turn.
type ToolCall struct {
	ID     string
	Name   string
	Status string // pending, in_progress, completed, failed
	Args   json.RawMessage
	Output string
}

// Response is the assembled result of one prompt turn.
type Response struct {
	Content    string
	Thought    string
	ToolCalls  []ToolCall
	StopReason StopReason

	// NewSessionID is set by the CLI transport when the agent assigned a
	// session during this turn. Stdio and WebSocket transports leave it empty.
	NewSessionID string
}

// PromptHooks receives streaming callbacks during a prompt turn.
// Either field may be nil. Hooks are invoked from the transport's prompt
// goroutine; they must not block for long.
type PromptHooks struct {
	OnChunk    func(Chunk)
	OnToolCall func(ToolCall)
}

// SessionOptions parameterize session creation.
type SessionOptions struct {
	Workspace    string
	Model        string
	SystemPrompt string
	ApprovalMode string // default "yolo"
}

// Transport is the uniform contract all three ACP carriers satisfy.
type Transport interface {
	// Start establishes the connection (spawns the child, dials the
	// socket). Idempotent.
	Start(ctx context.Context) error

	// Initialize negotiates the protocol version and capabilities.
	Initialize(ctx context.Context) error

	// Authenticate runs the authenticate method. Returns whether the
	// agent confirmed the requested method ID.
	Authenticate(ctx context.Context, methodID string) (bool, error)

	// CreateSession creates a fresh agent session and returns its ID.
	CreateSession(ctx context.Context, opts SessionOptions) (string, error)

	// LoadSession asks the agent to resume an existing session.
	LoadSession(ctx context.Context, sessionID string) (bool, error)

	// Prompt sends one user message and blocks until the turn completes,
	// streaming interleaved updates through hooks.
	Prompt(ctx context.Context, sessionID, message string, hooks PromptHooks) (Response, error)

	// Cancel sends the session/cancel notification (fire and forget).
	Cancel(sessionID string) error

	// Stop tears the connection down, force-killing after a grace period.
	Stop(ctx context.Context) error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// wire structures

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type initializeResult struct {
	ProtocolVersion   int                        `json:"protocolVersion"`
	AgentCapabilities map[string]json.RawMessage `json:"agentCapabilities"`
}

type authenticateResult struct {
	MethodID string `json:"methodId"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type loadSessionResult struct {
	Loaded bool `json:"loaded"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

type sessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Name          string          `json:"name,omitempty"`
	Status        string          `json:"status,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// contentText extracts the text from a content field that may be either
// a single block or an array of blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single contentBlock
	if err := json.Unmarshal(raw, &single); err == nil && single.Type == "text" {
		return single.Text
	}
	var many []contentBlock
	if err := json.Unmarshal(raw, &many); err == nil {
		var sb strings.Builder
		for _, b := range many {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}
