// Package agent bridges inbound chat traffic to the iflow agent: the
// Adapter owns the channel-user → agent-session binding and the
// invalidation recovery path, the Loop consumes the message bus and
// orchestrates streaming delivery.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/flowgate/internal/acp"
	"github.com/nextlevelbuilder/flowgate/internal/sessions"
)

// Adapter pairs an ACP transport with the persistent session map. All
// chat entry points resolve the caller's session binding, recover from
// server-side session invalidation, and return the assembled reply.
type Adapter struct {
	transport acp.Transport
	sessions  *sessions.Manager

	workspace    string
	defaultModel string
	thinking     bool

	// serializes session creation so concurrent messages from the same
	// user cannot race two sessions into existence for one key.
	createMu sync.Mutex
}

// AdapterConfig configures a new Adapter.
type AdapterConfig struct {
	Transport    acp.Transport
	Sessions     *sessions.Manager
	Workspace    string
	DefaultModel string
	Thinking     bool
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	return &Adapter{
		transport:    cfg.Transport,
		sessions:     cfg.Sessions,
		workspace:    cfg.Workspace,
		defaultModel: cfg.DefaultModel,
		thinking:     cfg.Thinking,
	}
}

// Connect starts the transport and runs the initialize/authenticate
// handshake. A failed authenticate is logged but not fatal: some agent
// builds skip the method entirely.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := a.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	ok, err := a.transport.Authenticate(ctx, "iflow")
	if err != nil || !ok {
		slog.Warn("agent authentication failed, continuing", "error", err)
	}
	return nil
}

// Disconnect stops the underlying transport.
func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.transport.Stop(ctx)
}

// Healthy reports whether the transport is usable.
func (a *Adapter) Healthy() bool {
	return a.transport.Connected()
}

// ensureSession returns the bound session for key, creating and binding
// a fresh one when no binding exists. CLI-style transports return an
// empty ID here; the binding then happens after the first prompt via
// Response.NewSessionID.
func (a *Adapter) ensureSession(ctx context.Context, key, model string) (string, error) {
	if id := a.sessions.Get(key); id != "" {
		return id, nil
	}
	return a.createSession(ctx, key, model)
}

func (a *Adapter) createSession(ctx context.Context, key, model string) (string, error) {
	a.createMu.Lock()
	defer a.createMu.Unlock()

	// another message for the same key may have won the race
	if id := a.sessions.Get(key); id != "" {
		return id, nil
	}

	if model == "" {
		model = a.defaultModel
	}
	id, err := a.transport.CreateSession(ctx, acp.SessionOptions{
		Workspace: a.workspace,
		Model:     model,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if id != "" {
		if err := a.sessions.Set(key, id); err != nil {
			slog.Warn("failed to persist session binding", "key", key, "error", err)
		}
	}
	return id, nil
}

// Chat sends one message on the caller's session and returns the reply.
func (a *Adapter) Chat(ctx context.Context, key, message string) (string, error) {
	return a.chat(ctx, key, message, acp.PromptHooks{})
}

// ChatStream sends one message and forwards streamed fragments through
// hooks while the turn runs. The returned string is the full reply.
func (a *Adapter) ChatStream(ctx context.Context, key, message string, hooks acp.PromptHooks) (string, error) {
	return a.chat(ctx, key, message, hooks)
}

// NewChat drops the caller's session binding and starts fresh.
func (a *Adapter) NewChat(ctx context.Context, key, message string) (string, error) {
	if _, err := a.sessions.Clear(key); err != nil {
		slog.Warn("failed to clear session binding", "key", key, "error", err)
	}
	return a.Chat(ctx, key, message)
}

// ClearSession drops the binding for key without sending anything.
// Returns the previous session ID, or "" if none was bound.
func (a *Adapter) ClearSession(key string) string {
	old, err := a.sessions.Clear(key)
	if err != nil {
		slog.Warn("failed to clear session binding", "key", key, "error", err)
	}
	return old
}

// ListSessions returns a copy of all current bindings.
func (a *Adapter) ListSessions() map[string]string {
	return a.sessions.Snapshot()
}

func (a *Adapter) chat(ctx context.Context, key, message string, hooks acp.PromptHooks) (string, error) {
	sessionID, err := a.ensureSession(ctx, key, "")
	if err != nil {
		return "", err
	}

	resp, err := a.transport.Prompt(ctx, sessionID, message, hooks)

	// The agent evicts idle sessions server side. Recover once: bind a
	// fresh session, replay what we can reconstruct of the old
	// conversation, and retry the prompt.
	if acp.IsInvalidSession(err) {
		slog.Warn("session invalid, recreating", "key", key, "session", sessionID)
		oldID, clearErr := a.sessions.Clear(key)
		if clearErr != nil {
			slog.Warn("failed to drop stale binding", "key", key, "error", clearErr)
		}

		history := ""
		if oldID != "" {
			history = extractConversationHistory(oldID)
		}

		sessionID, err = a.createSession(ctx, key, "")
		if err != nil {
			return "", err
		}
		if history != "" {
			message = spliceHistory(message, history)
			slog.Info("injected conversation history into recovered session", "key", key)
		}

		resp, err = a.transport.Prompt(ctx, sessionID, message, hooks)
	}
	if err != nil {
		// A timed-out turn may still be running agent side; ask it to
		// stop. Best effort, the timeout is surfaced either way.
		if errors.Is(err, acp.ErrTimeout) {
			if cancelErr := a.transport.Cancel(sessionID); cancelErr != nil {
				slog.Debug("session cancel after timeout failed", "session", sessionID, "error", cancelErr)
			}
		}
		return "", fmt.Errorf("chat %s: %w", key, err)
	}

	// CLI-style transports assign the session on first use.
	if resp.NewSessionID != "" && a.sessions.Get(key) == "" {
		if err := a.sessions.Set(key, resp.NewSessionID); err != nil {
			slog.Warn("failed to persist session binding", "key", key, "error", err)
		}
		slog.Info("new session bound", "key", key, "session", resp.NewSessionID)
	}

	if a.thinking && resp.Thought != "" {
		return fmt.Sprintf("[Thinking]\n%s\n\n[Response]\n%s", resp.Thought, resp.Content), nil
	}
	return resp.Content, nil
}
