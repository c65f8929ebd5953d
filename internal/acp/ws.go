package acp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsSettle waits for the server's peer to finish booting after the
// socket opens (the agent emits a "//ready" banner, then needs a moment).
const wsSettle = 3 * time.Second

// WSClient speaks ACP over a WebSocket to an agent started in server
// mode (iflow --experimental-acp listening on ws://host:port/acp).
type WSClient struct {
	url       string
	workspace string
	timeout   time.Duration

	mu          sync.Mutex
	ws          *websocket.Conn
	conn        *conn
	cancelRead  context.CancelFunc
	connected   bool
	initialized bool
}

// NewWSClient creates a WebSocket transport for the given host and port.
func NewWSClient(host string, port int, workspace string, timeout time.Duration) *WSClient {
	return &WSClient{
		url:       fmt.Sprintf("ws://%s:%d/acp", host, port),
		workspace: workspace,
		timeout:   timeout,
	}
}

// Start dials the agent's WebSocket endpoint.
func (c *WSClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial acp server: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	readCtx, cancelRead := context.WithCancel(context.Background())

	c.ws = ws
	c.cancelRead = cancelRead
	c.conn = newConn(c.writeFrame, c.timeout)
	c.connected = true

	go c.readLoop(readCtx, ws)

	slog.Info("acp connected", "url", c.url)
	time.Sleep(wsSettle)
	return nil
}

func (c *WSClient) writeFrame(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *WSClient) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.initialized = false
			c.mu.Unlock()
			if wasConnected {
				slog.Warn("acp websocket closed", "error", err)
				c.conn.failPending(fmt.Errorf("websocket closed: %w", ErrNotConnected))
			}
			return
		}
		c.conn.handleFrame(data)
	}
}

// Stop closes the WebSocket.
func (c *WSClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	cancelRead := c.cancelRead
	c.ws = nil
	c.cancelRead = nil
	c.connected = false
	c.initialized = false
	c.mu.Unlock()

	if cancelRead != nil {
		cancelRead()
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "shutdown")
	}
	slog.Info("acp disconnected")
	return nil
}

// Connected reports whether the socket is open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Initialize negotiates protocol version and capabilities.
func (c *WSClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	result, err := c.conn.initialize(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	slog.Info("acp initialized", "protocol_version", result.ProtocolVersion)
	return nil
}

// Authenticate runs the authenticate handshake.
func (c *WSClient) Authenticate(ctx context.Context, methodID string) (bool, error) {
	if !c.Connected() {
		return false, ErrNotConnected
	}
	ok, err := c.conn.authenticate(ctx, methodID)
	if err != nil {
		slog.Error("acp authentication failed", "method", methodID, "error", err)
		return false, err
	}
	if ok {
		slog.Info("acp authenticated", "method", methodID)
	}
	return ok, nil
}

// CreateSession creates a new agent session.
func (c *WSClient) CreateSession(ctx context.Context, opts SessionOptions) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	if opts.Workspace == "" {
		opts.Workspace = c.workspace
	}
	return c.conn.createSession(ctx, opts)
}

// LoadSession resumes a previously created session.
func (c *WSClient) LoadSession(ctx context.Context, sessionID string) (bool, error) {
	if !c.Connected() {
		return false, ErrNotConnected
	}
	loaded, err := c.conn.loadSession(ctx, sessionID, c.workspace)
	if err != nil {
		slog.Warn("failed to load session", "session", shortID(sessionID), "error", err)
		return false, err
	}
	return loaded, nil
}

// Prompt sends one user message and streams the turn.
func (c *WSClient) Prompt(ctx context.Context, sessionID, message string, hooks PromptHooks) (Response, error) {
	if !c.Connected() {
		return Response{}, ErrNotConnected
	}
	return c.conn.prompt(ctx, sessionID, message, hooks, c.timeout)
}

// Cancel sends the session/cancel notification.
func (c *WSClient) Cancel(sessionID string) error {
	if !c.Connected() {
		return nil
	}
	return c.conn.cancel(sessionID)
}
