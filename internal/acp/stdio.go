package acp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const (
	// stdio frames can carry large tool outputs.
	maxFrameSize = 10 * 1024 * 1024

	// grace period between SIGTERM and SIGKILL on Stop.
	stopGrace = 5 * time.Second

	// startup settle time before the first request, matching the agent's
	// boot banner phase.
	stdioSettle = 2 * time.Second
)

// StdioClient runs the agent as a child process and speaks ACP over its
// stdin/stdout. Stderr is forwarded to the log.
type StdioClient struct {
	agentPath string
	workspace string
	timeout   time.Duration

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	writeMu     sync.Mutex
	conn        *conn
	started     bool
	initialized bool
}

// NewStdioClient creates a stdio transport for the agent binary at
// agentPath, run with workspace as its working directory.
func NewStdioClient(agentPath, workspace string, timeout time.Duration) *StdioClient {
	return &StdioClient{
		agentPath: agentPath,
		workspace: workspace,
		timeout:   timeout,
	}
}

// Start spawns the agent child process and begins the receive loop.
func (c *StdioClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	cmd := exec.Command(c.agentPath, "--experimental-acp", "--stream")
	cmd.Dir = c.workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.conn = newConn(c.writeFrame, c.timeout)
	c.started = true

	go c.readLoop(stdout)
	go c.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		wasStarted := c.started
		c.started = false
		c.initialized = false
		c.mu.Unlock()
		if wasStarted {
			slog.Warn("agent process exited", "error", err)
			c.conn.failPending(fmt.Errorf("agent process exited: %w", ErrNotConnected))
		}
	}()

	slog.Info("acp stdio started", "pid", cmd.Process.Pid, "workspace", c.workspace)
	time.Sleep(stdioSettle)
	return nil
}

func (c *StdioClient) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return ErrNotConnected
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *StdioClient) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		c.conn.handleFrame(scanner.Bytes())
	}
	slog.Debug("acp stdio read loop ended", "error", scanner.Err())
}

func (c *StdioClient) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			slog.Debug("agent stderr", "line", truncateFrame(line))
		}
	}
}

// Stop terminates the child process, escalating to SIGKILL after the
// grace period.
func (c *StdioClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.started = false
	c.initialized = false
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(terminateSignal)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		slog.Warn("agent process did not exit, killing")
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}

	slog.Info("acp stdio stopped")
	return nil
}

// Connected reports whether the child process is alive.
func (c *StdioClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Initialize negotiates protocol version and capabilities.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
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
func (c *StdioClient) Authenticate(ctx context.Context, methodID string) (bool, error) {
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
func (c *StdioClient) CreateSession(ctx context.Context, opts SessionOptions) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	if opts.Workspace == "" {
		opts.Workspace = c.workspace
	}
	return c.conn.createSession(ctx, opts)
}

// LoadSession resumes a previously created session.
func (c *StdioClient) LoadSession(ctx context.Context, sessionID string) (bool, error) {
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
func (c *StdioClient) Prompt(ctx context.Context, sessionID, message string, hooks PromptHooks) (Response, error) {
	if !c.Connected() {
		return Response{}, ErrNotConnected
	}
	return c.conn.prompt(ctx, sessionID, message, hooks, c.timeout)
}

// Cancel sends the session/cancel notification.
func (c *StdioClient) Cancel(sessionID string) error {
	if !c.Connected() {
		return nil
	}
	return c.conn.cancel(sessionID)
}
