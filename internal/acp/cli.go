package acp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`"session-id"\s*:\s*"(session-[^"]+)"`)

// CLIClient emulates the ACP transport contract with one-shot CLI
// invocations: each Prompt runs the agent binary with -p and resumes the
// session via -r. There is no persistent connection, no streaming, and
// no thought channel; session IDs are scraped from the run's output.
type CLIClient struct {
	agentPath string
	workspace string
	model     string
	timeout   time.Duration

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
	started bool
}

// NewCLIClient creates a one-shot CLI transport.
func NewCLIClient(agentPath, workspace, model string, timeout time.Duration) *CLIClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &CLIClient{
		agentPath: agentPath,
		workspace: workspace,
		model:     model,
		timeout:   timeout,
		running:   make(map[*exec.Cmd]struct{}),
	}
}

// Start verifies the agent binary responds to --version.
func (c *CLIClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(checkCtx, c.agentPath, "--version").Run(); err != nil {
		return fmt.Errorf("agent binary not available: %w", err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	slog.Info("acp cli transport ready", "path", c.agentPath, "workspace", c.workspace)
	return nil
}

// Initialize is a no-op: there is no handshake in one-shot mode.
func (c *CLIClient) Initialize(ctx context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Authenticate is a no-op: the CLI reads credentials from its own config.
func (c *CLIClient) Authenticate(ctx context.Context, methodID string) (bool, error) {
	return c.Connected(), nil
}

// CreateSession returns an empty ID: the agent assigns the session on
// the first prompt, surfaced through Response.NewSessionID.
func (c *CLIClient) CreateSession(ctx context.Context, opts SessionOptions) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	return "", nil
}

// LoadSession always reports success: resumption happens per prompt via -r.
func (c *CLIClient) LoadSession(ctx context.Context, sessionID string) (bool, error) {
	return c.Connected(), nil
}

// Prompt runs one agent invocation and returns its filtered output.
func (c *CLIClient) Prompt(ctx context.Context, sessionID, message string, hooks PromptHooks) (Response, error) {
	if !c.Connected() {
		return Response{}, ErrNotConnected
	}

	args := []string{}
	if c.model != "" {
		args = append(args, "-m", c.model)
	}
	if sessionID != "" {
		args = append(args, "-r", sessionID)
	}
	args = append(args, "-y", "-p", message)

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.agentPath, args...)
	cmd.Dir = c.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.mu.Lock()
	c.running[cmd] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, cmd)
		c.mu.Unlock()
	}()

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Response{}, fmt.Errorf("%w: cli prompt after %s", ErrTimeout, c.timeout)
	}
	if err != nil {
		return Response{StopReason: StopError}, fmt.Errorf("agent run failed: %w: %s", err, truncateFrame(stderr.String()))
	}

	resp := Response{
		Content:    filterProgressOutput(stdout.String()),
		StopReason: StopEndTurn,
	}
	if sessionID == "" {
		if m := sessionIDPattern.FindStringSubmatch(stdout.String() + "\n" + stderr.String()); m != nil {
			resp.NewSessionID = m[1]
		}
	}
	if hooks.OnChunk != nil && resp.Content != "" {
		// One-shot mode has no streaming; deliver the whole reply as a
		// single chunk so callers see a uniform event flow.
		hooks.OnChunk(Chunk{Text: resp.Content})
	}
	return resp, nil
}

// Cancel kills any in-flight invocations.
func (c *CLIClient) Cancel(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cmd := range c.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

// Stop kills in-flight invocations and marks the transport down.
func (c *CLIClient) Stop(ctx context.Context) error {
	c.Cancel("")
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

// Connected reports whether Start succeeded.
func (c *CLIClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// filterProgressOutput strips execution-info blocks, progress markers,
// and resume banners from one-shot CLI output.
func filterProgressOutput(output string) string {
	if output == "" {
		return ""
	}

	var kept []string
	inExecInfo := false

	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(stripped, "<Execution Info>") || strings.HasPrefix(stripped, "〈Execution Info〉"):
			inExecInfo = true
			continue
		case strings.HasPrefix(stripped, "</Execution Info>") || strings.HasPrefix(stripped, "〈/Execution Info〉"):
			inExecInfo = false
			continue
		case inExecInfo:
			continue
		case stripped == "Thinking..." || stripped == "正在思考..." || stripped == "Processing...":
			continue
		case strings.HasPrefix(stripped, "[") && strings.HasSuffix(stripped, "]"):
			continue
		case strings.HasPrefix(stripped, "ℹ️") && strings.Contains(stripped, "Resuming session"):
			continue
		}

		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}
