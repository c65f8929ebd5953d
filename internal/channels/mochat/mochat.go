// Package mochat connects to the Mochat collaboration platform over
// its HTTP API: long-poll watch for sessions, periodic polling for
// panels, REST for outbound messages.
package mochat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

const (
	defaultBaseURL = "https://mochat.io"

	// maxSeenMessageIDs bounds the per-target dedupe window.
	maxSeenMessageIDs = 2000

	// refreshInterval is how often the session/panel directory is
	// re-listed when auto-discovery ("*") is configured.
	refreshInterval = 60 * time.Second

	panelPollInterval = 60 * time.Second
	watchTimeoutMs    = 30000
	watchLimit        = 50
)

func init() {
	channels.RegisterFactory("mochat", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.Mochat, msgBus)
	})
}

// Channel is the Mochat connector.
type Channel struct {
	*channels.BaseChannel
	config config.MochatConfig
	http   *http.Client

	mu             sync.Mutex
	sessionSet     map[string]bool
	panelSet       map[string]bool
	coldSessions   map[string]bool
	sessionCursor  map[string]int
	seenSet        map[string]map[string]bool
	seenQueue      map[string][]string
	sessionWorkers map[string]bool
	panelWorkers   map[string]bool

	autoSessions bool
	autoPanels   bool

	cursorPath string
	cursorMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.MochatConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.ClawToken == "" {
		return nil, fmt.Errorf("mochat claw_token is required")
	}

	c := &Channel{
		BaseChannel:    channels.NewBaseChannel("mochat", msgBus, nil),
		config:         cfg,
		http:           &http.Client{Timeout: 45 * time.Second},
		sessionSet:     make(map[string]bool),
		panelSet:       make(map[string]bool),
		coldSessions:   make(map[string]bool),
		sessionCursor:  make(map[string]int),
		seenSet:        make(map[string]map[string]bool),
		seenQueue:      make(map[string][]string),
		sessionWorkers: make(map[string]bool),
		panelWorkers:   make(map[string]bool),
	}

	home, err := os.UserHomeDir()
	if err == nil {
		c.cursorPath = filepath.Join(home, ".flowgate", "mochat", "session_cursors.json")
	}

	c.seedTargets()
	return c, nil
}

// seedTargets loads the configured session/panel filters. A "*" entry
// switches that kind to auto-discovery.
func (c *Channel) seedTargets() {
	sessions, autoS := normalizeIDList(c.config.Sessions)
	panels, autoP := normalizeIDList(c.config.Panels)
	c.autoSessions = autoS
	c.autoPanels = autoP
	for _, id := range sessions {
		c.sessionSet[id] = true
		c.coldSessions[id] = true
	}
	for _, id := range panels {
		c.panelSet[id] = true
	}
}

func normalizeIDList(values []string) ([]string, bool) {
	var cleaned []string
	auto := false
	seen := map[string]bool{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if v == "*" {
			auto = true
			continue
		}
		if !seen[v] {
			seen[v] = true
			cleaned = append(cleaned, v)
		}
	}
	sort.Strings(cleaned)
	return cleaned, auto
}

func (c *Channel) baseURL() string {
	base := strings.TrimRight(c.config.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base
}

func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting mochat channel", "base_url", c.baseURL())

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.loadSessionCursors()

	// Don't block startup on discovery; workers spin up as targets
	// appear.
	c.refreshTargets()
	c.ensureWorkers()

	c.wg.Add(1)
	go c.refreshLoop()

	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping mochat channel")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("mochat workers did not exit in time")
	}

	c.saveSessionCursors()
	return nil
}

// Send delivers to a session or panel depending on the target shape.
// Session IDs carry a "session_" prefix; everything else is a panel.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamingFrame() || msg.IsStreamTerminator() {
		return nil
	}

	parts := []string{}
	if s := strings.TrimSpace(msg.Content); s != "" {
		parts = append(parts, s)
	}
	for _, m := range msg.Media {
		if m.URL != "" {
			parts = append(parts, m.URL)
		}
	}
	content := strings.TrimSpace(strings.Join(parts, "\n"))
	if content == "" {
		return nil
	}

	target := resolveTarget(msg.ChatID)
	if target.ID == "" {
		return fmt.Errorf("mochat outbound target is empty")
	}

	c.mu.Lock()
	knownPanel := c.panelSet[target.ID]
	c.mu.Unlock()
	isPanel := (target.IsPanel || knownPanel) && !strings.HasPrefix(target.ID, "session_")

	replyTo := msg.Metadata["reply_to_id"]
	if isPanel {
		payload := map[string]any{"panelId": target.ID, "content": content}
		if replyTo != "" {
			payload["replyTo"] = replyTo
		}
		if gid := msg.Metadata["group_id"]; gid != "" {
			payload["groupId"] = gid
		}
		_, err := c.postJSON(ctx, "/api/claw/groups/panels/send", payload)
		return err
	}

	payload := map[string]any{"sessionId": target.ID, "content": content}
	if replyTo != "" {
		payload["replyTo"] = replyTo
	}
	_, err := c.postJSON(ctx, "/api/claw/sessions/send", payload)
	return err
}

// target is an outbound destination parsed from a chat ID.
type target struct {
	ID      string
	IsPanel bool
}

// resolveTarget strips routing prefixes and classifies the target.
func resolveTarget(raw string) target {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return target{}
	}

	cleaned, forcedPanel := trimmed, false
	lowered := strings.ToLower(trimmed)
	for _, prefix := range []string{"mochat:", "group:", "channel:", "panel:"} {
		if strings.HasPrefix(lowered, prefix) {
			cleaned = strings.TrimSpace(trimmed[len(prefix):])
			forcedPanel = prefix != "mochat:"
			break
		}
	}
	if cleaned == "" {
		return target{}
	}
	return target{ID: cleaned, IsPanel: forcedPanel || !strings.HasPrefix(cleaned, "session_")}
}

func (c *Channel) postJSON(ctx context.Context, path string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal mochat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ClawToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mochat %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("mochat %s read: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mochat %s: status %d: %s", path, resp.StatusCode, channels.Truncate(string(data), 200))
	}

	var out map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("mochat %s decode: %w", path, err)
		}
	}
	return out, nil
}

// rememberMessageID records a message ID, returning true when it was
// already seen. The window per target is bounded.
func (c *Channel) rememberMessageID(key, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.seenSet[key]
	if set == nil {
		set = make(map[string]bool)
		c.seenSet[key] = set
	}
	if set[messageID] {
		return true
	}
	set[messageID] = true
	c.seenQueue[key] = append(c.seenQueue[key], messageID)
	for len(c.seenQueue[key]) > maxSeenMessageIDs {
		oldest := c.seenQueue[key][0]
		c.seenQueue[key] = c.seenQueue[key][1:]
		delete(set, oldest)
	}
	return false
}

// ---- cursor persistence ----

func (c *Channel) markSessionCursor(sessionID string, cursor int) {
	c.mu.Lock()
	c.sessionCursor[sessionID] = cursor
	c.mu.Unlock()
	c.saveSessionCursors()
}

func (c *Channel) loadSessionCursors() {
	if c.cursorPath == "" {
		return
	}
	data, err := os.ReadFile(c.cursorPath)
	if err != nil {
		return
	}
	var cursors map[string]int
	if err := json.Unmarshal(data, &cursors); err != nil {
		slog.Warn("mochat cursor file unreadable", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range cursors {
		c.sessionCursor[k] = v
		delete(c.coldSessions, k)
	}
}

func (c *Channel) saveSessionCursors() {
	if c.cursorPath == "" {
		return
	}
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()

	c.mu.Lock()
	snapshot := make(map[string]int, len(c.sessionCursor))
	for k, v := range c.sessionCursor {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.cursorPath), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.cursorPath, data, 0o644); err != nil {
		slog.Warn("mochat cursor save failed", "error", err)
	}
}
