// Package heartbeat wakes the agent on an interval to work through the
// tasks listed in the workspace's HEARTBEAT.md.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultInterval between heartbeat checks.
const DefaultInterval = 30 * time.Minute

// OKToken is what the agent replies when there is nothing to report;
// such responses are dropped instead of delivered.
const OKToken = "HEARTBEAT_OK"

// Prompt sent to the agent on every heartbeat tick.
const Prompt = "Read HEARTBEAT.md in your workspace and follow any instructions listed there. " +
	"If nothing needs attention, reply with exactly: " + OKToken

// HeartbeatFunc runs one agent turn with the heartbeat prompt.
type HeartbeatFunc func(ctx context.Context, prompt string) (string, error)

// NotifyFunc delivers a heartbeat response to the user.
type NotifyFunc func(content string)

// Service ticks on an interval, skips empty checklists, and forwards
// non-OK responses through the notify callback.
type Service struct {
	workspace   string
	interval    time.Duration
	enabled     bool
	onHeartbeat HeartbeatFunc
	onNotify    NotifyFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// Config configures a heartbeat Service.
type Config struct {
	Workspace   string
	Interval    time.Duration
	Enabled     bool
	OnHeartbeat HeartbeatFunc
	OnNotify    NotifyFunc
}

func NewService(cfg Config) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		workspace:   cfg.Workspace,
		interval:    interval,
		enabled:     cfg.Enabled,
		onHeartbeat: cfg.OnHeartbeat,
		onNotify:    cfg.OnNotify,
	}
}

// Start launches the tick loop.
func (s *Service) Start(ctx context.Context) {
	if !s.enabled {
		slog.Info("heartbeat service disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(runCtx)
	slog.Info("heartbeat service started", "interval", s.interval)
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	slog.Info("heartbeat service stopped")
}

// Running reports whether the loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	content := s.readHeartbeatFile()
	if isHeartbeatEmpty(content) {
		slog.Debug("heartbeat: no tasks")
		return
	}

	slog.Info("heartbeat: checking for tasks")
	if s.onHeartbeat == nil {
		return
	}

	response, err := s.onHeartbeat(ctx, Prompt)
	if err != nil {
		slog.Error("heartbeat execution failed", "error", err)
		return
	}
	if strings.Contains(strings.ToUpper(response), OKToken) {
		slog.Info("heartbeat: ok, nothing to report")
		return
	}
	slog.Info("heartbeat: completed, delivering response")
	if s.onNotify != nil {
		s.onNotify(response)
	}
}

// TriggerNow runs one heartbeat turn immediately, bypassing the empty
// check, and returns the raw response.
func (s *Service) TriggerNow(ctx context.Context) (string, error) {
	if s.onHeartbeat == nil {
		return "", nil
	}
	return s.onHeartbeat(ctx, Prompt)
}

func (s *Service) readHeartbeatFile() string {
	data, err := os.ReadFile(filepath.Join(s.workspace, "HEARTBEAT.md"))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read HEARTBEAT.md", "error", err)
		}
		return ""
	}
	return string(data)
}

// isHeartbeatEmpty reports whether the checklist holds no actionable
// content: headings, HTML comments, and unchecked/checked empty boxes
// do not count.
func isHeartbeatEmpty(content string) bool {
	if content == "" {
		return true
	}
	skip := map[string]bool{
		"- [ ]": true,
		"* [ ]": true,
		"- [x]": true,
		"* [x]": true,
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") || skip[line] {
			continue
		}
		return false
	}
	return true
}
