package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the FlowGate gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"` // "debug", "info" (default), "warn", "error"
	LogFile   string          `json:"log_file,omitempty"`  // optional log file path
	mu        sync.RWMutex
}

// AgentConfig configures the connection to the iflow agent.
type AgentConfig struct {
	Transport  string   `json:"transport"`             // "stdio" (default), "ws", "cli"
	IFlowPath  string   `json:"iflow_path"`            // iflow binary (default "iflow")
	Model      string   `json:"model,omitempty"`       // model name requested at session creation
	Thinking   bool     `json:"thinking,omitempty"`    // surface thought chunks in replies
	TimeoutSec int      `json:"timeout_sec,omitempty"` // per-turn timeout in seconds (default 300)
	Workspace  string   `json:"workspace"`             // agent working directory
	ExtraArgs  []string `json:"extra_args,omitempty"`  // extra args appended to the iflow command

	// ws transport
	ACPHost string `json:"acp_host,omitempty"` // default "localhost"
	ACPPort int    `json:"acp_port,omitempty"` // default 8090
}

// Timeout returns the per-turn timeout as a duration.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(a.TimeoutSec) * time.Second
}

// SessionsConfig controls where session bindings and transcripts live.
type SessionsConfig struct {
	Storage  string `json:"storage"`            // session map file (default "~/.flowgate/sessions.json")
	Recorder string `json:"recorder,omitempty"` // message history db (default "~/.flowgate/messages.db")
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Store string `json:"store,omitempty"` // job store file (default "~/.flowgate/cron/jobs.json")
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"` // Go duration, default "30m"
	Channel  string `json:"channel,omitempty"`  // where non-OK responses are delivered
	To       string `json:"to,omitempty"`       // chat ID for delivery
}

// IntervalDuration parses the interval, falling back to 30m.
func (h HeartbeatConfig) IntervalDuration() time.Duration {
	if h.Interval == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(h.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// TelemetryConfig configures OpenTelemetry OTLP export for agent turn spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP/HTTP endpoint, e.g. "localhost:4318"
	Insecure    bool              `json:"insecure,omitempty"`     // plain HTTP instead of TLS
	ServiceName string            `json:"service_name,omitempty"` // default "flowgate"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens etc.)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Sessions = src.Sessions
	c.Cron = src.Cron
	c.Heartbeat = src.Heartbeat
	c.Telemetry = src.Telemetry
	c.LogLevel = src.LogLevel
	c.LogFile = src.LogFile
}
