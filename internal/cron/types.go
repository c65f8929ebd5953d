// Package cron schedules agent turns: interval jobs, one-shot jobs, and
// cron-expression jobs, persisted as a single JSON store that external
// editors may rewrite while the service runs.
package cron

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	KindEvery = "every" // fixed interval
	KindAt    = "at"    // one-shot at a timestamp
	KindCron  = "cron"  // cron expression
)

// atGraceMs is how long past its timestamp a one-shot job may still
// fire. Older jobs are considered stale and dropped.
const atGraceMs = 5 * 60 * 1000

// Schedule describes when a job runs.
type Schedule struct {
	Kind    string `json:"kind"`
	EveryMs int64  `json:"every_ms,omitempty"`
	AtMs    int64  `json:"at_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// Payload describes what a job does when it fires.
type Payload struct {
	Kind    string `json:"kind"` // "agent_turn"
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobState tracks a job's run history.
type JobState struct {
	LastRunAtMs int64  `json:"last_run_at_ms,omitempty"`
	NextRunAtMs int64  `json:"next_run_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"` // "ok" or "error"
	LastError   string `json:"last_error,omitempty"`
	RunCount    int64  `json:"run_count,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"created_at_ms,omitempty"`
	UpdatedAtMs    int64    `json:"updated_at_ms,omitempty"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
}

// SessionKey is the session-map key a job's agent turn runs under.
func (j Job) SessionKey() string {
	return "cron:" + j.ID
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// validateSchedule rejects schedules the service cannot arm.
func validateSchedule(s Schedule) error {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires a timestamp")
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	if s.TZ != "" {
		if s.Kind != KindCron {
			return fmt.Errorf("tz can only be used with cron schedules")
		}
		if _, err := time.LoadLocation(s.TZ); err != nil {
			return fmt.Errorf("unknown timezone %q", s.TZ)
		}
	}
	return nil
}

// computeNextRun returns the next fire time in unix ms, or 0 when the
// schedule will never fire again.
func computeNextRun(s Schedule, now int64) int64 {
	switch s.Kind {
	case KindAt:
		if s.AtMs == 0 {
			return 0
		}
		// one-shots may fire late, but not arbitrarily late
		if s.AtMs > now-atGraceMs {
			return s.AtMs
		}
		return 0

	case KindEvery:
		if s.EveryMs <= 0 {
			return 0
		}
		return now + s.EveryMs

	case KindCron:
		if s.Expr == "" {
			return 0
		}
		return nextCronRun(s.Expr, s.TZ, now)
	}
	return 0
}

func nextCronRun(expr, tz string, now int64) int64 {
	base := time.UnixMilli(now)
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			base = base.In(loc)
		} else {
			slog.Warn("unknown cron timezone, using local", "tz", tz)
		}
	}

	if gronx.New().IsValid(expr) {
		next, err := gronx.NextTickAfter(expr, base, false)
		if err != nil {
			slog.Error("failed to compute next cron tick", "expr", expr, "error", err)
			return 0
		}
		return next.UnixMilli()
	}

	// not a real cron expression; try the shorthand forms
	if next := parseSimpleCron(expr, now); next != 0 {
		return next
	}
	slog.Error("unparseable cron expression", "expr", expr)
	return 0
}

// parseSimpleCron handles the shorthand forms "hourly", "daily",
// "weekly", and "every N" (seconds). Returns 0 for anything else.
func parseSimpleCron(expr string, now int64) int64 {
	expr = strings.ToLower(strings.TrimSpace(expr))

	switch expr {
	case "hourly":
		return now + time.Hour.Milliseconds()
	case "daily":
		nowS := now / 1000
		untilMidnight := 86400 - nowS%86400
		return now + untilMidnight*1000
	case "weekly":
		return now + 7*24*time.Hour.Milliseconds()
	}

	if rest, ok := strings.CutPrefix(expr, "every "); ok {
		if secs, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil && secs > 0 {
			return now + secs*1000
		}
	}
	return 0
}
