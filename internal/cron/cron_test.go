package cron

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestComputeNextRunAt(t *testing.T) {
	now := nowMs()
	tests := []struct {
		name string
		atMs int64
		want func(got int64) bool
	}{
		{"future timestamp", now + 60_000, func(got int64) bool { return got == now+60_000 }},
		{"recent past within grace", now - 60_000, func(got int64) bool { return got == now-60_000 }},
		{"stale beyond grace", now - atGraceMs - 1000, func(got int64) bool { return got == 0 }},
		{"zero timestamp", 0, func(got int64) bool { return got == 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeNextRun(Schedule{Kind: KindAt, AtMs: tt.atMs}, now)
			if !tt.want(got) {
				t.Errorf("computeNextRun = %d (now=%d)", got, now)
			}
		})
	}
}

func TestComputeNextRunEvery(t *testing.T) {
	now := nowMs()
	if got := computeNextRun(Schedule{Kind: KindEvery, EveryMs: 5000}, now); got != now+5000 {
		t.Errorf("got %d, want %d", got, now+5000)
	}
	if got := computeNextRun(Schedule{Kind: KindEvery}, now); got != 0 {
		t.Errorf("zero interval should not schedule, got %d", got)
	}
}

func TestComputeNextRunCronExpr(t *testing.T) {
	now := nowMs()
	got := computeNextRun(Schedule{Kind: KindCron, Expr: "* * * * *"}, now)
	if got <= now {
		t.Errorf("next tick %d not after now %d", got, now)
	}
	if got > now+61_000 {
		t.Errorf("next minutely tick %d too far from now %d", got, now)
	}
}

func TestParseSimpleCron(t *testing.T) {
	now := nowMs()
	tests := []struct {
		expr string
		want func(got int64) bool
	}{
		{"hourly", func(got int64) bool { return got == now+3_600_000 }},
		{"weekly", func(got int64) bool { return got == now+7*86_400_000 }},
		{"every 30", func(got int64) bool { return got == now+30_000 }},
		{"daily", func(got int64) bool { return got > now && got <= now+86_400_000 }},
		{"every x", func(got int64) bool { return got == 0 }},
		{"gibberish", func(got int64) bool { return got == 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := parseSimpleCron(tt.expr, now); !tt.want(got) {
				t.Errorf("parseSimpleCron(%q) = %d (now=%d)", tt.expr, got, now)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"valid every", Schedule{Kind: KindEvery, EveryMs: 1000}, false},
		{"every missing interval", Schedule{Kind: KindEvery}, true},
		{"valid at", Schedule{Kind: KindAt, AtMs: 1}, false},
		{"valid cron", Schedule{Kind: KindCron, Expr: "0 9 * * 1-5"}, false},
		{"cron with tz", Schedule{Kind: KindCron, Expr: "0 9 * * *", TZ: "Asia/Shanghai"}, false},
		{"tz on every", Schedule{Kind: KindEvery, EveryMs: 1000, TZ: "UTC"}, true},
		{"bad tz", Schedule{Kind: KindCron, Expr: "0 9 * * *", TZ: "Mars/Olympus"}, true},
		{"unknown kind", Schedule{Kind: "sometimes"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSchedule(tt.s)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateSchedule(%+v) error = %v, wantErr %v", tt.s, err, tt.wantErr)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")

	sf := storeFile{Version: 1, Jobs: []Job{{
		ID:       "abc123",
		Name:     "morning report",
		Enabled:  true,
		Schedule: Schedule{Kind: KindCron, Expr: "0 9 * * *"},
		Payload:  Payload{Kind: "agent_turn", Message: "写一份晨报", Deliver: true, Channel: "telegram", To: "42"},
	}}}
	if err := saveStore(path, sf); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := loadStore(path)
	if len(got.Jobs) != 1 || got.Jobs[0].ID != "abc123" || got.Jobs[0].Payload.Message != "写一份晨报" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestLoadStoreMissingAndCorrupt(t *testing.T) {
	if got := loadStore(filepath.Join(t.TempDir(), "nope.json")); len(got.Jobs) != 0 {
		t.Errorf("missing file should load empty, got %+v", got)
	}

	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := loadStore(path); len(got.Jobs) != 0 {
		t.Errorf("corrupt file should load empty, got %+v", got)
	}
}

func newTestService(t *testing.T, onJob JobHandler) *Service {
	t.Helper()
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), onJob, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServiceAddListRemove(t *testing.T) {
	s := newTestService(t, nil)

	far, err := s.Add("far", Schedule{Kind: KindAt, AtMs: nowMs() + 3_600_000}, Payload{Kind: "agent_turn", Message: "later"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	near, err := s.Add("near", Schedule{Kind: KindAt, AtMs: nowMs() + 600_000}, Payload{Kind: "agent_turn", Message: "sooner"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	jobs := s.List(false)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].ID != near.ID {
		t.Errorf("list not sorted by next run: %v", []string{jobs[0].Name, jobs[1].Name})
	}

	if !s.Remove(far.ID) {
		t.Error("remove returned false for existing job")
	}
	if s.Remove("missing") {
		t.Error("remove returned true for missing job")
	}
	if got := s.List(false); len(got) != 1 {
		t.Errorf("jobs after remove = %d, want 1", len(got))
	}
}

func TestServiceAddRejectsInvalidSchedule(t *testing.T) {
	s := newTestService(t, nil)
	if _, err := s.Add("bad", Schedule{Kind: KindEvery}, Payload{Message: "x"}, false); err == nil {
		t.Error("expected validation error")
	}
}

func TestServiceEnableDisable(t *testing.T) {
	s := newTestService(t, nil)
	job, err := s.Add("toggle", Schedule{Kind: KindEvery, EveryMs: 60_000}, Payload{Kind: "agent_turn", Message: "x"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	disabled, err := s.Enable(job.ID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.Enabled || disabled.State.NextRunAtMs != 0 {
		t.Errorf("disabled job = %+v", disabled)
	}
	if got := s.List(false); len(got) != 0 {
		t.Error("disabled job should be hidden from default list")
	}
	if got := s.List(true); len(got) != 1 {
		t.Error("disabled job should appear with includeDisabled")
	}

	enabled, err := s.Enable(job.ID, true)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !enabled.Enabled || enabled.State.NextRunAtMs == 0 {
		t.Errorf("enabled job = %+v", enabled)
	}
}

func TestServiceRunExecutesAndRemovesOneShot(t *testing.T) {
	var gotMessages []string
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		gotMessages = append(gotMessages, job.Payload.Message)
		return "done", nil
	})

	job, err := s.Add("once", Schedule{Kind: KindAt, AtMs: nowMs() + 3_600_000}, Payload{Kind: "agent_turn", Message: "one shot"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	ran, err := s.Run(job.ID, false)
	if err != nil || !ran {
		t.Fatalf("run = %v, %v", ran, err)
	}
	if len(gotMessages) != 1 || gotMessages[0] != "one shot" {
		t.Errorf("handler messages = %v", gotMessages)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Error("one-shot job should be removed after run")
	}
}

func TestServiceRunDisabledNeedsForce(t *testing.T) {
	ran := 0
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		ran++
		return "", nil
	})

	job, _ := s.Add("j", Schedule{Kind: KindEvery, EveryMs: 60_000}, Payload{Kind: "agent_turn", Message: "x"}, false)
	if _, err := s.Enable(job.ID, false); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Run(job.ID, false)
	if err != nil || ok {
		t.Errorf("disabled job ran without force: %v %v", ok, err)
	}
	ok, err = s.Run(job.ID, true)
	if err != nil || !ok {
		t.Errorf("forced run failed: %v %v", ok, err)
	}
	if ran != 1 {
		t.Errorf("handler invocations = %d, want 1", ran)
	}
}

func TestServiceTimerFiresDueJob(t *testing.T) {
	fired := make(chan string, 1)
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		select {
		case fired <- job.Name:
		default:
		}
		return "", nil
	})

	if _, err := s.Add("soon", Schedule{Kind: KindAt, AtMs: nowMs() + 50}, Payload{Kind: "agent_turn", Message: "x"}, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case name := <-fired:
		if name != "soon" {
			t.Errorf("fired job = %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestServiceRecordsFailure(t *testing.T) {
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		return "", context.DeadlineExceeded
	})

	job, _ := s.Add("failing", Schedule{Kind: KindEvery, EveryMs: 3_600_000}, Payload{Kind: "agent_turn", Message: "x"}, false)
	if _, err := s.Run(job.ID, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, ok := s.Get(job.ID)
	if !ok {
		t.Fatal("job vanished")
	}
	if got.State.LastStatus != "error" || got.State.LastError == "" {
		t.Errorf("state = %+v", got.State)
	}
	if got.State.NextRunAtMs == 0 {
		t.Error("recurring job should stay scheduled after failure")
	}
}

func TestOnTimerRunsDueJobsInDeadlineOrder(t *testing.T) {
	var order []string
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(ctx context.Context, job Job) (string, error) {
		order = append(order, job.Name)
		return "", nil
	}, nil)
	s.Load()

	// Stored with the later deadline first; execution must follow the
	// deadlines, not the store.
	now := nowMs()
	s.mu.Lock()
	s.running = true
	s.store.Jobs = []Job{
		{ID: "a", Name: "a", Enabled: true,
			Schedule: Schedule{Kind: KindAt, AtMs: now - 100},
			State:    JobState{NextRunAtMs: now - 100}},
		{ID: "b", Name: "b", Enabled: true,
			Schedule: Schedule{Kind: KindAt, AtMs: now - 200},
			State:    JobState{NextRunAtMs: now - 200}},
	}
	s.mu.Unlock()

	s.onTimer()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("execution order = %v, want [b a]", order)
	}
}
