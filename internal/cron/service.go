package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobHandler runs one job's agent turn and returns the reply text.
type JobHandler func(ctx context.Context, job Job) (string, error)

// DeliverFunc publishes a job's reply to its target channel.
type DeliverFunc func(channel, to, content string)

// Service owns the job store and a single timer armed at the earliest
// next run across all enabled jobs. Instead of polling, the timer is
// re-armed after every mutation and every fire.
type Service struct {
	path    string
	onJob   JobHandler
	deliver DeliverFunc

	mu    sync.Mutex
	store storeFile
	timer *time.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewService creates a cron service persisting to path. onJob runs each
// due job; deliver (optional) routes replies of jobs with deliver=true.
func NewService(path string, onJob JobHandler, deliver DeliverFunc) *Service {
	return &Service{
		path:    path,
		onJob:   onJob,
		deliver: deliver,
	}
}

// Load reads the store from disk without starting the scheduler. CLI
// commands mutate the store through a loaded-but-stopped service; a
// running gateway picks the edits up through its store watcher.
func (s *Service) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	s.store = loadStore(s.path)
}

// Start loads the store, recomputes schedules, and arms the timer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.store = loadStore(s.path)
	s.recomputeNextRuns()
	if err := saveStore(s.path, s.store); err != nil {
		slog.Warn("failed to persist cron store", "error", err)
	}
	s.armTimerLocked()
	jobs := len(s.store.Jobs)
	s.mu.Unlock()

	s.watchStore()

	slog.Info("cron service started", "jobs", jobs)
	return nil
}

// Stop disarms the timer and stops the watcher.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	slog.Info("cron service stopped")
}

// recomputeNextRuns refreshes every enabled job's next fire time.
// Caller must hold s.mu.
func (s *Service) recomputeNextRuns() {
	now := nowMs()
	for i := range s.store.Jobs {
		if s.store.Jobs[i].Enabled {
			s.store.Jobs[i].State.NextRunAtMs = computeNextRun(s.store.Jobs[i].Schedule, now)
		}
	}
}

// nextWakeLocked returns the earliest next run across enabled jobs, or 0.
func (s *Service) nextWakeLocked() int64 {
	var next int64
	for _, j := range s.store.Jobs {
		if !j.Enabled || j.State.NextRunAtMs == 0 {
			continue
		}
		if next == 0 || j.State.NextRunAtMs < next {
			next = j.State.NextRunAtMs
		}
	}
	return next
}

// armTimerLocked (re)schedules the single wake timer. Caller must hold s.mu.
func (s *Service) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.running {
		return
	}
	next := s.nextWakeLocked()
	if next == 0 {
		return
	}
	delay := time.Duration(max(0, next-nowMs())) * time.Millisecond
	s.timer = time.AfterFunc(delay, s.onTimer)
	slog.Debug("cron timer armed", "wake_in", delay)
}

// onTimer fires due jobs, persists state, and re-arms.
func (s *Service) onTimer() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	now := nowMs()
	var due []Job
	for _, j := range s.store.Jobs {
		if j.Enabled && j.State.NextRunAtMs != 0 && now >= j.State.NextRunAtMs {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	// Multiple jobs due on the same wake run earliest-deadline first,
	// not in store order.
	sort.SliceStable(due, func(a, b int) bool {
		return due[a].State.NextRunAtMs < due[b].State.NextRunAtMs
	})

	for _, job := range due {
		s.executeJob(job)
	}

	s.mu.Lock()
	if err := saveStore(s.path, s.store); err != nil {
		slog.Warn("failed to persist cron store", "error", err)
	}
	s.armTimerLocked()
	s.mu.Unlock()
}

// executeJob runs one job through the handler and updates its state in
// the store. One-shot jobs are removed after running.
func (s *Service) executeJob(job Job) {
	startMs := nowMs()
	slog.Info("executing cron job", "name", job.Name, "id", job.ID)

	var response string
	var err error
	if s.onJob != nil {
		response, err = s.onJob(s.ctx, job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(job.ID)
	if idx < 0 {
		// removed while running
		return
	}
	j := &s.store.Jobs[idx]

	if err != nil {
		j.State.LastStatus = "error"
		j.State.LastError = err.Error()
		slog.Error("cron job failed", "name", job.Name, "error", err)
	} else {
		j.State.LastStatus = "ok"
		j.State.LastError = ""
		j.State.RunCount++
		slog.Info("cron job completed", "name", job.Name)
	}
	j.State.LastRunAtMs = startMs
	j.UpdatedAtMs = nowMs()

	if job.Schedule.Kind == KindAt || job.DeleteAfterRun {
		s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
		slog.Info("one-shot cron job removed after run", "name", job.Name)
	} else {
		j.State.NextRunAtMs = computeNextRun(job.Schedule, nowMs())
	}

	if err == nil && job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" && s.deliver != nil {
		s.deliver(job.Payload.Channel, job.Payload.To, response)
	}
}

// findLocked returns the index of the job with the given ID, or -1.
// Caller must hold s.mu.
func (s *Service) findLocked(id string) int {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// List returns jobs sorted by next run time. Disabled jobs are included
// only when includeDisabled is set.
func (s *Service) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []Job
	for _, j := range s.store.Jobs {
		if includeDisabled || j.Enabled {
			jobs = append(jobs, j)
		}
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		na, nb := jobs[a].State.NextRunAtMs, jobs[b].State.NextRunAtMs
		if na == 0 {
			return false
		}
		if nb == 0 {
			return true
		}
		return na < nb
	})
	return jobs
}

// Add validates and appends a new job, persisting and re-arming.
func (s *Service) Add(name string, schedule Schedule, payload Payload, deleteAfterRun bool) (Job, error) {
	if err := validateSchedule(schedule); err != nil {
		return Job{}, err
	}

	now := nowMs()
	job := Job{
		ID:             uuid.NewString()[:8],
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		State:          JobState{NextRunAtMs: computeNextRun(schedule, now)},
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		DeleteAfterRun: deleteAfterRun,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Jobs = append(s.store.Jobs, job)
	if err := saveStore(s.path, s.store); err != nil {
		return Job{}, err
	}
	s.armTimerLocked()

	slog.Info("cron job added", "name", name, "id", job.ID)
	return job, nil
}

// Remove deletes a job by ID. Returns false when no such job exists.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx < 0 {
		return false
	}
	s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
	if err := saveStore(s.path, s.store); err != nil {
		slog.Warn("failed to persist cron store", "error", err)
	}
	s.armTimerLocked()
	slog.Info("cron job removed", "id", id)
	return true
}

// Enable toggles a job. Disabling clears its next run; enabling
// recomputes it.
func (s *Service) Enable(id string, enabled bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx < 0 {
		return Job{}, fmt.Errorf("no such job %q", id)
	}
	j := &s.store.Jobs[idx]
	j.Enabled = enabled
	j.UpdatedAtMs = nowMs()
	if enabled {
		j.State.NextRunAtMs = computeNextRun(j.Schedule, nowMs())
	} else {
		j.State.NextRunAtMs = 0
	}
	if err := saveStore(s.path, s.store); err != nil {
		return Job{}, err
	}
	s.armTimerLocked()
	return *j, nil
}

// Run fires a job immediately. Disabled jobs run only with force.
func (s *Service) Run(id string, force bool) (bool, error) {
	s.mu.Lock()
	idx := s.findLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("no such job %q", id)
	}
	job := s.store.Jobs[idx]
	s.mu.Unlock()

	if !job.Enabled && !force {
		return false, nil
	}

	s.executeJob(job)

	s.mu.Lock()
	if err := saveStore(s.path, s.store); err != nil {
		slog.Warn("failed to persist cron store", "error", err)
	}
	s.armTimerLocked()
	s.mu.Unlock()
	return true, nil
}

// Get returns a job by ID.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findLocked(id)
	if idx < 0 {
		return Job{}, false
	}
	return s.store.Jobs[idx], true
}

// Status summarizes the service for the status command.
type Status struct {
	Running      bool  `json:"running"`
	Jobs         int   `json:"jobs"`
	NextWakeAtMs int64 `json:"next_wake_at_ms,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:      s.running,
		Jobs:         len(s.store.Jobs),
		NextWakeAtMs: s.nextWakeLocked(),
	}
}
