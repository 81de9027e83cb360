package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const defaultTickInterval = time.Second

// Job is one scheduled message injection.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`

	// Payload is the message text delivered when the job fires.
	Payload string `json:"payload"`

	// TargetFabric and TargetConversation route the agent's reply.
	TargetFabric       string `json:"target_fabric"`
	TargetConversation string `json:"target_conversation"`

	Enabled bool `json:"enabled"`

	// DeleteAfterRun removes the job after its first fire.
	DeleteAfterRun bool `json:"delete_after_run,omitempty"`

	NextRun   time.Time `json:"next_run,omitzero"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

// Publisher injects envelopes into the inbound queue.
type Publisher interface {
	PublishInbound(ctx context.Context, env *models.Envelope) error
}

// Scheduler owns the job table and the tick loop.
type Scheduler struct {
	publisher Publisher
	tick      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTickInterval sets the evaluation cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a scheduler publishing into the given queue.
func NewScheduler(publisher Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		publisher: publisher,
		tick:      defaultTickInterval,
		logger:    slog.Default(),
		now:       time.Now,
		jobs:      make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob registers a job and computes its first run.
func (s *Scheduler) AddJob(job *Job) error {
	if job == nil || job.Payload == "" {
		return fmt.Errorf("cron: job payload is required")
	}
	if job.TargetFabric == "" || job.TargetConversation == "" {
		return fmt.Errorf("cron: job delivery target is required")
	}
	if job.Schedule.Kind == "" {
		return fmt.Errorf("cron: job schedule is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	next, ok := job.Schedule.Next(s.now())
	if !ok {
		return fmt.Errorf("cron: job %s has no future run", job.ID)
	}
	job.NextRun = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("cron: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	s.logger.Info("cron job added", "id", job.ID, "name", job.Name, "next_run", next)
	return nil
}

// RemoveJob deletes a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: unknown job %s", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled toggles a job without firing it.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron: unknown job %s", id)
	}
	job.Enabled = enabled
	return nil
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// List returns copies of all jobs.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out
}

// Start runs the tick loop until the context ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick fires every due enabled job once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.IsZero() && !now.Before(job.NextRun) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job)
	}
}

// RunJob triggers a job out of schedule. force fires disabled jobs too.
func (s *Scheduler) RunJob(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %s", id)
	}
	if !job.Enabled && !force {
		return fmt.Errorf("cron: job %s is disabled", id)
	}
	return s.fire(ctx, job)
}

// fire publishes the job's synthetic envelope and advances its state.
func (s *Scheduler) fire(ctx context.Context, job *Job) error {
	env := &models.Envelope{
		Fabric:       models.FabricCron,
		Sender:       "cron:" + job.ID,
		Conversation: job.TargetFabric + ":" + job.TargetConversation,
		Content:      job.Payload,
		Metadata:     map[string]string{"cron_job": job.ID},
	}
	err := s.publisher.PublishInbound(ctx, env)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	job.LastRun = now
	if err != nil {
		job.LastError = err.Error()
		s.logger.Error("cron job failed to publish", "id", job.ID, "error", err)
		return fmt.Errorf("cron: publish job %s: %w", job.ID, err)
	}
	job.LastError = ""
	job.Runs++
	s.logger.Info("cron job fired", "id", job.ID, "name", job.Name, "runs", job.Runs)

	if job.DeleteAfterRun {
		delete(s.jobs, job.ID)
		return nil
	}
	if next, ok := job.Schedule.Next(now); ok {
		job.NextRun = next
	} else {
		// One-shot schedules exhaust after firing.
		job.NextRun = time.Time{}
		job.Enabled = false
	}
	return nil
}
