package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []*models.Envelope
	err  error
}

func (p *capturePublisher) PublishInbound(ctx context.Context, env *models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(pub *capturePublisher) (*Scheduler, *testClock) {
	clock := &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	s := NewScheduler(pub,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(clock.Now))
	return s, clock
}

func everyJob(id string, every time.Duration) *Job {
	return &Job{
		ID:                 id,
		Name:               id,
		Schedule:           Schedule{Kind: "every", Every: every},
		Payload:            "check the backups",
		TargetFabric:       "telegram",
		TargetConversation: "42",
		Enabled:            true,
	}
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		name    string
		spec    ScheduleSpec
		kind    string
		wantErr bool
	}{
		{"at rfc3339", ScheduleSpec{At: "2025-07-01T09:00:00Z"}, "at", false},
		{"at short", ScheduleSpec{At: "2025-07-01 09:00"}, "at", false},
		{"every", ScheduleSpec{Every: 5 * time.Minute}, "every", false},
		{"cron five field", ScheduleSpec{Cron: "0 9 * * 1"}, "cron", false},
		{"cron descriptor", ScheduleSpec{Cron: "@daily"}, "cron", false},
		{"bad cron", ScheduleSpec{Cron: "not a schedule"}, "", true},
		{"bad at", ScheduleSpec{At: "tomorrow-ish"}, "", true},
		{"empty", ScheduleSpec{}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sched, err := ParseSchedule(tc.spec)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", sched)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sched.Kind != tc.kind {
				t.Errorf("kind: %q", sched.Kind)
			}
		})
	}
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	at := Schedule{Kind: "at", At: now.Add(time.Hour)}
	if next, ok := at.Next(now); !ok || !next.Equal(now.Add(time.Hour)) {
		t.Errorf("future at: %v %v", next, ok)
	}
	if _, ok := at.Next(now.Add(2 * time.Hour)); ok {
		t.Error("past at schedule still runnable")
	}

	every := Schedule{Kind: "every", Every: 10 * time.Minute}
	if next, ok := every.Next(now); !ok || !next.Equal(now.Add(10*time.Minute)) {
		t.Errorf("every: %v %v", next, ok)
	}

	daily := Schedule{Kind: "cron", CronExpr: "0 9 * * *"}
	next, ok := daily.Next(now)
	if !ok || next.Hour() != 9 || !next.After(now) {
		t.Errorf("cron: %v %v", next, ok)
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	pub := &capturePublisher{}
	s, clock := newTestScheduler(pub)

	if err := s.AddJob(everyJob("j1", 10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background())
	if pub.count() != 0 {
		t.Fatal("job fired before schedule")
	}

	clock.Advance(11 * time.Minute)
	s.Tick(context.Background())
	if pub.count() != 1 {
		t.Fatalf("fires: %d", pub.count())
	}

	env := pub.envs[0]
	if env.Fabric != models.FabricCron || env.Content != "check the backups" {
		t.Errorf("envelope: %+v", env)
	}
	fabric, conv, err := env.Origin()
	if err != nil || fabric != "telegram" || conv != "42" {
		t.Errorf("origin: %s %s %v", fabric, conv, err)
	}

	// Not due again until the interval elapses once more.
	s.Tick(context.Background())
	if pub.count() != 1 {
		t.Errorf("fires after immediate re-tick: %d", pub.count())
	}
	clock.Advance(11 * time.Minute)
	s.Tick(context.Background())
	if pub.count() != 2 {
		t.Errorf("fires after second interval: %d", pub.count())
	}
}

func TestOneShotJobDisablesAfterFire(t *testing.T) {
	pub := &capturePublisher{}
	s, clock := newTestScheduler(pub)

	job := everyJob("once", 0)
	job.Schedule = Schedule{Kind: "at", At: clock.Now().Add(time.Minute)}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	s.Tick(context.Background())
	if pub.count() != 1 {
		t.Fatalf("fires: %d", pub.count())
	}

	got, ok := s.Get("once")
	if !ok || got.Enabled || !got.NextRun.IsZero() {
		t.Errorf("job after one-shot fire: %+v", got)
	}
}

func TestDeleteAfterRun(t *testing.T) {
	pub := &capturePublisher{}
	s, clock := newTestScheduler(pub)

	job := everyJob("ephemeral", time.Minute)
	job.DeleteAfterRun = true
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	s.Tick(context.Background())
	if pub.count() != 1 {
		t.Fatalf("fires: %d", pub.count())
	}
	if _, ok := s.Get("ephemeral"); ok {
		t.Error("delete_after_run job survived its fire")
	}
}

func TestRunJobManual(t *testing.T) {
	pub := &capturePublisher{}
	s, _ := newTestScheduler(pub)

	job := everyJob("j1", time.Hour)
	job.Enabled = false
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}

	if err := s.RunJob(context.Background(), "j1", false); err == nil {
		t.Error("disabled job ran without force")
	}
	if err := s.RunJob(context.Background(), "j1", true); err != nil {
		t.Fatal(err)
	}
	if pub.count() != 1 {
		t.Errorf("fires: %d", pub.count())
	}
	if err := s.RunJob(context.Background(), "ghost", true); err == nil {
		t.Error("unknown job ran")
	}
}

func TestPublishFailureRecordsError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("queue full")}
	s, clock := newTestScheduler(pub)

	if err := s.AddJob(everyJob("j1", time.Minute)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	s.Tick(context.Background())

	job, _ := s.Get("j1")
	if job.LastError == "" || job.Runs != 0 {
		t.Errorf("job after failed publish: %+v", job)
	}
}

func TestAddJobValidation(t *testing.T) {
	s, _ := newTestScheduler(&capturePublisher{})

	if err := s.AddJob(&Job{Payload: "x", TargetFabric: "cli", TargetConversation: "1"}); err == nil {
		t.Error("missing schedule accepted")
	}
	if err := s.AddJob(&Job{Schedule: Schedule{Kind: "every", Every: time.Minute}, TargetFabric: "cli", TargetConversation: "1"}); err == nil {
		t.Error("missing payload accepted")
	}
	job := everyJob("dup", time.Minute)
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(everyJob("dup", time.Minute)); err == nil {
		t.Error("duplicate id accepted")
	}
}
