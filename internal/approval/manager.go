// Package approval queues human-in-the-loop decisions for tool calls
// that policy flags as needing sign-off.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultTimeout  = 300 * time.Second
	pollInterval    = 100 * time.Millisecond
	sweepInterval   = time.Minute
	completedMaxAge = time.Hour
)

// Listener observes approval lifecycle events. The argument is a copy.
type Listener func(*models.Approval)

// Manager holds pending and completed approval requests.
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   map[string]*models.Approval
	completed map[string]*models.Approval
	onRequest []Listener
	onDecide  []Listener
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTimeout sets how long requests stay decidable.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds an approval queue.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		timeout:   defaultTimeout,
		logger:    slog.Default(),
		now:       time.Now,
		pending:   make(map[string]*models.Approval),
		completed: make(map[string]*models.Approval),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRequest registers a callback fired for every new request.
func (m *Manager) OnRequest(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequest = append(m.onRequest, fn)
}

// OnDecision registers a callback fired for every decided request.
func (m *Manager) OnDecision(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDecide = append(m.onDecide, fn)
}

// RequestApproval enqueues a decision and notifies listeners.
func (m *Manager) RequestApproval(tool string, args map[string]any, requester, reason string) *models.Approval {
	now := m.now().UTC()
	req := &models.Approval{
		ID:        uuid.NewString(),
		ToolName:  tool,
		Arguments: args,
		Requester: requester,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		Status:    models.ApprovalPending,
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	listeners := append([]Listener(nil), m.onRequest...)
	cp := *req
	m.mu.Unlock()

	m.logger.Info("approval requested", "id", req.ID, "tool", tool, "requester", requester)
	for _, fn := range listeners {
		fn(&cp)
	}
	return &cp
}

// Approve grants a pending request.
func (m *Manager) Approve(id, decider, reason string) error {
	return m.decide(id, models.ApprovalApproved, decider, reason)
}

// Deny refuses a pending request.
func (m *Manager) Deny(id, decider, reason string) error {
	return m.decide(id, models.ApprovalDenied, decider, reason)
}

// Cancel withdraws a pending request, typically when the waiter gave up.
func (m *Manager) Cancel(id, reason string) error {
	return m.decide(id, models.ApprovalCancelled, "", reason)
}

func (m *Manager) decide(id string, status models.ApprovalStatus, decider, reason string) error {
	m.mu.Lock()
	req := m.pending[id]
	if req == nil {
		done := m.completed[id]
		m.mu.Unlock()
		if done != nil && done.Status == status {
			// Repeating the same decision is a no-op.
			return nil
		}
		if done != nil {
			return fmt.Errorf("approval: request %s already %s", id, done.Status)
		}
		return fmt.Errorf("approval: unknown request %s", id)
	}
	req.Status = status
	req.Decider = decider
	req.DecisionReason = reason
	req.DecidedAt = m.now().UTC()
	delete(m.pending, id)
	m.completed[id] = req
	listeners := append([]Listener(nil), m.onDecide...)
	cp := *req
	m.mu.Unlock()

	m.logger.Info("approval decided", "id", id, "status", status, "decider", decider)
	for _, fn := range listeners {
		fn(&cp)
	}
	return nil
}

// Get returns a copy of the request, pending or completed.
func (m *Manager) Get(id string) (*models.Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req := m.pending[id]; req != nil {
		cp := *req
		return &cp, true
	}
	if req := m.completed[id]; req != nil {
		cp := *req
		return &cp, true
	}
	return nil, false
}

// Pending lists undecided requests, oldest first.
func (m *Manager) Pending() []*models.Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Approval, 0, len(m.pending))
	for _, req := range m.pending {
		cp := *req
		out = append(out, &cp)
	}
	sortByCreated(out)
	return out
}

func sortByCreated(reqs []*models.Approval) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.Before(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}

// WaitForDecision polls until the request is decided or the wait times
// out. A timed-out wait cancels the request.
func (m *Manager) WaitForDecision(ctx context.Context, id string, timeout time.Duration) (*models.Approval, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, ok := m.Get(id)
		if !ok {
			return nil, fmt.Errorf("approval: unknown request %s", id)
		}
		if req.Status.Terminal() {
			return req, nil
		}
		if now := m.now(); now.After(req.ExpiresAt) {
			m.decide(id, models.ApprovalExpired, "", "request expired")
			req, _ = m.Get(id)
			return req, nil
		} else if now.After(deadline) {
			m.Cancel(id, "waiter timed out")
			return nil, fmt.Errorf("approval: timed out waiting for decision on %s", id)
		}

		select {
		case <-ctx.Done():
			m.Cancel(id, "waiter cancelled")
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start runs the background sweeper until the context ends.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep auto-denies expired pending requests and purges completed
// requests older than an hour.
func (m *Manager) Sweep() {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []string
	for id, req := range m.pending {
		if now.After(req.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for id, req := range m.completed {
		if now.Sub(req.DecidedAt) > completedMaxAge {
			delete(m.completed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.decide(id, models.ApprovalExpired, "", "request expired"); err == nil {
			m.logger.Info("approval expired", "id", id)
		}
	}
}
