package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/tools/policy"
	"github.com/haasonsaas/relay/pkg/models"
)

// Status is the terminal state of one execution pipeline run.
type Status string

const (
	StatusOK               Status = "ok"
	StatusValidationFailed Status = "validation_failed"
	StatusDenied           Status = "denied"
	StatusApprovalRequired Status = "approval_required"
	StatusElevatedRequired Status = "elevated_required"
	StatusBreakerOpen      Status = "breaker_open"
	StatusError            Status = "error"
)

// ExecutionResult reports one tool call end to end. Failures are data,
// not errors; the agent loop feeds them back to the model as tool
// results either way.
type ExecutionResult struct {
	ToolName string        `json:"tool_name"`
	CallID   string        `json:"call_id,omitempty"`
	Status   Status        `json:"status"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Class    ErrorClass    `json:"error_class,omitempty"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`

	// ValidationErrors is set when Status is validation_failed.
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// Text renders the result for the tool message fed back to the model.
func (r *ExecutionResult) Text() string {
	if r.Success {
		return r.Output
	}
	switch r.Status {
	case StatusValidationFailed:
		return fmt.Sprintf("tool call rejected, invalid arguments: %v", r.ValidationErrors)
	case StatusDenied:
		return fmt.Sprintf("tool %s denied by policy: %s", r.ToolName, r.Error)
	case StatusApprovalRequired:
		return fmt.Sprintf("tool %s requires human approval which was not granted", r.ToolName)
	case StatusElevatedRequired:
		return fmt.Sprintf("tool %s requires elevated mode", r.ToolName)
	case StatusBreakerOpen:
		return fmt.Sprintf("tool %s is temporarily disabled after repeated failures, try again later", r.ToolName)
	default:
		return fmt.Sprintf("tool %s failed: %s", r.ToolName, r.Error)
	}
}

// Approver blocks until a human decides a pending tool call.
type Approver interface {
	// WaitForApproval returns whether the call was approved and the
	// decider's reason. An error means the wait itself failed (timeout,
	// cancellation) and counts as not approved.
	WaitForApproval(ctx context.Context, tool string, args map[string]any, callID, requester string) (bool, string, error)
}

// RetryConfig tunes the classified retry loop.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          float64
}

// DefaultRetryConfig mirrors the self-heal defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          0.25,
	}
}

// Metrics totals for the executor, read via Snapshot.
type Snapshot struct {
	Executions int64 `json:"executions"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	Retries    int64 `json:"retries"`
	Panics     int64 `json:"panics"`
	Refusals   int64 `json:"refusals"`
}

// Executor runs tool calls through validation, policy, the circuit
// breaker, and the retry loop.
type Executor struct {
	registry  *Registry
	policy    *policy.Policy
	approver  Approver
	breaker   *breaker
	validator *validator
	retry     RetryConfig
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	sleep     func(ctx context.Context, d time.Duration) error

	executions atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	retries    atomic.Int64
	panics     atomic.Int64
	refusals   atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPolicy sets the tool-access policy. Without one every call is
// allowed.
func WithPolicy(p *policy.Policy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithApprover wires the human-in-the-loop gate.
func WithApprover(a Approver) ExecutorOption {
	return func(e *Executor) { e.approver = a }
}

// WithRetryConfig overrides the retry defaults.
func WithRetryConfig(cfg RetryConfig) ExecutorOption {
	return func(e *Executor) { e.retry = cfg }
}

// WithBreaker overrides the breaker threshold and cooldown.
func WithBreaker(threshold int, cooldown time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.breaker = newBreaker(threshold, cooldown, time.Now)
	}
}

// WithToolTimeout sets the per-call execution timeout.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorMetrics sets the metrics collector.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// withSleep replaces the retry sleeper, for tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:  registry,
		breaker:   newBreaker(5, 300*time.Second, time.Now),
		validator: newValidator(),
		retry:     DefaultRetryConfig(),
		timeout:   60 * time.Second,
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker.onTrip = func(tool string) {
		e.logger.Warn("circuit breaker opened", "tool", tool)
		if e.metrics != nil {
			e.metrics.BreakerTrips.WithLabelValues(tool).Inc()
		}
	}
	return e
}

// ToolHealth exposes the breaker state for a tool.
func (e *Executor) ToolHealth(tool string) ToolHealth {
	return e.breaker.Health(tool)
}

// Stats returns running totals.
func (e *Executor) Stats() Snapshot {
	return Snapshot{
		Executions: e.executions.Load(),
		Successes:  e.successes.Load(),
		Failures:   e.failures.Load(),
		Retries:    e.retries.Load(),
		Panics:     e.panics.Load(),
		Refusals:   e.refusals.Load(),
	}
}

// ExecuteWithRetry runs the full pipeline for one tool call. The
// profile, when present, can shrink the retry budget via its
// guardrails. It never returns an error; every outcome is encoded in
// the result.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, args map[string]any, profile *models.ModelProfile, callID string) *ExecutionResult {
	start := time.Now()
	res := &ExecutionResult{ToolName: name, CallID: callID}
	defer func() {
		res.Elapsed = time.Since(start)
		e.count(res)
	}()

	tool, err := e.registry.Get(name)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		res.Class = ErrorPermanent
		return res
	}

	if problems := e.validator.Validate(name, tool.Schema(), args); len(problems) > 0 {
		res.Status = StatusValidationFailed
		res.ValidationErrors = problems
		res.Class = ErrorPermanent
		return res
	}

	if !e.checkPolicy(ctx, name, args, callID, res) {
		return res
	}

	if !e.breaker.allow(name) {
		res.Status = StatusBreakerOpen
		res.Error = "circuit open"
		return res
	}

	e.runWithRetry(ctx, tool, args, profile, res)
	return res
}

// checkPolicy applies the policy decision, blocking on approval when an
// approver is wired. Returns true when execution may proceed.
func (e *Executor) checkPolicy(ctx context.Context, name string, args map[string]any, callID string, res *ExecutionResult) bool {
	if e.policy == nil {
		return true
	}
	switch e.policy.Check(name, callID) {
	case policy.DecisionAllow:
		return true
	case policy.DecisionDeny:
		res.Status = StatusDenied
		res.Error = "denied by policy"
		return false
	case policy.DecisionNeedsElevated:
		res.Status = StatusElevatedRequired
		res.Error = "requires elevated mode"
		return false
	case policy.DecisionNeedsApproval:
		if e.approver == nil {
			res.Status = StatusApprovalRequired
			res.Error = "approval required but no approver configured"
			return false
		}
		approved, reason, err := e.approver.WaitForApproval(ctx, name, args, callID, "")
		if err != nil {
			res.Status = StatusApprovalRequired
			res.Error = fmt.Sprintf("approval wait failed: %v", err)
			return false
		}
		if !approved {
			res.Status = StatusDenied
			res.Error = "denied by approver: " + reason
			return false
		}
		e.policy.ApproveCall(callID)
		return true
	}
	return false
}

func (e *Executor) runWithRetry(ctx context.Context, tool Tool, args map[string]any, profile *models.ModelProfile, res *ExecutionResult) {
	budget := e.retry.MaxRetries
	if profile != nil && profile.Guardrails.ToolCallRetryLimit > 0 {
		budget = profile.Guardrails.ToolCallRetryLimit
	}

	name := tool.Name()
	var lastErr error
	var lastClass ErrorClass

	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		out, err := e.runOnce(ctx, tool, args)
		if err == nil {
			e.breaker.recordSuccess(name)
			res.Status = StatusOK
			res.Success = true
			res.Output = out
			return
		}

		lastErr = err
		lastClass = Classify(err.Error())
		e.logger.Debug("tool execution failed",
			"tool", name, "attempt", attempt+1, "class", lastClass, "error", err)

		if !e.shouldRetry(lastClass, attempt, budget) {
			break
		}
		e.retries.Add(1)
		if e.metrics != nil {
			e.metrics.ToolRetries.WithLabelValues(name).Inc()
		}
		if err := e.sleep(ctx, e.delay(lastClass, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	e.breaker.recordFailure(name, lastErr.Error())
	res.Status = StatusError
	res.Error = lastErr.Error()
	res.Class = lastClass
}

func (e *Executor) shouldRetry(class ErrorClass, attempt, budget int) bool {
	if attempt+1 > budget {
		return false
	}
	switch class {
	case ErrorPermanent:
		return false
	case ErrorUnknown:
		return attempt == 0
	default:
		return true
	}
}

// delay computes the backoff before retry attempt+1. Rate limits wait
// twice as long; jitter spreads concurrent retries apart.
func (e *Executor) delay(class ErrorClass, attempt int) time.Duration {
	d := float64(e.retry.BaseDelay) * math.Pow(e.retry.ExponentialBase, float64(attempt))
	if class == ErrorRateLimit {
		d *= 2
	}
	if max := float64(e.retry.MaxDelay); d > max {
		d = max
	}
	if j := e.retry.Jitter; j > 0 {
		d *= 1 + (rand.Float64()*2-1)*j
	}
	return time.Duration(d)
}

// runOnce executes the tool with the per-call timeout and panic
// recovery. A panicking tool yields an error, never a crashed loop.
func (e *Executor) runOnce(ctx context.Context, tool Tool, args map[string]any) (out string, err error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(callCtx, args)
}

func (e *Executor) count(res *ExecutionResult) {
	e.executions.Add(1)
	switch {
	case res.Success:
		e.successes.Add(1)
	case res.Status == StatusError:
		e.failures.Add(1)
	default:
		e.refusals.Add(1)
	}
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(res.ToolName, string(res.Status)).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
