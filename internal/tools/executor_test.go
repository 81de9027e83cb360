package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/tools/policy"
	"github.com/haasonsaas/relay/pkg/models"
)

func execSchema() models.ParameterSchema {
	return models.ParameterSchema{
		Type: "object",
		Properties: map[string]models.Property{
			"command": {Type: "string"},
			"mode":    {Type: "string", Enum: []string{"fast", "safe"}},
		},
		Required: []string{"command"},
	}
}

// scriptedTool fails a set number of times before succeeding.
type scriptedTool struct {
	mu        sync.Mutex
	name      string
	failures  int
	failErr   error
	calls     int
	panicking bool
}

func (s *scriptedTool) Name() string                   { return s.name }
func (s *scriptedTool) Description() string            { return "scripted test tool" }
func (s *scriptedTool) Schema() models.ParameterSchema { return execSchema() }

func (s *scriptedTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panicking {
		panic("scripted panic")
	}
	if s.calls <= s.failures {
		return "", s.failErr
	}
	return "ok", nil
}

func (s *scriptedTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestExecutor(t *testing.T, tool Tool, opts ...ExecutorOption) *Executor {
	t.Helper()
	reg := NewRegistry()
	reg.Register(tool)
	opts = append([]ExecutorOption{
		withSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	}, opts...)
	return NewExecutor(reg, opts...)
}

func TestExecuteSuccess(t *testing.T) {
	tool := &scriptedTool{name: "exec"}
	ex := newTestExecutor(t, tool)

	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "c1")
	if !res.Success || res.Status != StatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output != "ok" {
		t.Errorf("output: got %q", res.Output)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts: got %d want 1", res.Attempts)
	}
}

func TestValidationFailureSkipsTool(t *testing.T) {
	tool := &scriptedTool{name: "exec"}
	ex := newTestExecutor(t, tool)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"command": 42}},
		{"enum violation", map[string]any{"command": "ls", "mode": "yolo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ex.ExecuteWithRetry(context.Background(), "exec", tt.args, nil, "")
			if res.Status != StatusValidationFailed {
				t.Errorf("status: got %v, result %+v", res.Status, res)
			}
			if len(res.ValidationErrors) == 0 {
				t.Error("expected validation errors")
			}
		})
	}
	if tool.callCount() != 0 {
		t.Errorf("tool was invoked %d times despite validation failures", tool.callCount())
	}
}

func TestTransientErrorRetries(t *testing.T) {
	tool := &scriptedTool{name: "exec", failures: 2, failErr: errors.New("connection reset by peer")}
	ex := newTestExecutor(t, tool)

	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "")
	if !res.Success {
		t.Fatalf("expected eventual success: %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts: got %d want 3", res.Attempts)
	}
}

func TestPermanentErrorNoRetry(t *testing.T) {
	tool := &scriptedTool{name: "exec", failures: 10, failErr: errors.New("permission denied")}
	ex := newTestExecutor(t, tool)

	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Class != ErrorPermanent {
		t.Errorf("class: got %v", res.Class)
	}
	if tool.callCount() != 1 {
		t.Errorf("permanent error retried: %d calls", tool.callCount())
	}
}

func TestUnknownErrorRetriesOnce(t *testing.T) {
	tool := &scriptedTool{name: "exec", failures: 10, failErr: errors.New("weird failure xyz")}
	ex := newTestExecutor(t, tool)

	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "")
	if res.Success {
		t.Fatal("expected failure")
	}
	if tool.callCount() != 2 {
		t.Errorf("unknown error calls: got %d want 2", tool.callCount())
	}
}

func TestProfileShrinksRetryBudget(t *testing.T) {
	tool := &scriptedTool{name: "exec", failures: 10, failErr: errors.New("timeout waiting for tool")}
	ex := newTestExecutor(t, tool, WithRetryConfig(RetryConfig{
		MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2,
	}))

	profile := &models.ModelProfile{
		Guardrails: models.Guardrails{ToolCallRetryLimit: 1},
	}
	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, profile, "")
	if res.Success {
		t.Fatal("expected failure")
	}
	// Budget 1 means one attempt plus one retry.
	if tool.callCount() != 2 {
		t.Errorf("calls: got %d want 2", tool.callCount())
	}
}

func TestCircuitBreakerTripAndProbe(t *testing.T) {
	tool := &scriptedTool{name: "web_search", failures: 1000, failErr: errors.New("service unavailable")}
	reg := NewRegistry()
	reg.Register(tool)

	ex := NewExecutor(reg,
		withSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithRetryConfig(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2}),
		WithBreaker(5, 50*time.Millisecond),
	)
	args := map[string]any{"command": "q"}

	// Five consecutive failures trip the breaker.
	for i := 0; i < 5; i++ {
		res := ex.ExecuteWithRetry(context.Background(), "web_search", args, nil, "")
		if res.Status != StatusError {
			t.Fatalf("run %d: %+v", i, res)
		}
	}
	if h := ex.ToolHealth("web_search"); !h.CircuitOpen {
		t.Fatal("breaker should be open after threshold failures")
	}

	before := tool.callCount()
	res := ex.ExecuteWithRetry(context.Background(), "web_search", args, nil, "")
	if res.Status != StatusBreakerOpen {
		t.Fatalf("expected breaker refusal, got %+v", res)
	}
	if tool.callCount() != before {
		t.Error("breaker-open call reached the tool")
	}

	// After the cooldown one probe goes through; success closes it.
	time.Sleep(60 * time.Millisecond)
	tool.mu.Lock()
	tool.failures = 0
	tool.calls = 0
	tool.mu.Unlock()

	res = ex.ExecuteWithRetry(context.Background(), "web_search", args, nil, "")
	if !res.Success {
		t.Fatalf("probe should succeed: %+v", res)
	}
	if h := ex.ToolHealth("web_search"); h.CircuitOpen {
		t.Error("breaker should close after successful probe")
	}
}

func TestFailedProbeReopens(t *testing.T) {
	tool := &scriptedTool{name: "exec", failures: 1000, failErr: errors.New("connection refused")}
	reg := NewRegistry()
	reg.Register(tool)
	ex := NewExecutor(reg,
		withSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithRetryConfig(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2}),
		WithBreaker(2, 10*time.Millisecond),
	)
	args := map[string]any{"command": "x"}

	ex.ExecuteWithRetry(context.Background(), "exec", args, nil, "")
	ex.ExecuteWithRetry(context.Background(), "exec", args, nil, "")
	if !ex.ToolHealth("exec").CircuitOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(15 * time.Millisecond)
	res := ex.ExecuteWithRetry(context.Background(), "exec", args, nil, "")
	if res.Status != StatusError {
		t.Fatalf("probe should execute and fail: %+v", res)
	}
	if !ex.ToolHealth("exec").CircuitOpen {
		t.Error("failed probe should reopen the breaker")
	}
}

func TestPolicyDeny(t *testing.T) {
	tool := &scriptedTool{name: "exec"}
	ex := newTestExecutor(t, tool, WithPolicy(&policy.Policy{Deny: []string{"exec"}}))

	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "")
	if res.Status != StatusDenied {
		t.Errorf("status: got %v", res.Status)
	}
	if tool.callCount() != 0 {
		t.Error("denied call reached the tool")
	}
}

type fakeApprover struct {
	approve bool
	reason  string
}

func (f *fakeApprover) WaitForApproval(ctx context.Context, tool string, args map[string]any, callID, requester string) (bool, string, error) {
	return f.approve, f.reason, nil
}

func TestPolicyApprovalFlow(t *testing.T) {
	tool := &scriptedTool{name: "exec"}
	pol := &policy.Policy{Allow: []string{"*"}, RequireApproval: []string{"exec"}}

	granted := newTestExecutor(t, tool, WithPolicy(pol), WithApprover(&fakeApprover{approve: true}))
	res := granted.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "c1")
	if !res.Success {
		t.Fatalf("approved call should run: %+v", res)
	}

	tool2 := &scriptedTool{name: "exec"}
	pol2 := &policy.Policy{Allow: []string{"*"}, RequireApproval: []string{"exec"}}
	denied := newTestExecutor(t, tool2, WithPolicy(pol2), WithApprover(&fakeApprover{approve: false, reason: "too risky"}))
	res = denied.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "rm"}, nil, "c2")
	if res.Status != StatusDenied {
		t.Errorf("status: got %v", res.Status)
	}
	if !strings.Contains(res.Error, "too risky") {
		t.Errorf("error should carry the reason: %q", res.Error)
	}
	if tool2.callCount() != 0 {
		t.Error("denied call reached the tool")
	}
}

func TestPanicRecovered(t *testing.T) {
	tool := &scriptedTool{name: "exec", panicking: true}
	ex := newTestExecutor(t, tool)

	res := ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "")
	if res.Success {
		t.Fatal("panicking tool must not report success")
	}
	if !strings.Contains(res.Error, "panicked") {
		t.Errorf("error: got %q", res.Error)
	}
	if got := ex.Stats().Panics; got != 1 {
		t.Errorf("panic count: got %d", got)
	}
}

func TestUnknownToolResult(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	res := ex.ExecuteWithRetry(context.Background(), "nope", nil, nil, "")
	if res.Status != StatusError || res.Success {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestStatsTotals(t *testing.T) {
	tool := &scriptedTool{name: "exec", failures: 1, failErr: errors.New("timeout")}
	ex := newTestExecutor(t, tool)

	ex.ExecuteWithRetry(context.Background(), "exec", map[string]any{"command": "ls"}, nil, "")
	stats := ex.Stats()
	if stats.Executions != 1 || stats.Successes != 1 || stats.Retries != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want ErrorClass
	}{
		{"dial tcp: connection refused", ErrorTransient},
		{"context deadline exceeded", ErrorTransient},
		{"permission denied", ErrorPermanent},
		{"file does not exist", ErrorPermanent},
		{"429 too many requests", ErrorRateLimit},
		{"request timed out due to rate limit", ErrorRateLimit},
		{"something odd happened", ErrorUnknown},
		{"", ErrorUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.text); got != tt.want {
			t.Errorf("Classify(%q): got %v want %v", tt.text, got, tt.want)
		}
	}
}
