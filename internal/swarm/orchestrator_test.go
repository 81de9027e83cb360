package swarm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeChat scripts responses and records every request.
type fakeChat struct {
	mu       sync.Mutex
	requests []*providers.ChatRequest
	respond  func(req *providers.ChatRequest) *providers.ChatResponse
}

func (f *fakeChat) Chat(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func echoWorker(req *providers.ChatRequest) *providers.ChatResponse {
	prompt := req.Messages[len(req.Messages)-1].Content
	return &providers.ChatResponse{
		Content:      "done: " + firstLine(prompt),
		FinishReason: providers.FinishStop,
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func TestPatternDecomposition(t *testing.T) {
	o := New(&fakeChat{respond: echoWorker}, DefaultConfig())

	for _, pattern := range []string{PatternResearch, PatternCode, PatternReview, PatternBrainstorm} {
		tasks, err := o.Decompose(context.Background(), "build a widget", pattern)
		if err != nil {
			t.Fatalf("%s: %v", pattern, err)
		}
		if len(tasks) < 2 || len(tasks) > 4 {
			t.Errorf("%s: task count %d", pattern, len(tasks))
		}
		for _, task := range tasks {
			if !strings.Contains(task.Instructions, "build a widget") {
				t.Errorf("%s/%s: objective missing from instructions", pattern, task.ID)
			}
		}
	}

	if _, err := o.Decompose(context.Background(), "x", "no-such-pattern"); err == nil {
		t.Error("unknown pattern accepted")
	}
}

func TestLLMDecomposition(t *testing.T) {
	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		return &providers.ChatResponse{
			Content: `Here's the plan:
[{"id":"a","description":"first","instructions":"do a","type":"code"},
 {"id":"b","description":"second","instructions":"do b","depends_on":["a"]}]`,
			FinishReason: providers.FinishStop,
		}
	}}
	o := New(chat, DefaultConfig())

	tasks, err := o.Decompose(context.Background(), "objective", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks: %d", len(tasks))
	}
	if tasks[0].TaskType() != "code" || tasks[1].TaskType() != "general" {
		t.Errorf("types: %q %q", tasks[0].TaskType(), tasks[1].TaskType())
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != "a" {
		t.Errorf("deps: %v", tasks[1].DependsOn)
	}
}

func TestLLMDecompositionRejectsUnknownDependency(t *testing.T) {
	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		return &providers.ChatResponse{
			Content:      `[{"id":"a","instructions":"do a","depends_on":["ghost"]}]`,
			FinishReason: providers.FinishStop,
		}
	}}
	o := New(chat, DefaultConfig())
	if _, err := o.Decompose(context.Background(), "objective", ""); err == nil {
		t.Fatal("unknown dependency accepted")
	}
}

func TestRunExecutesStagesInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		prompt := req.Messages[len(req.Messages)-1].Content
		mu.Lock()
		switch {
		case strings.Contains(prompt, "Gather the key facts"):
			order = append(order, "gather")
		case strings.Contains(prompt, "analyze the central questions"):
			order = append(order, "analyze")
		case strings.Contains(prompt, "structured report"):
			order = append(order, "report")
		default:
			order = append(order, "aggregate")
		}
		mu.Unlock()
		return &providers.ChatResponse{Content: "output", FinishReason: providers.FinishStop}
	}}
	o := New(chat, DefaultConfig(), withSleep(noSleep))

	res, err := o.Run(context.Background(), "topic", PatternResearch)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results: %d", len(res.Results))
	}
	want := []string{"gather", "analyze", "report", "aggregate"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("calls: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v", order)
		}
	}
}

func TestDependencyResultsFlowIntoContext(t *testing.T) {
	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, "Gather the key facts") {
			return &providers.ChatResponse{Content: "FACT-42", FinishReason: providers.FinishStop}
		}
		return &providers.ChatResponse{Content: "ok", FinishReason: providers.FinishStop}
	}}
	o := New(chat, DefaultConfig(), withSleep(noSleep))

	if _, err := o.Run(context.Background(), "topic", PatternResearch); err != nil {
		t.Fatal(err)
	}

	found := false
	chat.mu.Lock()
	for _, req := range chat.requests {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, "Result of task gather") && strings.Contains(prompt, "FACT-42") {
			found = true
		}
	}
	chat.mu.Unlock()
	if !found {
		t.Error("dependency output never reached the dependent task")
	}
}

func TestTransientFailureRetriesLinearly(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	var mu sync.Mutex

	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		prompt := req.Messages[len(req.Messages)-1].Content
		if !strings.Contains(prompt, "Generate 5 practical") {
			return &providers.ChatResponse{Content: "fine", FinishReason: providers.FinishStop}
		}
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return &providers.ChatResponse{Content: "connection reset by peer", FinishReason: providers.FinishError}
		}
		return &providers.ChatResponse{Content: "recovered", FinishReason: providers.FinishStop}
	}}
	o := New(chat, DefaultConfig(), withSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}))

	res, err := o.Run(context.Background(), "topic", PatternBrainstorm)
	if err != nil {
		t.Fatal(err)
	}
	r := res.Results["diverge-a"]
	if !r.Success || r.RetryCount != 2 {
		t.Errorf("retried task: %+v", r)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("backoff: %v", delays)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, "Generate 5 practical") {
			mu.Lock()
			calls++
			mu.Unlock()
			return &providers.ChatResponse{Content: "permission denied", FinishReason: providers.FinishError}
		}
		return &providers.ChatResponse{Content: "fine", FinishReason: providers.FinishStop}
	}}
	o := New(chat, DefaultConfig(), withSleep(noSleep))

	res, err := o.Run(context.Background(), "topic", PatternBrainstorm)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("permanent failure called %d times", calls)
	}
	if res.Results["diverge-a"].Success {
		t.Error("failed task reported success")
	}
}

func TestDeadlockDetection(t *testing.T) {
	o := New(&fakeChat{respond: echoWorker}, DefaultConfig(), withSleep(noSleep))

	tasks := []models.SwarmTask{
		{ID: "a", Instructions: "do a", DependsOn: []string{"b"}},
		{ID: "b", Instructions: "do b", DependsOn: []string{"a"}},
	}
	results, stuck := o.execute(context.Background(), tasks)
	if len(results) != 0 {
		t.Errorf("results from deadlocked DAG: %v", results)
	}
	if len(stuck) != 2 || stuck[0] != "a" || stuck[1] != "b" {
		t.Errorf("stuck: %v", stuck)
	}
}

func TestAggregationFallsBackToConcat(t *testing.T) {
	chat := &fakeChat{respond: func(req *providers.ChatRequest) *providers.ChatResponse {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, "Synthesize one coherent") {
			return &providers.ChatResponse{Content: "down", FinishReason: providers.FinishError}
		}
		return &providers.ChatResponse{Content: "section text", FinishReason: providers.FinishStop}
	}}
	o := New(chat, DefaultConfig(), withSleep(noSleep))

	res, err := o.Run(context.Background(), "topic", PatternReview)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"correctness", "style", "verdict"} {
		if !strings.Contains(res.Response, "## "+id) {
			t.Errorf("concat fallback missing header for %s:\n%s", id, res.Response)
		}
	}
}

func TestFirstJSONArray(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`[1,2]`, `[1,2]`, true},
		{"prose\n```json\n[{\"a\":[1]}]\n```", `[{"a":[1]}]`, true},
		{`[{"s":"br]acket"}]`, `[{"s":"br]acket"}]`, true},
		{`[1,2`, "", false},
		{"none", "", false},
	}
	for _, tt := range tests {
		got, ok := firstJSONArray(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("firstJSONArray(%q): got (%q, %v)", tt.in, got, ok)
		}
	}
}
