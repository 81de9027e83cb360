package providers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

type fakeBackend struct {
	name string

	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	chunks []StreamChunk
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, fail: make(map[string]error)}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Model)
	err := f.fail[req.Model]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content:      "reply from " + req.Model,
		FinishReason: FinishStop,
		Usage:        models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeBackend) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Model)
	err := f.fail[req.Model]
	chunks := f.chunks
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(chan StreamChunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *fakeBackend) callCount(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == model {
			n++
		}
	}
	return n
}

func TestChatFallbackChain(t *testing.T) {
	backend := newFakeBackend("fake")
	backend.fail["m1"] = errors.New("connection reset")

	reg := NewRegistry()
	reg.Register(backend)
	reg.SetFallbacks("m1", "m2")

	resp := reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if resp.FinishReason != FinishStop {
		t.Fatalf("finish reason: got %q want %q", resp.FinishReason, FinishStop)
	}
	if resp.Model != "m2" {
		t.Errorf("served model: got %q want m2", resp.Model)
	}
	if resp.Content != "reply from m2" {
		t.Errorf("content: got %q", resp.Content)
	}

	if h := reg.Health("m1"); h.Healthy {
		t.Error("m1 should be unhealthy after failure")
	}
	if h := reg.Health("m2"); !h.Healthy {
		t.Error("m2 should be healthy after success")
	}
}

func TestChatSkipsCoolingModel(t *testing.T) {
	backend := newFakeBackend("fake")
	backend.fail["m1"] = errors.New("boom")

	now := time.Now()
	reg := NewRegistry(WithNow(func() time.Time { return now }))
	reg.Register(backend)
	reg.SetFallbacks("m1", "m2")

	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if got := backend.callCount("m1"); got != 1 {
		t.Fatalf("m1 calls after first request: got %d want 1", got)
	}

	// Within the cooldown window the registry must not retry m1.
	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if got := backend.callCount("m1"); got != 1 {
		t.Errorf("m1 calls within cooldown: got %d want 1", got)
	}

	// Past the cooldown m1 becomes eligible again.
	now = now.Add(defaultCooldown + time.Second)
	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if got := backend.callCount("m1"); got != 2 {
		t.Errorf("m1 calls after cooldown: got %d want 2", got)
	}
}

func TestChatAllModelsFailing(t *testing.T) {
	backend := newFakeBackend("fake")
	backend.fail["m1"] = errors.New("first error")
	backend.fail["m2"] = errors.New("second error")

	reg := NewRegistry()
	reg.Register(backend)
	reg.SetFallbacks("m1", "m2")

	resp := reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if resp.FinishReason != FinishError {
		t.Fatalf("finish reason: got %q want %q", resp.FinishReason, FinishError)
	}
	if !strings.Contains(resp.Content, "second error") {
		t.Errorf("content should carry the last error, got %q", resp.Content)
	}
}

func TestChatNoBackendForModel(t *testing.T) {
	reg := NewRegistry()
	resp := reg.Chat(context.Background(), &ChatRequest{Model: "nope"})
	if resp.FinishReason != FinishError {
		t.Errorf("finish reason: got %q want %q", resp.FinishReason, FinishError)
	}
}

func TestSuccessResetsHealth(t *testing.T) {
	backend := newFakeBackend("fake")
	backend.fail["m1"] = errors.New("boom")

	now := time.Now()
	reg := NewRegistry(WithNow(func() time.Time { return now }))
	reg.Register(backend)

	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if h := reg.Health("m1"); h.Healthy || h.FailureCount != 1 {
		t.Fatalf("unexpected health after failure: %+v", h)
	}

	backend.mu.Lock()
	delete(backend.fail, "m1")
	backend.mu.Unlock()

	now = now.Add(defaultCooldown + time.Second)
	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	if h := reg.Health("m1"); !h.Healthy || h.FailureCount != 0 {
		t.Errorf("health not reset after success: %+v", h)
	}
}

func TestUsageAccumulates(t *testing.T) {
	backend := newFakeBackend("fake")
	reg := NewRegistry()
	reg.Register(backend)

	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})
	reg.Chat(context.Background(), &ChatRequest{Model: "m1"})

	usage := reg.Usage()
	if usage.TotalTokens != 30 {
		t.Errorf("total tokens: got %d want 30", usage.TotalTokens)
	}
	if usage.PromptTokens != 20 || usage.CompletionTokens != 10 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestBackendPrefixRouting(t *testing.T) {
	claude := newFakeBackend("anthropic")
	gpt := newFakeBackend("openai")
	local := newFakeBackend("ollama")

	reg := NewRegistry()
	reg.Register(claude, "claude-")
	reg.Register(gpt, "gpt-", "o1")
	reg.Register(local)

	reg.Chat(context.Background(), &ChatRequest{Model: "claude-sonnet-4"})
	reg.Chat(context.Background(), &ChatRequest{Model: "gpt-4o"})
	reg.Chat(context.Background(), &ChatRequest{Model: "llama3"})

	if got := claude.callCount("claude-sonnet-4"); got != 1 {
		t.Errorf("claude backend calls: got %d want 1", got)
	}
	if got := gpt.callCount("gpt-4o"); got != 1 {
		t.Errorf("openai backend calls: got %d want 1", got)
	}
	if got := local.callCount("llama3"); got != 1 {
		t.Errorf("ollama backend calls: got %d want 1", got)
	}
}

func TestChatStreamForwardsAndAccounts(t *testing.T) {
	backend := newFakeBackend("fake")
	backend.chunks = []StreamChunk{
		{Text: "hel"},
		{Text: "lo"},
		{ToolCall: &models.ToolCall{ID: "c1", Name: "exec", Arguments: map[string]any{"command": "ls"}}},
		{Done: true, FinishReason: FinishToolCalls, Usage: models.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}},
	}

	reg := NewRegistry()
	reg.Register(backend)

	chunks, model, err := reg.ChatStream(context.Background(), &ChatRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if model != "m1" {
		t.Errorf("served model: got %q want m1", model)
	}

	var text strings.Builder
	var toolCalls int
	var final StreamChunk
	for c := range chunks {
		text.WriteString(c.Text)
		if c.ToolCall != nil {
			toolCalls++
		}
		if c.Done {
			final = c
		}
	}
	if text.String() != "hello" {
		t.Errorf("text: got %q want hello", text.String())
	}
	if toolCalls != 1 {
		t.Errorf("tool calls: got %d want 1", toolCalls)
	}
	if final.FinishReason != FinishToolCalls {
		t.Errorf("finish reason: got %q", final.FinishReason)
	}
	if got := reg.Usage().TotalTokens; got != 10 {
		t.Errorf("usage after stream: got %d want 10", got)
	}
}

func TestChatStreamFallsBackOnConnectError(t *testing.T) {
	backend := newFakeBackend("fake")
	backend.fail["m1"] = errors.New("dial tcp: refused")
	backend.chunks = []StreamChunk{{Done: true, FinishReason: FinishStop}}

	reg := NewRegistry()
	reg.Register(backend)
	reg.SetFallbacks("m1", "m2")

	_, model, err := reg.ChatStream(context.Background(), &ChatRequest{Model: "m1"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if model != "m2" {
		t.Errorf("served model: got %q want m2", model)
	}
}

func TestNormalizeFinish(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"stop", FinishStop},
		{"end_turn", FinishStop},
		{"", FinishStop},
		{"tool_calls", FinishToolCalls},
		{"tool_use", FinishToolCalls},
		{"max_tokens", FinishLength},
		{"length", FinishLength},
		{"content_filter", "content_filter"},
	}
	for _, tc := range cases {
		if got := normalizeFinish(tc.in); got != tc.want {
			t.Errorf("normalizeFinish(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}
