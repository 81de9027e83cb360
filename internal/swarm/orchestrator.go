// Package swarm decomposes an objective into a small dependency DAG of
// tasks, fans them out to worker model calls stage by stage, and
// aggregates the results into one response.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// ChatClient is the provider surface workers and the orchestrator use.
type ChatClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse
}

// Config tunes the orchestrator.
type Config struct {
	// OrchestratorModel decomposes objectives and aggregates results.
	OrchestratorModel string

	// WorkerModel executes tasks. Empty falls back to the orchestrator
	// model.
	WorkerModel string

	MaxWorkers  int
	RetryFailed bool
	MaxRetries  int

	// TaskTimeout bounds a single task execution.
	TaskTimeout time.Duration
}

// DefaultConfig returns the standard swarm tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  3,
		RetryFailed: true,
		MaxRetries:  2,
		TaskTimeout: 2 * time.Minute,
	}
}

// Result is the outcome of a swarm run.
type Result struct {
	Response string                       `json:"response"`
	Tasks    []models.SwarmTask           `json:"tasks"`
	Results  map[string]models.TaskResult `json:"results"`
	Elapsed  time.Duration                `json:"elapsed"`

	// Stuck lists unrunnable task ids when the DAG deadlocked.
	Stuck []string `json:"stuck,omitempty"`
}

// Orchestrator runs swarm executions.
type Orchestrator struct {
	chat   ChatClient
	cfg    Config
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// withSleep overrides retry sleeping, for tests.
func withSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New builds an orchestrator.
func New(chat ChatClient, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	o := &Orchestrator{
		chat:   chat,
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run decomposes the objective, executes the DAG, and aggregates.
// pattern may be empty, which selects LLM decomposition.
func (o *Orchestrator) Run(ctx context.Context, objective, pattern string) (*Result, error) {
	start := time.Now()

	tasks, err := o.Decompose(ctx, objective, pattern)
	if err != nil {
		return nil, err
	}
	o.logger.Info("swarm decomposed objective", "tasks", len(tasks), "pattern", pattern)

	results, stuck := o.execute(ctx, tasks)
	res := &Result{
		Tasks:   tasks,
		Results: results,
		Elapsed: time.Since(start),
		Stuck:   stuck,
	}
	if len(stuck) > 0 {
		res.Response = fmt.Sprintf("swarm aborted: tasks %s are waiting on dependencies that can never complete", strings.Join(stuck, ", "))
		return res, fmt.Errorf("swarm: deadlocked tasks: %s", strings.Join(stuck, ", "))
	}

	res.Response = o.aggregate(ctx, objective, tasks, results)
	res.Elapsed = time.Since(start)
	return res, nil
}

// Decompose produces the task list, via a named pattern or an
// orchestrator-model call.
func (o *Orchestrator) Decompose(ctx context.Context, objective, pattern string) ([]models.SwarmTask, error) {
	if pattern != "" {
		tasks, ok := patternTasks(pattern, objective)
		if !ok {
			return nil, fmt.Errorf("swarm: unknown pattern %q", pattern)
		}
		return tasks, nil
	}
	return o.decomposeLLM(ctx, objective)
}

const decomposePrompt = `Break the objective into 2-5 focused tasks for parallel workers.
Respond with only a JSON array. Each element:
{"id": "<short-slug>", "description": "<one line>", "instructions": "<full instructions for the worker>", "depends_on": ["<id>", ...], "type": "code|research|review|creative|general"}
Use depends_on only when a task genuinely needs another task's output.`

func (o *Orchestrator) decomposeLLM(ctx context.Context, objective string) ([]models.SwarmTask, error) {
	resp := o.chat.Chat(ctx, &providers.ChatRequest{
		Model: o.cfg.OrchestratorModel,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: decomposePrompt},
			{Role: models.RoleUser, Content: objective},
		},
		MaxTokens: 2048,
	})
	if resp == nil || resp.FinishReason == providers.FinishError {
		return nil, fmt.Errorf("swarm: decomposition call failed: %s", safeContent(resp))
	}

	raw, ok := firstJSONArray(resp.Content)
	if !ok {
		return nil, fmt.Errorf("swarm: decomposition returned no JSON array")
	}
	var parsed []struct {
		ID           string   `json:"id"`
		Description  string   `json:"description"`
		Instructions string   `json:"instructions"`
		DependsOn    []string `json:"depends_on"`
		Type         string   `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("swarm: parse decomposition: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("swarm: decomposition produced no tasks")
	}

	ids := make(map[string]bool, len(parsed))
	tasks := make([]models.SwarmTask, 0, len(parsed))
	for i, p := range parsed {
		if p.ID == "" {
			p.ID = fmt.Sprintf("task-%d", i+1)
		}
		if ids[p.ID] {
			return nil, fmt.Errorf("swarm: duplicate task id %q", p.ID)
		}
		ids[p.ID] = true
		if p.Type == "" {
			p.Type = "general"
		}
		tasks = append(tasks, models.SwarmTask{
			ID:           p.ID,
			Description:  p.Description,
			Instructions: p.Instructions,
			DependsOn:    p.DependsOn,
			Metadata:     map[string]string{"type": p.Type},
		})
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("swarm: task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return tasks, nil
}

// execute schedules the DAG in dependency stages with at most
// MaxWorkers tasks in flight per stage.
func (o *Orchestrator) execute(ctx context.Context, tasks []models.SwarmTask) (map[string]models.TaskResult, []string) {
	results := make(map[string]models.TaskResult, len(tasks))
	pending := make(map[string]models.SwarmTask, len(tasks))
	for _, t := range tasks {
		pending[t.ID] = t
	}

	for len(pending) > 0 {
		ready := readyTasks(pending, results)
		if len(ready) == 0 {
			stuck := make([]string, 0, len(pending))
			for id := range pending {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return results, stuck
		}

		// One stage: up to MaxWorkers of the ready set in parallel.
		for start := 0; start < len(ready); start += o.cfg.MaxWorkers {
			end := start + o.cfg.MaxWorkers
			if end > len(ready) {
				end = len(ready)
			}
			batch := ready[start:end]

			// Workers read dependency results from a snapshot so the
			// shared map has a single writer per stage.
			snapshot := make(map[string]models.TaskResult, len(results))
			for id, r := range results {
				snapshot[id] = r
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			for i, task := range batch {
				wg.Add(1)
				go func(workerID int, task models.SwarmTask) {
					defer wg.Done()
					r := o.runTask(ctx, task, snapshot, workerID)
					mu.Lock()
					results[task.ID] = r
					mu.Unlock()
				}(i, task)
			}
			wg.Wait()
		}
		for _, t := range ready {
			delete(pending, t.ID)
		}
	}
	return results, nil
}

func readyTasks(pending map[string]models.SwarmTask, done map[string]models.TaskResult) []models.SwarmTask {
	var ready []models.SwarmTask
	for _, t := range pending {
		ok := true
		for _, dep := range t.DependsOn {
			if _, completed := done[dep]; !completed {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// runTask executes one task, retrying transient failures with linear
// backoff.
func (o *Orchestrator) runTask(ctx context.Context, task models.SwarmTask, done map[string]models.TaskResult, workerID int) models.TaskResult {
	start := time.Now()
	result := models.TaskResult{
		TaskID:   task.ID,
		WorkerID: fmt.Sprintf("worker-%d", workerID),
	}

	messages := o.taskMessages(task, done)
	for attempt := 0; ; attempt++ {
		text, err := o.callWorker(ctx, task, messages)
		if err == nil {
			result.Success = true
			result.Text = text
			result.RetryCount = attempt
			result.Elapsed = time.Since(start)
			return result
		}

		result.Error = err.Error()
		if !o.cfg.RetryFailed || attempt >= o.cfg.MaxRetries || tools.Classify(err.Error()) == tools.ErrorPermanent {
			result.RetryCount = attempt
			result.Elapsed = time.Since(start)
			o.logger.Warn("swarm task failed", "task", task.ID, "attempts", attempt+1, "error", err)
			return result
		}
		// Linear backoff with attempt number.
		if serr := o.sleep(ctx, time.Duration(attempt+1)*time.Second); serr != nil {
			result.RetryCount = attempt
			result.Elapsed = time.Since(start)
			return result
		}
	}
}

// taskMessages builds the worker conversation, feeding dependency
// results in as context.
func (o *Orchestrator) taskMessages(task models.SwarmTask, done map[string]models.TaskResult) []models.ChatMessage {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: workerSystemPrompt(task.TaskType())},
	}

	var contextParts []string
	for _, dep := range task.DependsOn {
		if r, ok := done[dep]; ok && r.Success {
			contextParts = append(contextParts, fmt.Sprintf("Result of task %s:\n%s", dep, r.Text))
		}
	}
	content := task.Instructions
	if len(contextParts) > 0 {
		content = strings.Join(contextParts, "\n\n") + "\n\n" + content
	}
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: content})
	return messages
}

func (o *Orchestrator) callWorker(ctx context.Context, task models.SwarmTask, messages []models.ChatMessage) (string, error) {
	timeout := o.cfg.TaskTimeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := o.cfg.WorkerModel
	if model == "" {
		model = o.cfg.OrchestratorModel
	}
	resp := o.chat.Chat(tctx, &providers.ChatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: 4096,
	})
	if resp == nil || resp.FinishReason == providers.FinishError {
		return "", fmt.Errorf("worker call failed: %s", safeContent(resp))
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("worker returned empty response")
	}
	return resp.Content, nil
}

// aggregate synthesizes a final answer from the task results, falling
// back to concatenation under per-task headers.
func (o *Orchestrator) aggregate(ctx context.Context, objective string, tasks []models.SwarmTask, results map[string]models.TaskResult) string {
	var parts []string
	for _, t := range tasks {
		if r, ok := results[t.ID]; ok && r.Success {
			parts = append(parts, fmt.Sprintf("Task %s (%s):\n%s", t.ID, t.Description, r.Text))
		}
	}
	if len(parts) == 0 {
		return "All swarm tasks failed; no result is available."
	}

	prompt := fmt.Sprintf(`Objective: %s

Worker results:

%s

Synthesize one coherent final response to the objective from these results. Do not mention tasks or workers.`,
		objective, strings.Join(parts, "\n\n---\n\n"))

	resp := o.chat.Chat(ctx, &providers.ChatRequest{
		Model:     o.cfg.OrchestratorModel,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 4096,
	})
	if resp == nil || resp.FinishReason == providers.FinishError || strings.TrimSpace(resp.Content) == "" {
		o.logger.Warn("aggregation call failed, concatenating task results")
		return concatResults(tasks, results)
	}
	return resp.Content
}

// concatResults is the aggregation fallback: successful results under
// their task-id headers, in task order.
func concatResults(tasks []models.SwarmTask, results map[string]models.TaskResult) string {
	var b strings.Builder
	for _, t := range tasks {
		r, ok := results[t.ID]
		if !ok || !r.Success {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", t.ID, strings.TrimSpace(r.Text))
	}
	return strings.TrimSpace(b.String())
}

func safeContent(resp *providers.ChatResponse) string {
	if resp == nil {
		return "no response"
	}
	return resp.Content
}

// firstJSONArray extracts the first balanced [...] from text.
func firstJSONArray(text string) (string, bool) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				var probe []any
				if json.Unmarshal([]byte(candidate), &probe) == nil {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
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
