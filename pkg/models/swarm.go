package models

import "time"

// SwarmTask is one unit of work produced by task decomposition.
type SwarmTask struct {
	ID           string            `json:"id"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TaskType returns the task's declared type, defaulting to general.
func (t *SwarmTask) TaskType() string {
	if t.Metadata != nil {
		if tt := t.Metadata["type"]; tt != "" {
			return tt
		}
	}
	return "general"
}

// TaskResult is the outcome of one swarm task execution.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	Success    bool          `json:"success"`
	Text       string        `json:"text,omitempty"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	WorkerID   string        `json:"worker_id,omitempty"`
	RetryCount int           `json:"retry_count"`
}
