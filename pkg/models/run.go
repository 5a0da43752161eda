package models

import "time"

// Run lifecycle. A run gets exactly one terminal status assignment.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Workflow trigger types.
const (
	TriggerManual   = "manual"
	TriggerInterval = "interval"
)

// WorkflowRun is one durable pipeline execution.
type WorkflowRun struct {
	ID         int64                  `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Name       string                 `json:"name"`
	AgentID    *int64                 `json:"agent_id,omitempty"`
	RecipeID   *int64                 `json:"recipe_id,omitempty"`
	Trigger    string                 `json:"trigger"`
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	DurationMS *float64               `json:"duration_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`

	Steps     []StepEvent `json:"steps,omitempty"`
	Artifacts []Artifact  `json:"artifacts,omitempty"`
}

// StepEvent is one append-only log entry inside a run. Events are ordered
// by their auto-incrementing id and never mutated after insert.
type StepEvent struct {
	ID      int64                  `json:"id"`
	RunID   int64                  `json:"run_id"`
	TS      time.Time              `json:"ts"`
	Phase   string                 `json:"phase"`
	Level   string                 `json:"level"`
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
}

// Artifact is an externally addressable output attached to a run.
type Artifact struct {
	ID         int64                  `json:"id"`
	RunID      int64                  `json:"run_id"`
	Kind       string                 `json:"kind"`
	ExternalID string                 `json:"external_id,omitempty"`
	URL        string                 `json:"url,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// RunStats aggregates run outcomes across a window.
type RunStats struct {
	Runs        int     `json:"runs"`
	SuccessRate float64 `json:"success_rate"`
	P95MS       float64 `json:"p95_ms"`
	LastError   string  `json:"last_error"`
}

// RecipeMetrics aggregates the most recent runs of one recipe.
type RecipeMetrics struct {
	Runs        int     `json:"runs"`
	SuccessRate float64 `json:"success_rate"`
	LastStatus  string  `json:"last_status"`
	AvgMS       float64 `json:"avg_ms"`
}

// Agent is a registry row for an executing agent.
type Agent struct {
	ID        int64                  `json:"id"`
	Name      string                 `json:"name"`
	Domain    string                 `json:"domain"`
	Config    map[string]interface{} `json:"config,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Recipe is a registry row for a stored recipe. YAMLPath points at the
// on-disk document; YAML, when set, is the inline text and takes precedence
// over the file on export.
type Recipe struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	YAMLPath  string    `json:"yaml_path"`
	YAML      string    `json:"yaml,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowDef binds an agent to a recipe with a trigger.
type WorkflowDef struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	AgentID         int64      `json:"agent_id"`
	RecipeID        int64      `json:"recipe_id"`
	TriggerType     string     `json:"trigger"`
	IntervalMinutes *int       `json:"interval_minutes,omitempty"`
	Status          string     `json:"status"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
}
