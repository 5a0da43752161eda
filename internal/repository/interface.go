// Package repository persists workflow runs, their event streams, and the
// agent/recipe/workflow registry. Two backends exist: SQLite for
// single-node deployments and Postgres for shared ones. The backend is
// decided once at startup from configuration; no schema probing happens at
// call time.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smaops/avops/pkg/models"
)

// ErrNotFound distinguishes missing agents, recipes, workflows, and runs
// from storage failures. Callers surface it as a 404-equivalent.
var ErrNotFound = errors.New("not found")

// Store is the durable log plus registry contract.
type Store interface {
	// Run log. Step events and artifacts are append-only; a run receives
	// exactly one terminal status assignment through Recorder.Finish.
	BeginRun(ctx context.Context, workflowID, name string, agentID, recipeID *int64, trigger string, meta map[string]interface{}) (*Recorder, error)
	LogStep(ctx context.Context, runID int64, ev models.StepEvent) (int64, error)
	LogArtifact(ctx context.Context, runID int64, a models.Artifact) (int64, error)
	FinishRun(ctx context.Context, runID int64, status, errMsg string, durationMS float64) error

	GetRun(ctx context.Context, id int64) (*models.WorkflowRun, error)
	LatestRuns(ctx context.Context, limit int, statuses []string, since *time.Time) ([]models.WorkflowRun, error)
	Stats(ctx context.Context, since *time.Time) (models.RunStats, error)
	RecipeMetrics(ctx context.Context, recipeID int64, limit int) (models.RecipeMetrics, error)

	// Registry.
	ListAgents(ctx context.Context) ([]models.Agent, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	CreateAgent(ctx context.Context, name, domain string, config map[string]interface{}) (*models.Agent, error)
	UpdateAgent(ctx context.Context, id int64, domain string, config map[string]interface{}) error

	ListRecipes(ctx context.Context) ([]models.Recipe, error)
	GetRecipe(ctx context.Context, id int64) (*models.Recipe, error)
	CreateRecipe(ctx context.Context, name, yamlPath, yamlText string) (*models.Recipe, error)
	UpdateRecipe(ctx context.Context, id int64, yamlPath, yamlText string) error

	ListWorkflows(ctx context.Context) ([]models.WorkflowDef, error)
	GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDef, error)
	CreateWorkflow(ctx context.Context, def *models.WorkflowDef) (*models.WorkflowDef, error)
	UpdateWorkflow(ctx context.Context, def *models.WorkflowDef) error
	DeleteWorkflow(ctx context.Context, id int64) error
	DueWorkflows(ctx context.Context, now time.Time) ([]models.WorkflowDef, error)

	Close() error
}

// Recorder scopes the event stream of one run. Obtain it from BeginRun and
// call Finish exactly once when execution ends.
type Recorder struct {
	store    Store
	runID    int64
	start    time.Time
	finished bool
}

// RunID returns the id of the run this recorder belongs to.
func (r *Recorder) RunID() int64 { return r.runID }

// Step appends one step event to the run.
func (r *Recorder) Step(ctx context.Context, phase, message string, opts ...StepOption) error {
	ev := models.StepEvent{Phase: phase, Message: message, Level: "info", Status: "ok", TS: time.Now().UTC()}
	for _, opt := range opts {
		opt(&ev)
	}
	_, err := r.store.LogStep(ctx, r.runID, ev)
	return err
}

// Artifact appends one artifact to the run.
func (r *Recorder) Artifact(ctx context.Context, kind, title string, opts ...ArtifactOption) error {
	a := models.Artifact{Kind: kind, Title: title}
	for _, opt := range opts {
		opt(&a)
	}
	_, err := r.store.LogArtifact(ctx, r.runID, a)
	return err
}

// Finish assigns the run's terminal status. Success unless runErr is
// non-nil, in which case the error's type and message are stored. Repeated
// calls after the first are no-ops, so deferred and explicit finishes
// cannot double-transition a run.
func (r *Recorder) Finish(ctx context.Context, runErr error) error {
	if r.finished {
		return nil
	}
	r.finished = true
	status := models.RunStatusSuccess
	errMsg := ""
	if runErr != nil {
		status = models.RunStatusFailed
		errMsg = errorString(runErr)
	}
	dur := float64(time.Since(r.start)) / float64(time.Millisecond)
	return r.store.FinishRun(ctx, r.runID, status, errMsg, dur)
}

// StepOption customizes a step event.
type StepOption func(*models.StepEvent)

func WithLevel(level string) StepOption   { return func(ev *models.StepEvent) { ev.Level = level } }
func WithStatus(status string) StepOption { return func(ev *models.StepEvent) { ev.Status = status } }
func WithPayload(p map[string]interface{}) StepOption {
	return func(ev *models.StepEvent) { ev.Payload = p }
}
func WithResult(res map[string]interface{}) StepOption {
	return func(ev *models.StepEvent) { ev.Result = res }
}

// ArtifactOption customizes an artifact.
type ArtifactOption func(*models.Artifact)

func WithExternalID(id string) ArtifactOption { return func(a *models.Artifact) { a.ExternalID = id } }
func WithURL(url string) ArtifactOption       { return func(a *models.Artifact) { a.URL = url } }
func WithData(d map[string]interface{}) ArtifactOption {
	return func(a *models.Artifact) { a.Data = d }
}
