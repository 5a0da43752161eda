package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smaops/avops/internal/logging"
	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/pkg/models"
)

// Workflow traffic-light status thresholds.
const (
	greenWindow  = 24 * time.Hour
	yellowWindow = 7 * 24 * time.Hour
)

// Service owns the workflow registry: create, update, trigger, and the
// interval scheduler tick. RecipesDir anchors on-disk recipe documents for
// rows without inline YAML.
type Service struct {
	Store      repository.Store
	Engine     *Engine
	RecipesDir string
	Log        *logging.Logger
}

func NewService(store repository.Store, engine *Engine, recipesDir string, log *logging.Logger) *Service {
	return &Service{Store: store, Engine: engine, RecipesDir: recipesDir, Log: log}
}

func validateTrigger(trigger string, intervalMinutes *int) error {
	switch trigger {
	case models.TriggerManual:
		return nil
	case models.TriggerInterval:
		if intervalMinutes == nil || *intervalMinutes <= 0 {
			return fmt.Errorf("interval trigger requires a positive interval_minutes")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger type %q", trigger)
	}
}

func scheduleNext(trigger string, intervalMinutes *int, now time.Time) *time.Time {
	if trigger != models.TriggerInterval || intervalMinutes == nil || *intervalMinutes <= 0 {
		return nil
	}
	t := now.Add(time.Duration(*intervalMinutes) * time.Minute)
	return &t
}

// ComputeStatus derives the traffic light for a workflow: green for a
// success inside 24 hours, yellow for a success inside 7 days or a
// workflow that has never run, red for a failure or anything staler.
func ComputeStatus(lastRunAt *time.Time, lastStatus string, now time.Time) string {
	if lastRunAt == nil {
		return "yellow"
	}
	if lastStatus == models.RunStatusFailed {
		return "red"
	}
	age := now.Sub(*lastRunAt)
	switch {
	case age <= greenWindow:
		return "green"
	case age <= yellowWindow:
		return "yellow"
	default:
		return "red"
	}
}

func (s *Service) nameTaken(ctx context.Context, name string, ignoreID int64) (bool, error) {
	wfs, err := s.Store.ListWorkflows(ctx)
	if err != nil {
		return false, err
	}
	for _, wf := range wfs {
		if wf.ID != ignoreID && strings.EqualFold(wf.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

// CreateWorkflow registers a workflow binding an agent to a recipe. Names
// are unique case-insensitively.
func (s *Service) CreateWorkflow(ctx context.Context, name string, agentID, recipeID int64, trigger string, intervalMinutes *int, enabled bool) (*models.WorkflowDef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if taken, err := s.nameTaken(ctx, name, 0); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("workflow %q already exists", name)
	}
	if err := validateTrigger(trigger, intervalMinutes); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("agent %d: %w", agentID, err)
	}
	if _, err := s.Store.GetRecipe(ctx, recipeID); err != nil {
		return nil, fmt.Errorf("recipe %d: %w", recipeID, err)
	}

	def := &models.WorkflowDef{
		Name:            name,
		AgentID:         agentID,
		RecipeID:        recipeID,
		TriggerType:     trigger,
		IntervalMinutes: intervalMinutes,
		Status:          "yellow",
		Enabled:         enabled,
		NextRunAt:       scheduleNext(trigger, intervalMinutes, time.Now().UTC()),
	}
	return s.Store.CreateWorkflow(ctx, def)
}

// UpdateWorkflow rewrites a workflow's binding and trigger. Rescheduling
// follows the new trigger settings.
func (s *Service) UpdateWorkflow(ctx context.Context, id int64, name string, agentID, recipeID int64, trigger string, intervalMinutes *int, enabled bool) (*models.WorkflowDef, error) {
	def, err := s.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if taken, err := s.nameTaken(ctx, name, id); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("workflow %q already exists", name)
	}
	if err := validateTrigger(trigger, intervalMinutes); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("agent %d: %w", agentID, err)
	}
	if _, err := s.Store.GetRecipe(ctx, recipeID); err != nil {
		return nil, fmt.Errorf("recipe %d: %w", recipeID, err)
	}

	def.Name = name
	def.AgentID = agentID
	def.RecipeID = recipeID
	def.TriggerType = trigger
	def.IntervalMinutes = intervalMinutes
	def.Enabled = enabled
	def.NextRunAt = scheduleNext(trigger, intervalMinutes, time.Now().UTC())
	if err := s.Store.UpdateWorkflow(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Service) DeleteWorkflow(ctx context.Context, id int64) error {
	return s.Store.DeleteWorkflow(ctx, id)
}

// loadRecipeDoc resolves a recipe row to its parsed document. Inline YAML
// wins over the on-disk file.
func (s *Service) loadRecipeDoc(r *models.Recipe) (map[string]interface{}, error) {
	text := r.YAML
	if text == "" && r.YAMLPath != "" {
		raw, err := os.ReadFile(filepath.Join(s.RecipesDir, r.YAMLPath))
		if err != nil {
			return nil, fmt.Errorf("read recipe %s: %w", r.YAMLPath, err)
		}
		text = string(raw)
	}
	if text == "" {
		return nil, fmt.Errorf("recipe %q has no YAML", r.Name)
	}
	return recipes.ParseRecipeDict(text)
}

// run executes one workflow and rewrites its schedule and status. The
// returned run id is valid even on pipeline failure.
func (s *Service) run(ctx context.Context, def *models.WorkflowDef, trigger string) (int64, error) {
	recipe, err := s.Store.GetRecipe(ctx, def.RecipeID)
	if err != nil {
		return 0, err
	}
	doc, err := s.loadRecipeDoc(recipe)
	if err != nil {
		return 0, err
	}

	agentID := def.AgentID
	recipeID := def.RecipeID
	runID, runErr := s.Engine.ExecuteRecipeRun(ctx, fmt.Sprintf("wf-%d", def.ID), def.Name, &agentID, &recipeID, trigger, doc)

	now := time.Now().UTC()
	def.LastRunAt = &now
	lastStatus := models.RunStatusSuccess
	if runErr != nil {
		lastStatus = models.RunStatusFailed
	}
	def.Status = ComputeStatus(def.LastRunAt, lastStatus, now)
	def.NextRunAt = scheduleNext(def.TriggerType, def.IntervalMinutes, now)
	if uerr := s.Store.UpdateWorkflow(ctx, def); uerr != nil && s.Log != nil {
		s.Log.Warn("reschedule workflow %d: %v", def.ID, uerr)
	}
	return runID, runErr
}

// RunNow triggers a workflow manually regardless of its schedule.
func (s *Service) RunNow(ctx context.Context, id int64) (int64, error) {
	def, err := s.Store.GetWorkflow(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.run(ctx, def, models.TriggerManual)
}

// TickReport summarizes one scheduler pass.
type TickReport struct {
	Due      int      `json:"due"`
	Ran      int      `json:"ran"`
	Failures []string `json:"failures,omitempty"`
}

// Tick runs every enabled interval workflow whose next_run_at has passed.
// One workflow failing does not stop the rest of the pass.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	due, err := s.Store.DueWorkflows(ctx, now)
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{Due: len(due)}
	for i := range due {
		def := due[i]
		if _, runErr := s.run(ctx, &def, models.TriggerInterval); runErr != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", def.Name, runErr))
			if s.Log != nil {
				s.Log.Warn("workflow %s failed: %v", def.Name, runErr)
			}
			continue
		}
		report.Ran++
	}
	return report, nil
}
