// Package orchestrator executes a bundle of fixed-agent recipes in the
// fixed phase order, accumulating history, approvals, evidence, verdicts,
// and outcomes into a per-run pipeline state.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/smaops/avops/internal/agents"
	"github.com/smaops/avops/pkg/models"
)

// HistoryEntry records one executed step.
type HistoryEntry struct {
	Agent  string                 `json:"agent"`
	Step   string                 `json:"step"`
	Kind   models.StepKind        `json:"kind"`
	Call   string                 `json:"call,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Status string                 `json:"status,omitempty"`
	Note   string                 `json:"note,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// ApprovalRecord marks one required sign-off encountered during a run.
type ApprovalRecord struct {
	Agent string `json:"agent"`
	Step  string `json:"step"`
	Role  string `json:"role"`
}

// EvidenceRecord is one artifact tag attached by a step.
type EvidenceRecord struct {
	Agent    string `json:"agent"`
	Step     string `json:"step"`
	Artifact string `json:"artifact"`
}

// Verdict is the recorded outcome of a verify step.
type Verdict struct {
	Agent  string                 `json:"agent"`
	Step   string                 `json:"step"`
	Status string                 `json:"status"`
	Expect map[string]interface{} `json:"expect,omitempty"`
}

// PipelineState threads through the phases of a single run. Each phase
// consumes the prior state and returns a new one; its lists only grow while
// the run executes and no state is ever shared across concurrent runs.
type PipelineState struct {
	Context   map[string]interface{}            `json:"context"`
	History   []HistoryEntry                    `json:"history"`
	Approvals []ApprovalRecord                  `json:"approvals"`
	Evidence  []EvidenceRecord                  `json:"evidence"`
	Verdicts  []Verdict                         `json:"verdicts"`
	Outcomes  map[string]map[string]interface{} `json:"outcomes"`
	Failed    bool                              `json:"failed"`
}

// NewPipelineState builds the initial state for one run.
func NewPipelineState(execCtx map[string]interface{}) *PipelineState {
	if execCtx == nil {
		execCtx = map[string]interface{}{}
	}
	return &PipelineState{
		Context:  execCtx,
		Outcomes: map[string]map[string]interface{}{},
	}
}

// clone copies the state so a phase never mutates its predecessor.
func (s *PipelineState) clone() *PipelineState {
	next := &PipelineState{
		Context:   s.Context,
		History:   append([]HistoryEntry(nil), s.History...),
		Approvals: append([]ApprovalRecord(nil), s.Approvals...),
		Evidence:  append([]EvidenceRecord(nil), s.Evidence...),
		Verdicts:  append([]Verdict(nil), s.Verdicts...),
		Outcomes:  make(map[string]map[string]interface{}, len(s.Outcomes)),
		Failed:    s.Failed,
	}
	for k, v := range s.Outcomes {
		next.Outcomes[k] = v
	}
	return next
}

// VerifyPolicy decides the status a verify step records. The default
// records an unconditional pass; expectation evaluation is an opt-in.
type VerifyPolicy func(agent string, step models.Step, state *PipelineState) string

// AlwaysPass records "pass" for every verify step.
func AlwaysPass(string, models.Step, *PipelineState) string { return "pass" }

// ExpectAgainstContext compares each expect key against the run context and
// records "fail" on the first mismatch. Keys absent from the context are
// not treated as mismatches.
func ExpectAgainstContext(_ string, step models.Step, state *PipelineState) string {
	for k, want := range step.Expect {
		got, ok := state.Context[k]
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return "fail"
		}
	}
	return "pass"
}

// Runner executes fixed-agent recipes against pipeline state.
type Runner struct {
	Invoker agents.ToolInvoker
	Verify  VerifyPolicy
}

// NewRunner builds a Runner with the default policies.
func NewRunner() *Runner {
	return &Runner{Verify: AlwaysPass}
}

// ExecuteFixedAgent runs every step of one recipe and returns the successor
// state. The input state is left untouched.
func (r *Runner) ExecuteFixedAgent(ctx context.Context, recipe models.FixedAgentRecipe, state *PipelineState) *PipelineState {
	next := state.clone()
	verify := r.Verify
	if verify == nil {
		verify = AlwaysPass
	}

	for _, step := range recipe.Steps {
		entry := HistoryEntry{
			Agent: recipe.AgentName,
			Step:  step.ID,
			Kind:  step.EffectiveKind(),
			Call:  step.Call,
			Args:  step.Args,
		}

		switch step.EffectiveKind() {
		case models.StepVerify:
			status := verify(recipe.AgentName, step, next)
			next.Verdicts = append(next.Verdicts, Verdict{
				Agent:  recipe.AgentName,
				Step:   step.ID,
				Status: status,
				Expect: step.Expect,
			})
			entry.Status = status
			if status != "pass" {
				next.Failed = true
			}
		case models.StepPause:
			entry.Status = "paused"
		case models.StepNote:
			if step.Note != "" {
				entry.Note = step.Note
			} else {
				entry.Note = step.Text
			}
		default:
			if r.Invoker != nil && step.Call != "" {
				tool, method := splitCall(step.Call)
				result, err := r.Invoker.Invoke(ctx, tool, method, step.Args)
				if err != nil {
					entry.Status = "error"
					entry.Error = err.Error()
				} else {
					entry.Result = result
				}
			}
		}
		next.History = append(next.History, entry)

		for _, role := range step.Approvals {
			next.Approvals = append(next.Approvals, ApprovalRecord{
				Agent: recipe.AgentName, Step: step.ID, Role: role,
			})
		}
		for _, tag := range step.Evidence {
			next.Evidence = append(next.Evidence, EvidenceRecord{
				Agent: recipe.AgentName, Step: step.ID, Artifact: tag,
			})
		}
	}

	if len(recipe.Outcomes) > 0 {
		next.Outcomes[recipe.AgentName] = recipe.Outcomes
	}
	return next
}

// RunBundle executes the bundle's recipes in the fixed phase order. Agents
// absent from the bundle are skipped. After the verify phase completes, a
// failed state stops the remaining phases.
func (r *Runner) RunBundle(ctx context.Context, fixed map[string]models.FixedAgentRecipe, execCtx map[string]interface{}) *PipelineState {
	state := NewPipelineState(execCtx)
	for _, agent := range models.FixedAgentOrder {
		recipe, ok := fixed[agent]
		if !ok {
			continue
		}
		state = r.ExecuteFixedAgent(ctx, recipe, state)
		if agent == "VerifyAgent" && state.Failed {
			break
		}
	}
	return state
}

func splitCall(call string) (string, string) {
	for i := 0; i < len(call); i++ {
		if call[i] == '.' {
			return call[:i], call[i+1:]
		}
	}
	return call, ""
}

// LoadOrchestrator reads an orchestrator recipe from disk.
func LoadOrchestrator(path string) (*models.OrchestratorRecipe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read orchestrator %s: %w", path, err)
	}
	var orch models.OrchestratorRecipe
	if err := yaml.Unmarshal(raw, &orch); err != nil {
		return nil, fmt.Errorf("parse orchestrator: %w", err)
	}
	return &orch, nil
}

// BoundFixedRecipes loads the fixed recipes persisted alongside an
// orchestrator, keyed <slug>__<agent>.yaml under dataDir/recipes/fixed.
func BoundFixedRecipes(dataDir string, orch *models.OrchestratorRecipe) (map[string]models.FixedAgentRecipe, error) {
	slug := models.Slugify(orch.Name)
	out := map[string]models.FixedAgentRecipe{}
	for _, agent := range orch.Agents {
		path := filepath.Join(dataDir, "recipes", "fixed", fmt.Sprintf("%s__%s.yaml", slug, agent))
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fixed recipe for %s: %w", agent, err)
		}
		var rec models.FixedAgentRecipe
		if err := yaml.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parse fixed recipe for %s: %w", agent, err)
		}
		out[agent] = rec
	}
	return out, nil
}

// RunOrchestratedWorkflow loads an orchestrator and its bound fixed recipes
// from disk and executes the bundle against the given context.
func (r *Runner) RunOrchestratedWorkflow(ctx context.Context, dataDir, orchPath string, execCtx map[string]interface{}) (*PipelineState, error) {
	orch, err := LoadOrchestrator(orchPath)
	if err != nil {
		return nil, err
	}
	fixed, err := BoundFixedRecipes(dataDir, orch)
	if err != nil {
		return nil, err
	}
	return r.RunBundle(ctx, fixed, execCtx), nil
}
