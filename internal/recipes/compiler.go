package recipes

import (
	"fmt"
	"strings"

	"github.com/smaops/avops/pkg/models"
)

// Extractor turns SOP prose plus context into a draft orchestrator recipe.
// Production deployments plug a model-assisted extractor in here; the
// HeuristicExtractor is the deterministic fallback.
type Extractor interface {
	Extract(sop string, ctx map[string]interface{}) (*models.OrchestratorRecipe, error)
}

// BundleRecorder records compiled bundles in the bundle index.
type BundleRecorder interface {
	RecordBundle(name string, ctx map[string]interface{}, orchestratorPath string, fixedAgents map[string]string) (models.BundleMetadata, error)
}

// Compiler compiles SOP text into a persisted recipe bundle.
type Compiler struct {
	DataDir string
	Extract Extractor
	Bundles BundleRecorder
}

// NewCompiler builds a Compiler with the heuristic extractor.
func NewCompiler(dataDir string, bundles BundleRecorder) *Compiler {
	return &Compiler{DataDir: dataDir, Extract: HeuristicExtractor{}, Bundles: bundles}
}

// splitCall splits "tool.method" on the first dot. Calls without a dot are
// not tool-shaped and yield an empty method.
func splitCall(call string) (tool, method string) {
	if i := strings.Index(call, "."); i >= 0 {
		return call[:i], call[i+1:]
	}
	return call, ""
}

// DeriveFixedRecipe builds the bounded recipe for one agent from its
// orchestrator steps. For each call/verify step with a dotted call, one
// ToolMethod is accumulated per distinct (tool, method) pair; a later step
// referencing the same pair replaces the earlier binding outright.
func DeriveFixedRecipe(orch *models.OrchestratorRecipe, agentName string, steps []models.Step) models.FixedAgentRecipe {
	toolMethods := map[string]map[string]models.ToolMethod{}
	var toolOrder []string

	for _, s := range steps {
		kind := s.EffectiveKind()
		if s.Call == "" || (kind != models.StepCall && kind != models.StepVerify) {
			continue
		}
		if !strings.Contains(s.Call, ".") {
			continue
		}
		tool, method := splitCall(s.Call)
		if _, ok := toolMethods[tool]; !ok {
			toolMethods[tool] = map[string]models.ToolMethod{}
			toolOrder = append(toolOrder, tool)
		}
		risk := models.RiskLow
		approval := ""
		if len(s.Approvals) > 0 {
			risk = models.RiskMedium
			approval = s.Approvals[0]
		}
		toolMethods[tool][method] = models.ToolMethod{
			Name:     method,
			Risk:     risk,
			Approval: approval,
		}
	}

	var mcp []models.MCPBinding
	for _, tool := range toolOrder {
		methods := toolMethods[tool]
		var allow []models.ToolMethod
		// map iteration order is fine for the allow-list; order inside a
		// binding carries no semantics, only membership does.
		for _, tm := range methods {
			allow = append(allow, tm)
		}
		mcp = append(mcp, models.MCPBinding{Tool: tool, Allow: allow})
	}

	return models.FixedAgentRecipe{
		AgentName:  agentName,
		Version:    orch.Version,
		Scope:      map[string]interface{}{"profiles": orch.Profiles},
		PolicyTags: []string{"orchestrated", "ipavl"},
		MCP:        mcp,
		Steps:      steps,
		Outcomes: map[string]interface{}{
			"success": "verify_all_pass",
			"failure": "halt_and_escalate",
		},
	}
}

// CompileSOPToBundle compiles sop into an orchestrator recipe plus one
// fixed-agent recipe per participating agent, persists all of them as YAML
// under the data dir, and records the bundle in the index. The returned map
// holds the artifact path per agent plus an "orchestrator" entry.
func (c *Compiler) CompileSOPToBundle(sop string, ctx map[string]interface{}) (map[string]string, error) {
	orch, err := c.Extract.Extract(sop, ctx)
	if err != nil {
		return nil, fmt.Errorf("extract orchestrator: %w", err)
	}

	fixed := map[string]models.FixedAgentRecipe{}
	for agent, steps := range orch.StepsByAgent {
		fixed[agent] = DeriveFixedRecipe(orch, agent, steps)
	}

	slug := models.Slugify(orch.Name)
	out := map[string]string{}
	orchPath, err := SaveYAML(c.DataDir, "recipes/orchestrator", slug+".yaml", orch)
	if err != nil {
		return nil, err
	}
	out["orchestrator"] = orchPath

	fixedPaths := map[string]string{}
	for agent, rec := range fixed {
		p, err := SaveYAML(c.DataDir, "recipes/fixed", fmt.Sprintf("%s__%s.yaml", slug, agent), rec)
		if err != nil {
			return nil, err
		}
		out[agent] = p
		fixedPaths[agent] = p
	}

	if c.Bundles != nil {
		if _, err := c.Bundles.RecordBundle(orch.Name, ctx, orchPath, fixedPaths); err != nil {
			return nil, fmt.Errorf("record bundle: %w", err)
		}
	}
	return out, nil
}

// HeuristicExtractor derives an orchestrator recipe without a model. SOP
// lines are sliced positionally into the intake/plan/act/verify buckets and
// wrapped into the standard seven-agent pipeline skeleton.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(sop string, ctx map[string]interface{}) (*models.OrchestratorRecipe, error) {
	name := "Workflow_From_SOP"
	if v, ok := ctx["name"].(string); ok && v != "" {
		name = v
	}
	profiles := map[string]interface{}{"room_selector": "*"}
	if v, ok := ctx["profiles"].(map[string]interface{}); ok {
		profiles = v
	}

	lines := heuristicLines(sop)
	pick := func(idx int, fallback string) string {
		if idx < len(lines) {
			return lines[idx]
		}
		return fallback
	}

	stepsByAgent := map[string][]models.Step{
		"BaselineAgent": {
			{ID: "policy_window", Kind: models.StepCall, Call: "policy.check",
				Args: map[string]interface{}{"windows": []string{"06:00-22:00"}}},
		},
		"IntakeAgent": {
			{ID: "gather_context", Kind: models.StepCall, Call: "intake.collect",
				Args: map[string]interface{}{"summary": pick(0, "context")},
				Evidence: []string{"json:intake"}},
		},
		"PlanAgent": {
			{ID: "choose_plan", Kind: models.StepCall, Call: "plan.choose",
				Args: map[string]interface{}{"summary": pick(2, "Plan action")}},
		},
		"ActAgent": {
			{ID: "execute_action", Kind: models.StepCall, Call: "act.execute",
				Args:      map[string]interface{}{"summary": pick(5, "Execute action")},
				Approvals: []string{"Support_L2"}},
		},
		"VerifyAgent": {
			{ID: "verify_outcome", Kind: models.StepVerify,
				Expect:   map[string]interface{}{"status": "ok", "summary": pick(8, "Verify outcome")},
				Evidence: []string{"json:verify"}},
		},
	}

	var agents []string
	for _, a := range models.FixedAgentOrder {
		if _, ok := stepsByAgent[a]; ok {
			agents = append(agents, a)
		}
	}

	desc := sop
	if len(desc) > 140 {
		desc = desc[:140]
	}
	if desc == "" {
		desc = "Derived from SOP"
	}

	return &models.OrchestratorRecipe{
		Name:         name,
		Version:      "1.0",
		Description:  desc,
		Agents:       agents,
		MCPRequired:  []string{"policy", "intake", "plan", "act"},
		Profiles:     profiles,
		StepsByAgent: stepsByAgent,
		Approvals:    map[string][]string{"ActAgent": {"Support_L2"}},
	}, nil
}
