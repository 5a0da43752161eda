// Package models defines the domain models for the orchestration core.
package models

import "strings"

// Risk classifies how dangerous a tool method is to invoke.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// StepKind is the discriminator for a recipe step.
type StepKind string

const (
	StepCall   StepKind = "call"
	StepVerify StepKind = "verify"
	StepPause  StepKind = "pause"
	StepNote   StepKind = "note"
)

// FixedAgentOrder is the fixed, non-configurable phase order the
// orchestrator executes. Agents absent from a bundle are skipped.
var FixedAgentOrder = []string{
	"BaselineAgent",
	"EventFormAgent",
	"IntakeAgent",
	"PlanAgent",
	"ActAgent",
	"VerifyAgent",
	"LearnAgent",
}

// ToolMethod identifies one callable action on an external tool.
type ToolMethod struct {
	Name         string                 `yaml:"name" json:"name"`
	Risk         Risk                   `yaml:"risk" json:"risk"`
	Approval     string                 `yaml:"approval,omitempty" json:"approval,omitempty"`
	InputSchema  map[string]interface{} `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
}

// MCPBinding is the allow-list scoping which methods an agent may invoke on
// a tool. A method absent from Allow is denied.
type MCPBinding struct {
	Tool  string       `yaml:"tool" json:"tool"`
	Allow []ToolMethod `yaml:"allow" json:"allow"`
}

// Step is a single unit of work inside a recipe. Ids are unique within one
// recipe.
type Step struct {
	ID        string                 `yaml:"id" json:"id"`
	Kind      StepKind               `yaml:"kind,omitempty" json:"kind,omitempty"`
	Call      string                 `yaml:"call,omitempty" json:"call,omitempty"`
	Args      map[string]interface{} `yaml:"args,omitempty" json:"args,omitempty"`
	Approvals []string               `yaml:"approvals,omitempty" json:"approvals,omitempty"`
	Evidence  []string               `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	Expect    map[string]interface{} `yaml:"expect,omitempty" json:"expect,omitempty"`
	Note      string                 `yaml:"note,omitempty" json:"note,omitempty"`
	Text      string                 `yaml:"text,omitempty" json:"text,omitempty"`
}

// EffectiveKind returns the step kind, defaulting to "call" when omitted.
func (s Step) EffectiveKind() StepKind {
	if s.Kind == "" {
		return StepCall
	}
	return s.Kind
}

// FixedAgentRecipe is the "how" for one agent's phase of work.
type FixedAgentRecipe struct {
	AgentName  string                 `yaml:"agent_name" json:"agent_name"`
	Version    string                 `yaml:"version" json:"version"`
	Scope      map[string]interface{} `yaml:"scope,omitempty" json:"scope,omitempty"`
	PolicyTags []string               `yaml:"policy_tags,omitempty" json:"policy_tags,omitempty"`
	MCP        []MCPBinding           `yaml:"mcp,omitempty" json:"mcp,omitempty"`
	Steps      []Step                 `yaml:"steps" json:"steps"`
	Outcomes   map[string]interface{} `yaml:"outcomes,omitempty" json:"outcomes,omitempty"`
}

// OrchestratorRecipe is the workflow "what"; it is compiled into per-agent
// FixedAgentRecipes.
type OrchestratorRecipe struct {
	Name         string                 `yaml:"name" json:"name"`
	Version      string                 `yaml:"version" json:"version"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Roles        map[string]string      `yaml:"roles,omitempty" json:"roles,omitempty"`
	Agents       []string               `yaml:"agents" json:"agents"`
	MCPRequired  []string               `yaml:"mcp_required,omitempty" json:"mcp_required,omitempty"`
	Profiles     map[string]interface{} `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	StepsByAgent map[string][]Step      `yaml:"steps_by_agent,omitempty" json:"steps_by_agent,omitempty"`
	Approvals    map[string][]string    `yaml:"approvals,omitempty" json:"approvals,omitempty"`
}

// Slugify lowercases a name and collapses every run of non-alphanumeric
// characters into a single dash, trimming leading and trailing dashes.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
