package models

// BundleMetadata is one row of the bundle index: a compiled orchestrator
// recipe plus the fixed-agent recipes derived alongside it. BundleID is
// assigned once and never changes.
type BundleMetadata struct {
	BundleID         string                 `json:"bundle_id"`
	DisplayName      string                 `json:"display_name"`
	OrchestratorPath string                 `json:"orchestrator_path"`
	FixedAgents      map[string]string      `json:"fixed_agents"`
	ContextHints     map[string]interface{} `json:"context_hints,omitempty"`
	CreatedAt        string                 `json:"created_at"`
}
