package recipes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaops/avops/pkg/models"
)

func TestDeriveFixedRecipeToolBindings(t *testing.T) {
	orch := &models.OrchestratorRecipe{
		Name:     "Test",
		Version:  "1.0",
		Profiles: map[string]interface{}{"room_selector": "*"},
	}

	t.Run("last write wins per tool and method", func(t *testing.T) {
		steps := []models.Step{
			{ID: "a", Kind: models.StepCall, Call: "display.power"},
			{ID: "b", Kind: models.StepCall, Call: "display.power", Approvals: []string{"Support_L2"}},
		}
		rec := DeriveFixedRecipe(orch, "ActAgent", steps)

		require.Len(t, rec.MCP, 1)
		assert.Equal(t, "display", rec.MCP[0].Tool)
		require.Len(t, rec.MCP[0].Allow, 1)
		// The later step's binding replaces the earlier one.
		assert.Equal(t, models.RiskMedium, rec.MCP[0].Allow[0].Risk)
		assert.Equal(t, "Support_L2", rec.MCP[0].Allow[0].Approval)
	})

	t.Run("approvals raise risk", func(t *testing.T) {
		steps := []models.Step{
			{ID: "a", Kind: models.StepCall, Call: "audio.mute"},
			{ID: "b", Kind: models.StepCall, Call: "audio.unmute", Approvals: []string{"AV_Lead", "Support_L2"}},
		}
		rec := DeriveFixedRecipe(orch, "ActAgent", steps)

		require.Len(t, rec.MCP, 1)
		byName := map[string]models.ToolMethod{}
		for _, tm := range rec.MCP[0].Allow {
			byName[tm.Name] = tm
		}
		assert.Equal(t, models.RiskLow, byName["mute"].Risk)
		assert.Empty(t, byName["mute"].Approval)
		assert.Equal(t, models.RiskMedium, byName["unmute"].Risk)
		assert.Equal(t, "AV_Lead", byName["unmute"].Approval)
	})

	t.Run("undotted calls and non-call steps ignored", func(t *testing.T) {
		steps := []models.Step{
			{ID: "a", Kind: models.StepCall, Call: "reboot"},
			{ID: "b", Kind: models.StepNote, Note: "wait for boot"},
			{ID: "c", Kind: models.StepPause},
		}
		rec := DeriveFixedRecipe(orch, "ActAgent", steps)
		assert.Empty(t, rec.MCP)
	})

	t.Run("skeleton fields", func(t *testing.T) {
		rec := DeriveFixedRecipe(orch, "IntakeAgent", nil)
		assert.Equal(t, "IntakeAgent", rec.AgentName)
		assert.Equal(t, "1.0", rec.Version)
		assert.Equal(t, []string{"orchestrated", "ipavl"}, rec.PolicyTags)
		assert.Equal(t, "verify_all_pass", rec.Outcomes["success"])
		assert.Equal(t, "halt_and_escalate", rec.Outcomes["failure"])
	})
}

type recordingBundles struct {
	name        string
	orchPath    string
	fixedAgents map[string]string
}

func (r *recordingBundles) RecordBundle(name string, ctx map[string]interface{}, orchestratorPath string, fixedAgents map[string]string) (models.BundleMetadata, error) {
	r.name = name
	r.orchPath = orchestratorPath
	r.fixedAgents = fixedAgents
	return models.BundleMetadata{BundleID: "test-0000", DisplayName: name}, nil
}

func TestCompileSOPToBundle(t *testing.T) {
	dataDir := t.TempDir()
	recorder := &recordingBundles{}
	compiler := NewCompiler(dataDir, recorder)

	paths, err := compiler.CompileSOPToBundle("Check the projector\nConfirm input\nPick a plan", map[string]interface{}{"name": "Projector Fix"})
	require.NoError(t, err)

	orchPath, ok := paths["orchestrator"]
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dataDir, "recipes", "orchestrator", "projector-fix.yaml"), orchPath)
	_, err = os.Stat(orchPath)
	require.NoError(t, err)

	// One artifact per participating agent, all on disk and bound by the
	// slug__agent naming scheme.
	for _, agent := range []string{"BaselineAgent", "IntakeAgent", "PlanAgent", "ActAgent", "VerifyAgent"} {
		p, ok := paths[agent]
		require.True(t, ok, "missing artifact for %s", agent)
		assert.Equal(t, filepath.Join(dataDir, "recipes", "fixed", "projector-fix__"+agent+".yaml"), p)
		_, err := os.Stat(p)
		require.NoError(t, err)
	}

	assert.Equal(t, "Projector Fix", recorder.name)
	assert.Equal(t, orchPath, recorder.orchPath)
	assert.Len(t, recorder.fixedAgents, 5)
}

func TestHeuristicExtractor(t *testing.T) {
	orch, err := HeuristicExtractor{}.Extract(longSOP, nil)
	require.NoError(t, err)

	assert.Equal(t, "Workflow_From_SOP", orch.Name)
	// Agents listed in fixed pipeline order.
	assert.Equal(t, []string{"BaselineAgent", "IntakeAgent", "PlanAgent", "ActAgent", "VerifyAgent"}, orch.Agents)

	intake := orch.StepsByAgent["IntakeAgent"]
	require.Len(t, intake, 1)
	assert.Equal(t, "Check the room booking system", intake[0].Args["summary"])

	verify := orch.StepsByAgent["VerifyAgent"]
	require.Len(t, verify, 1)
	assert.Equal(t, models.StepVerify, verify[0].Kind)
	assert.Equal(t, "Confirm the image is back", verify[0].Expect["summary"])

	assert.Equal(t, []string{"Support_L2"}, orch.Approvals["ActAgent"])
}
