package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/pkg/models"
)

func fixedRecipe(agent string, steps ...models.Step) models.FixedAgentRecipe {
	return models.FixedAgentRecipe{
		AgentName: agent,
		Version:   "1.0",
		Steps:     steps,
		Outcomes:  map[string]interface{}{"success": "verify_all_pass"},
	}
}

func TestExecuteFixedAgentDoesNotMutateInput(t *testing.T) {
	runner := NewRunner()
	state := NewPipelineState(map[string]interface{}{"room": "4"})

	next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("IntakeAgent",
		models.Step{ID: "gather", Kind: models.StepCall, Call: "intake.collect"},
	), state)

	assert.Empty(t, state.History)
	require.Len(t, next.History, 1)
	assert.Equal(t, "IntakeAgent", next.History[0].Agent)
	assert.Equal(t, "gather", next.History[0].Step)
}

func TestStepKinds(t *testing.T) {
	runner := NewRunner()

	t.Run("verify records verdict and default passes", func(t *testing.T) {
		next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("VerifyAgent",
			models.Step{ID: "check", Kind: models.StepVerify, Expect: map[string]interface{}{"status": "ok"}},
		), NewPipelineState(nil))
		require.Len(t, next.Verdicts, 1)
		assert.Equal(t, "pass", next.Verdicts[0].Status)
		assert.False(t, next.Failed)
	})

	t.Run("pause marks history paused", func(t *testing.T) {
		next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("ActAgent",
			models.Step{ID: "hold", Kind: models.StepPause},
		), NewPipelineState(nil))
		require.Len(t, next.History, 1)
		assert.Equal(t, "paused", next.History[0].Status)
	})

	t.Run("note falls back to text", func(t *testing.T) {
		next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("PlanAgent",
			models.Step{ID: "n1", Kind: models.StepNote, Note: "primary"},
			models.Step{ID: "n2", Kind: models.StepNote, Text: "fallback"},
		), NewPipelineState(nil))
		require.Len(t, next.History, 2)
		assert.Equal(t, "primary", next.History[0].Note)
		assert.Equal(t, "fallback", next.History[1].Note)
	})

	t.Run("approvals and evidence accumulate", func(t *testing.T) {
		next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("ActAgent",
			models.Step{ID: "reset", Kind: models.StepCall, Call: "display.reset",
				Approvals: []string{"Support_L2"}, Evidence: []string{"json:act"}},
		), NewPipelineState(nil))
		require.Len(t, next.Approvals, 1)
		assert.Equal(t, "Support_L2", next.Approvals[0].Role)
		require.Len(t, next.Evidence, 1)
		assert.Equal(t, "json:act", next.Evidence[0].Artifact)
	})
}

type scriptedInvoker struct {
	calls []string
	err   error
}

func (s *scriptedInvoker) Invoke(_ context.Context, tool, method string, args map[string]interface{}) (map[string]interface{}, error) {
	s.calls = append(s.calls, tool+"."+method)
	if s.err != nil {
		return nil, s.err
	}
	return map[string]interface{}{"tool": tool, "method": method}, nil
}

func TestInvokerResultsAndErrors(t *testing.T) {
	t.Run("result recorded", func(t *testing.T) {
		inv := &scriptedInvoker{}
		runner := &Runner{Invoker: inv, Verify: AlwaysPass}
		next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("ActAgent",
			models.Step{ID: "cycle", Kind: models.StepCall, Call: "display.power"},
		), NewPipelineState(nil))
		assert.Equal(t, []string{"display.power"}, inv.calls)
		require.Len(t, next.History, 1)
		assert.Equal(t, "power", next.History[0].Result["method"])
		assert.Empty(t, next.History[0].Error)
	})

	t.Run("invoke error recorded without aborting", func(t *testing.T) {
		inv := &scriptedInvoker{err: errors.New("device offline")}
		runner := &Runner{Invoker: inv, Verify: AlwaysPass}
		next := runner.ExecuteFixedAgent(context.Background(), fixedRecipe("ActAgent",
			models.Step{ID: "cycle", Kind: models.StepCall, Call: "display.power"},
			models.Step{ID: "after", Kind: models.StepNote, Note: "still runs"},
		), NewPipelineState(nil))
		require.Len(t, next.History, 2)
		assert.Equal(t, "error", next.History[0].Status)
		assert.Equal(t, "device offline", next.History[0].Error)
		assert.Equal(t, "still runs", next.History[1].Note)
	})
}

func TestRunBundleOrderAndHalt(t *testing.T) {
	t.Run("fixed order with outcomes", func(t *testing.T) {
		runner := NewRunner()
		fixed := map[string]models.FixedAgentRecipe{
			"VerifyAgent":   fixedRecipe("VerifyAgent", models.Step{ID: "check", Kind: models.StepVerify}),
			"BaselineAgent": fixedRecipe("BaselineAgent", models.Step{ID: "window", Kind: models.StepCall, Call: "policy.check"}),
			"LearnAgent":    fixedRecipe("LearnAgent", models.Step{ID: "publish", Kind: models.StepNote, Note: "kb"}),
		}
		state := runner.RunBundle(context.Background(), fixed, nil)

		require.Len(t, state.History, 3)
		assert.Equal(t, "BaselineAgent", state.History[0].Agent)
		assert.Equal(t, "VerifyAgent", state.History[1].Agent)
		assert.Equal(t, "LearnAgent", state.History[2].Agent)
		assert.Contains(t, state.Outcomes, "BaselineAgent")
		assert.Contains(t, state.Outcomes, "LearnAgent")
		assert.False(t, state.Failed)
	})

	t.Run("failed verify stops before learn", func(t *testing.T) {
		runner := &Runner{Verify: ExpectAgainstContext}
		fixed := map[string]models.FixedAgentRecipe{
			"VerifyAgent": fixedRecipe("VerifyAgent",
				models.Step{ID: "check", Kind: models.StepVerify, Expect: map[string]interface{}{"status": "ok"}}),
			"LearnAgent": fixedRecipe("LearnAgent", models.Step{ID: "publish", Kind: models.StepNote, Note: "kb"}),
		}
		state := runner.RunBundle(context.Background(), fixed, map[string]interface{}{"status": "degraded"})

		assert.True(t, state.Failed)
		require.Len(t, state.History, 1)
		assert.Equal(t, "VerifyAgent", state.History[0].Agent)
		assert.NotContains(t, state.Outcomes, "LearnAgent")
	})
}

func TestExpectAgainstContext(t *testing.T) {
	step := models.Step{ID: "check", Kind: models.StepVerify,
		Expect: map[string]interface{}{"status": "ok", "input": "hdmi1"}}

	t.Run("all matching passes", func(t *testing.T) {
		state := NewPipelineState(map[string]interface{}{"status": "ok", "input": "hdmi1"})
		assert.Equal(t, "pass", ExpectAgainstContext("VerifyAgent", step, state))
	})

	t.Run("mismatch fails", func(t *testing.T) {
		state := NewPipelineState(map[string]interface{}{"status": "ok", "input": "hdmi2"})
		assert.Equal(t, "fail", ExpectAgainstContext("VerifyAgent", step, state))
	})

	t.Run("absent keys are not mismatches", func(t *testing.T) {
		state := NewPipelineState(map[string]interface{}{})
		assert.Equal(t, "pass", ExpectAgainstContext("VerifyAgent", step, state))
	})
}

func TestRunOrchestratedWorkflowFromDisk(t *testing.T) {
	dataDir := t.TempDir()
	compiler := recipes.NewCompiler(dataDir, nil)

	paths, err := compiler.CompileSOPToBundle("Check room\nConfirm input\nPick plan\nNotify\nSchedule\nPower cycle", map[string]interface{}{"name": "Disk Bundle"})
	require.NoError(t, err)

	runner := NewRunner()
	state, err := runner.RunOrchestratedWorkflow(context.Background(), dataDir, paths["orchestrator"], map[string]interface{}{"room": "4"})
	require.NoError(t, err)

	assert.False(t, state.Failed)
	assert.NotEmpty(t, state.History)
	require.Len(t, state.Verdicts, 1)
	assert.Equal(t, "pass", state.Verdicts[0].Status)
	// The act step carries its approval through to the state.
	require.NotEmpty(t, state.Approvals)
	assert.Equal(t, "Support_L2", state.Approvals[0].Role)
}
