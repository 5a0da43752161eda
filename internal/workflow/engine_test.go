package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/pkg/models"
)

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type capturingPublisher struct {
	title    string
	html     string
	tags     []string
	audience string
	err      error
}

func (p *capturingPublisher) Publish(_ context.Context, title, html string, tags []string, audience string, meta map[string]interface{}) (map[string]interface{}, error) {
	p.title, p.html, p.tags, p.audience = title, html, tags, audience
	if p.err != nil {
		return nil, p.err
	}
	return map[string]interface{}{"id": "kb-1", "url": "https://kb.example.com/kb-1"}, nil
}

func parseRecipe(t *testing.T, text string) map[string]interface{} {
	t.Helper()
	doc, err := recipes.ParseRecipeDict(text)
	require.NoError(t, err)
	return doc
}

const engineRecipe = `
name: Projector reset
intake:
  - gather: room state
  - gather: booking info
plan:
  - step: choose reset
act:
  - action: power cycle
verify:
  - check: image restored
`

func TestExecuteRecipeRunPhases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := NewEngine(store, nil, nil)

	runID, err := engine.ExecuteRecipeRun(ctx, "wf-1", "Projector reset", nil, nil, models.TriggerManual,
		parseRecipe(t, engineRecipe))
	require.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, "Projector reset", run.Meta["recipe_name"])

	// One evidence record per phase, plus the skipped learn.
	require.Len(t, run.Steps, 5)
	assert.Equal(t, "intake", run.Steps[0].Phase)
	assert.Equal(t, "intake steps: 2", run.Steps[0].Message)
	assert.Equal(t, []interface{}{"gather: room state", "gather: booking info"},
		run.Steps[0].Payload["steps"])
	assert.Equal(t, "plan", run.Steps[1].Phase)
	assert.Equal(t, "plan steps: 1", run.Steps[1].Message)
	assert.Equal(t, "act", run.Steps[2].Phase)
	assert.Equal(t, "verify", run.Steps[3].Phase)
	assert.Equal(t, "learn", run.Steps[4].Phase)
	assert.Equal(t, "skipped", run.Steps[4].Status)
}

func TestExecuteRecipeRunOneRecordPerPhase(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := NewEngine(store, nil, nil)

	doc := parseRecipe(t, `
name: wide intake
intake:
  - gather: a
  - gather: b
  - gather: c
plan:
  - step: only
act:
  - action: only
verify:
  - check: only
`)
	runID, err := engine.ExecuteRecipeRun(ctx, "wf-1", "wide intake", nil, nil, "", doc)
	require.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)

	perPhase := map[string]int{}
	for _, ev := range run.Steps {
		perPhase[ev.Phase]++
	}
	for _, phase := range []string{"intake", "plan", "act", "verify"} {
		assert.Equal(t, 1, perPhase[phase], phase)
	}
	assert.Equal(t, "intake steps: 3", run.Steps[0].Message)
	assert.Len(t, run.Steps[0].Payload["steps"], 3)
}

func TestExecuteRecipeRunEmptyPhases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := NewEngine(store, nil, nil)

	runID, err := engine.ExecuteRecipeRun(ctx, "wf-1", "bare", nil, nil, "", map[string]interface{}{"name": "bare"})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, run.Steps, 5)
	for i, ev := range run.Steps[:4] {
		assert.Equal(t, "empty", ev.Status)
		assert.Equal(t, phaseOrder[i]+" steps: 0", ev.Message)
	}
}

func TestLearnPublishes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &capturingPublisher{}
	engine := NewEngine(store, pub, nil)

	doc := parseRecipe(t, engineRecipe+`
learn:
  kb_publish: true
  title: Reset article
  tags: [av, projector]
`)
	runID, err := engine.ExecuteRecipeRun(ctx, "wf-1", "run", nil, nil, "", doc)
	require.NoError(t, err)

	assert.Equal(t, "Reset article", pub.title)
	assert.Equal(t, "<p>Workflow completed.</p>", pub.html)
	assert.Equal(t, []string{"av", "projector"}, pub.tags)
	assert.Equal(t, "All", pub.audience)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, "kb_article", run.Artifacts[0].Kind)
	assert.Equal(t, "kb-1", run.Artifacts[0].ExternalID)
	assert.Equal(t, "https://kb.example.com/kb-1", run.Artifacts[0].URL)
}

func TestLearnFallbacks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &capturingPublisher{}
	engine := NewEngine(store, pub, nil)

	doc := parseRecipe(t, "name: Fallback run\nlearn:\n  kb_publish: true\n")
	_, err := engine.ExecuteRecipeRun(ctx, "wf-1", "run", nil, nil, "", doc)
	require.NoError(t, err)

	// Title falls back to the recipe name, tags to the stock pair.
	assert.Equal(t, "Fallback run", pub.title)
	assert.Equal(t, []string{"ipav", "workflow"}, pub.tags)
}

func TestPublishFailureFinalizesRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &capturingPublisher{err: errors.New("kb unreachable")}
	engine := NewEngine(store, pub, nil)

	doc := parseRecipe(t, "name: doomed\nlearn:\n  kb_publish: true\n")
	runID, err := engine.ExecuteRecipeRun(ctx, "wf-1", "run", nil, nil, "", doc)
	require.Error(t, err)
	require.NotZero(t, runID)

	run, gerr := store.GetRun(ctx, runID)
	require.NoError(t, gerr)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "kb unreachable")
	require.NotNil(t, run.FinishedAt)
}

func TestStepMessageRendering(t *testing.T) {
	assert.Equal(t, "plain text", stepMessage("plain text"))
	assert.Equal(t, "a: 1; b: two", stepMessage(map[string]interface{}{"b": "two", "a": 1}))
	assert.Equal(t, "7", stepMessage(7))
}
