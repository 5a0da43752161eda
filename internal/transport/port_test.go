package transport

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func allTypes() []string {
	return []string{TypeAgents, TypeRecipes, TypeWorkflows}
}

func seedRegistry(t *testing.T, store repository.Store) {
	t.Helper()
	ctx := context.Background()
	agent, err := store.CreateAgent(ctx, "Room controller", "av", map[string]interface{}{"zone": "east"})
	require.NoError(t, err)
	recipe, err := store.CreateRecipe(ctx, "Projector reset", "projector-reset.yaml", "name: Projector reset\nintake: []\n")
	require.NoError(t, err)
	interval := 15
	_, err = store.CreateWorkflow(ctx, &models.WorkflowDef{
		Name:            "Nightly reset",
		AgentID:         agent.ID,
		RecipeID:        recipe.ID,
		TriggerType:     models.TriggerInterval,
		IntervalMinutes: &interval,
		Status:          "yellow",
		Enabled:         true,
	})
	require.NoError(t, err)
}

func entryNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestExportLayout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRegistry(t, store)

	data, report, err := Export(ctx, store, allTypes(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts[TypeAgents])
	assert.Equal(t, 1, report.Counts[TypeRecipes])
	assert.Equal(t, 1, report.Counts[TypeWorkflows])

	names := entryNames(t, data)
	assert.Contains(t, names, "manifest.json")
	assert.Contains(t, names, "agents.json")
	assert.Contains(t, names, "recipes.json")
	assert.Contains(t, names, "recipes/projector-reset.yaml")
	assert.Contains(t, names, "workflows.json")
}

func TestExportManifestOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRegistry(t, store)

	data, report, err := Export(ctx, store, nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Counts[TypeAgents])
	assert.Equal(t, []string{"manifest.json"}, entryNames(t, data))
}

func TestImportIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	seedRegistry(t, src)
	data, _, err := Export(ctx, src, allTypes(), t.TempDir())
	require.NoError(t, err)

	dst := newTestStore(t)
	result, err := Import(ctx, dst, data, t.TempDir(), MergeSkip, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created[TypeAgents])
	assert.Equal(t, 1, result.Created[TypeRecipes])
	assert.Equal(t, 1, result.Created[TypeWorkflows])
	assert.Empty(t, result.Messages)

	wfs, err := dst.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.Equal(t, "Nightly reset", wfs[0].Name)
	// Interval workflows come in scheduled.
	require.NotNil(t, wfs[0].NextRunAt)
}

func TestImportSkipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRegistry(t, store)
	data, _, err := Export(ctx, store, allTypes(), t.TempDir())
	require.NoError(t, err)

	result, err := Import(ctx, store, data, t.TempDir(), MergeSkip, false)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Created[TypeAgents]+result.Created[TypeRecipes]+result.Created[TypeWorkflows])
	assert.Equal(t, 1, result.Skipped[TypeAgents])
	assert.Equal(t, 1, result.Skipped[TypeRecipes])
	assert.Equal(t, 1, result.Skipped[TypeWorkflows])
}

func TestImportOverwriteUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	seedRegistry(t, src)
	data, _, err := Export(ctx, src, allTypes(), t.TempDir())
	require.NoError(t, err)

	dst := newTestStore(t)
	// Pre-existing rows with the same names but different content.
	agent, err := dst.CreateAgent(ctx, "room controller", "old-domain", nil)
	require.NoError(t, err)
	recipe, err := dst.CreateRecipe(ctx, "projector reset", "legacy-name.yaml", "name: old\n")
	require.NoError(t, err)
	_, err = dst.CreateWorkflow(ctx, &models.WorkflowDef{
		Name: "nightly reset", AgentID: agent.ID, RecipeID: recipe.ID,
		TriggerType: models.TriggerManual, Status: "yellow", Enabled: false,
	})
	require.NoError(t, err)

	recipesDir := t.TempDir()
	result, err := Import(ctx, dst, data, recipesDir, MergeOverwrite, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated[TypeAgents])
	assert.Equal(t, 1, result.Updated[TypeRecipes])
	assert.Equal(t, 1, result.Updated[TypeWorkflows])
	assert.Equal(t, 0, result.Created[TypeAgents]+result.Created[TypeRecipes]+result.Created[TypeWorkflows])

	got, err := dst.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "av", got.Domain)

	// The row keeps its original filename; the body is rewritten.
	rows, err := dst.ListRecipes(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "legacy-name.yaml", rows[0].YAMLPath)
	assert.Contains(t, rows[0].YAML, "Projector reset")
	assert.FileExists(t, filepath.Join(recipesDir, "legacy-name.yaml"))

	wfs, err := dst.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.Equal(t, models.TriggerInterval, wfs[0].TriggerType)
	assert.True(t, wfs[0].Enabled)
}

func TestImportRenameAppendsCounter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRegistry(t, store)
	data, _, err := Export(ctx, store, allTypes(), t.TempDir())
	require.NoError(t, err)

	// First rename pass produces "(2)" copies.
	_, err = Import(ctx, store, data, t.TempDir(), MergeRename, false)
	require.NoError(t, err)
	// Second pass must step over them to "(3)".
	result, err := Import(ctx, store, data, t.TempDir(), MergeRename, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created[TypeAgents])

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	var names []string
	for _, a := range agents {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "Room controller")
	assert.Contains(t, names, "Room controller (2)")
	assert.Contains(t, names, "Room controller (3)")
}

func TestImportDryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	seedRegistry(t, src)
	data, _, err := Export(ctx, src, allTypes(), t.TempDir())
	require.NoError(t, err)

	dst := newTestStore(t)
	result, err := Import(ctx, dst, data, t.TempDir(), MergeSkip, true)
	require.NoError(t, err)

	// Lookups run for real, zero rows get committed.
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Created[TypeAgents])
	agents, err := dst.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestImportWorkflowMissingDependenciesSkipped(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	seedRegistry(t, src)
	// Workflows only: the target store has no matching agent or recipe.
	data, _, err := Export(ctx, src, []string{TypeWorkflows}, t.TempDir())
	require.NoError(t, err)

	dst := newTestStore(t)
	result, err := Import(ctx, dst, data, t.TempDir(), MergeSkip, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped[TypeWorkflows])
	require.Len(t, result.Messages, 1)
	assert.Contains(t, result.Messages[0], "missing agent/recipe")
}

func TestImportRecipesFallbackSweep(t *testing.T) {
	ctx := context.Background()

	// Hand-built archive with loose recipe YAMLs and no recipes.json.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("recipes/projector_reset.yaml")
	require.NoError(t, err)
	_, err = w.Write([]byte("name: whatever\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	store := newTestStore(t)
	result, err := Import(ctx, store, buf.Bytes(), t.TempDir(), MergeSkip, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created[TypeRecipes])
	rows, err := store.ListRecipes(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Names derive from the file stem with separators spaced out.
	assert.Equal(t, "projector reset", rows[0].Name)
}

func TestParseMergePolicy(t *testing.T) {
	p, err := ParseMergePolicy("")
	require.NoError(t, err)
	assert.Equal(t, MergeSkip, p)

	_, err = ParseMergePolicy("merge-harder")
	assert.Error(t, err)
}
