package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaops/avops/internal/bundles"
	"github.com/smaops/avops/internal/recipes"
)

// chdir switches the working directory so compiled artifact paths stay
// relative and survive the archive round trip.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestBundleArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()

	chdir(t, t.TempDir())

	srcStore := newTestStore(t)
	srcBundles := bundles.NewStore(filepath.Join("data", "bundles"), nil)
	compiler := recipes.NewCompiler("data", srcBundles)

	_, err := compiler.CompileSOPToBundle("Check room\nConfirm input\nPick plan", map[string]interface{}{"name": "Round Trip"})
	require.NoError(t, err)

	metas := srcBundles.List()
	require.Len(t, metas, 1)
	bundleID := metas[0].BundleID
	_, err = srcBundles.SaveContext(bundleID, "Room Four", map[string]interface{}{"room": "4"})
	require.NoError(t, err)

	data, err := ExportBundle(ctx, srcStore, srcBundles, bundleID, nil, filepath.Join("data", "recipes"))
	require.NoError(t, err)

	names := entryNames(t, data)
	assert.Contains(t, names, "bundle/metadata.json")
	assert.Contains(t, names, "manifest.json")
	var artifactEntries, contextEntries int
	for _, n := range names {
		switch {
		case len(n) > len("bundle/artifacts/") && n[:len("bundle/artifacts/")] == "bundle/artifacts/":
			artifactEntries++
		case len(n) > len("bundle/contexts/") && n[:len("bundle/contexts/")] == "bundle/contexts/":
			contextEntries++
		}
	}
	// Orchestrator plus five fixed-agent recipes.
	assert.Equal(t, 6, artifactEntries)
	assert.Equal(t, 1, contextEntries)

	// Restore into a fresh tree.
	chdir(t, t.TempDir())

	dstStore := newTestStore(t)
	dstBundles := bundles.NewStore(filepath.Join("data", "bundles"), nil)

	meta, _, err := ImportBundle(ctx, dstStore, dstBundles, data, filepath.Join("data", "recipes"), MergeSkip, false)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, bundleID, meta.BundleID)

	restored, err := dstBundles.Get(bundleID)
	require.NoError(t, err)
	assert.FileExists(t, restored.OrchestratorPath)
	for _, p := range restored.FixedAgents {
		assert.FileExists(t, p)
	}
	loaded := dstBundles.LoadContext(bundleID, "Room Four")
	require.NotNil(t, loaded)
	assert.Equal(t, "4", loaded["room"])
}

func TestImportBundlePlainArchive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRegistry(t, store)
	data, _, err := Export(ctx, store, allTypes(), t.TempDir())
	require.NoError(t, err)

	bstore := bundles.NewStore(filepath.Join(t.TempDir(), "bundles"), nil)
	meta, result, err := ImportBundle(ctx, newTestStore(t), bstore, data, t.TempDir(), MergeSkip, false)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, 1, result.Created[TypeAgents])
	assert.Empty(t, bstore.List())
}

func TestImportBundleDryRunLeavesDiskAlone(t *testing.T) {
	ctx := context.Background()

	chdir(t, t.TempDir())

	store := newTestStore(t)
	bstore := bundles.NewStore(filepath.Join("data", "bundles"), nil)
	compiler := recipes.NewCompiler("data", bstore)
	_, err := compiler.CompileSOPToBundle("Check room", map[string]interface{}{"name": "Dry"})
	require.NoError(t, err)
	bundleID := bstore.List()[0].BundleID

	data, err := ExportBundle(ctx, store, bstore, bundleID, nil, filepath.Join("data", "recipes"))
	require.NoError(t, err)

	chdir(t, t.TempDir())
	dstBundles := bundles.NewStore(filepath.Join("data", "bundles"), nil)

	meta, _, err := ImportBundle(ctx, newTestStore(t), dstBundles, data, filepath.Join("data", "recipes"), MergeSkip, true)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Empty(t, dstBundles.List())
	_, err = os.Stat(filepath.Join("data", "recipes"))
	assert.True(t, os.IsNotExist(err))
}
