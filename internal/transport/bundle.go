package transport

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smaops/avops/internal/bundles"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/pkg/models"
)

// BundleManifest describes the bundle section of a bundle archive.
type BundleManifest struct {
	Metadata models.BundleMetadata `json:"metadata"`
	Contexts map[string]string     `json:"contexts,omitempty"`
}

func addFileEntry(zw *zip.Writer, entryName, srcPath string) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	w, err := zw.Create(entryName)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// entryPathFor maps an on-disk artifact path to its archive location. The
// path is kept relative so an import on another host can reconstruct the
// same tree under its own data directory.
func entryPathFor(artifactPath string) string {
	p := filepath.ToSlash(artifactPath)
	p = strings.TrimPrefix(p, "/")
	return "bundle/artifacts/" + p
}

// ExportBundle serializes one compiled bundle, its recipe artifacts on
// disk, and its saved context presets into a single archive. The registry
// sections from Export are layered underneath so one archive can carry a
// full environment.
func ExportBundle(ctx context.Context, store repository.Store, bstore *bundles.Store, bundleID string, include []string, recipesDir string) ([]byte, error) {
	meta, err := bstore.Get(bundleID)
	if err != nil {
		return nil, err
	}

	base, _, err := Export(ctx, store, include, recipesDir)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(base), int64(len(base)))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		src, err := f.Open()
		if err != nil {
			return nil, err
		}
		w, err := zw.Create(f.Name)
		if err != nil {
			src.Close()
			return nil, err
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return nil, err
		}
		src.Close()
	}

	// Recipe artifacts referenced by the bundle index.
	paths := []string{}
	if meta.OrchestratorPath != "" {
		paths = append(paths, meta.OrchestratorPath)
	}
	agentNames := make([]string, 0, len(meta.FixedAgents))
	for name := range meta.FixedAgents {
		agentNames = append(agentNames, name)
	}
	sort.Strings(agentNames)
	for _, name := range agentNames {
		if p := meta.FixedAgents[name]; p != "" {
			paths = append(paths, p)
		}
	}
	for _, p := range paths {
		if err := addFileEntry(zw, entryPathFor(p), p); err != nil {
			return nil, fmt.Errorf("bundle artifact %s: %w", p, err)
		}
	}

	contexts := bstore.ListContexts(bundleID)
	contextEntries := map[string]string{}
	ctxNames := make([]string, 0, len(contexts))
	for name := range contexts {
		ctxNames = append(ctxNames, name)
	}
	sort.Strings(ctxNames)
	for _, name := range ctxNames {
		entry := "bundle/contexts/" + models.Slugify(name) + ".json"
		if err := addFileEntry(zw, entry, contexts[name]); err != nil {
			return nil, fmt.Errorf("bundle context %s: %w", name, err)
		}
		contextEntries[name] = entry
	}

	bm := BundleManifest{Metadata: *meta, Contexts: contextEntries}
	if err := writeJSONEntry(zw, "bundle/metadata.json", bm); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImportBundle restores a bundle archive: registry sections go through the
// regular Import path, recipe artifacts are rewritten to their recorded
// relative paths, and the bundle index entry is upserted. Returns the
// restored metadata alongside the registry import result.
func ImportBundle(ctx context.Context, store repository.Store, bstore *bundles.Store, zipBytes []byte, recipesDir string, merge MergePolicy, dryRun bool) (*models.BundleMetadata, *ImportResult, error) {
	result, err := Import(ctx, store, zipBytes, recipesDir, merge, dryRun)
	if err != nil {
		return nil, nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, nil, err
	}
	var bm BundleManifest
	found, err := readZipJSON(zr, "bundle/metadata.json", &bm)
	if !found {
		// Plain registry archive; nothing bundle-shaped to restore.
		return nil, result, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("bundle metadata: %w", err)
	}
	if bm.Metadata.BundleID == "" {
		return nil, nil, fmt.Errorf("bundle metadata has no bundle_id")
	}

	if dryRun {
		return &bm.Metadata, result, nil
	}

	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "bundle/artifacts/") || strings.HasSuffix(f.Name, "/") {
			continue
		}
		rel := strings.TrimPrefix(f.Name, "bundle/artifacts/")
		rel = path.Clean(rel)
		if rel == "." || strings.HasPrefix(rel, "..") {
			result.Messages = append(result.Messages, fmt.Sprintf("Unsafe artifact path skipped: %s", f.Name))
			continue
		}
		dst := filepath.FromSlash(rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, nil, err
		}
		src, err := f.Open()
		if err != nil {
			return nil, nil, err
		}
		raw, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(dst, raw, 0o644); err != nil {
			return nil, nil, fmt.Errorf("restore artifact %s: %w", dst, err)
		}
	}

	for name, entry := range bm.Contexts {
		text, err := readZipText(zr, entry)
		if err != nil {
			result.Messages = append(result.Messages, fmt.Sprintf("Bundle context missing in archive: %s", entry))
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			result.Messages = append(result.Messages, fmt.Sprintf("Bundle context %s unreadable: %v", name, err))
			continue
		}
		if _, err := bstore.SaveContext(bm.Metadata.BundleID, name, payload); err != nil {
			return nil, nil, fmt.Errorf("restore context %s: %w", name, err)
		}
	}

	if err := bstore.Upsert(bm.Metadata); err != nil {
		return nil, nil, err
	}
	return &bm.Metadata, result, nil
}
