// Package bundles tracks compiled SOP bundles: one orchestrator recipe plus
// the fixed-agent recipes and context presets generated alongside it. The
// index is a single JSON file; every mutation is a read-modify-write under
// one lock followed by an atomic file replace, so racing compilations and
// deletions never lose updates.
package bundles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smaops/avops/internal/logging"
	"github.com/smaops/avops/pkg/models"
)

// ErrNotFound reports a bundle id absent from the index.
var ErrNotFound = errors.New("bundle not found")

// Store is the bundle index plus its on-disk artifacts.
type Store struct {
	dir string
	log *logging.Logger

	mu sync.Mutex
}

// NewStore roots the index under dir (typically <data>/recipes/bundles).
func NewStore(dir string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewLogger()
	}
	return &Store{dir: dir, log: log}
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "index.json") }

type index struct {
	Bundles []models.BundleMetadata `json:"bundles"`
}

// loadIndex reads the index, resetting it when the file is corrupt.
func (s *Store) loadIndex() index {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		return index{}
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		s.log.Warn("bundle index corrupt, resetting: %v", err)
		return index{}
	}
	return idx
}

// saveIndex writes the index through a temp file and an atomic rename.
func (s *Store) saveIndex(idx index) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle index: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "index-*.json")
	if err != nil {
		return fmt.Errorf("temp index: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.indexPath())
}

// newBundleID derives a unique id from the display name plus a random
// suffix. Ids are immutable once assigned.
func newBundleID(name string) string {
	slug := models.Slugify(name)
	if slug == "" {
		slug = "workflow-from-sop"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return slug + "-" + suffix
}

// RecordBundle inserts a new bundle row for a compilation. Context hints
// keep everything from ctx except naming keys and empty values; an explicit
// ctx["context"] map wins outright.
func (s *Store) RecordBundle(name string, ctx map[string]interface{}, orchestratorPath string, fixedAgents map[string]string) (models.BundleMetadata, error) {
	displayName := name
	if v, ok := ctx["display_name"].(string); ok && v != "" {
		displayName = v
	}

	var hints map[string]interface{}
	if v, ok := ctx["context"].(map[string]interface{}); ok {
		hints = v
	} else {
		for k, v := range ctx {
			if k == "name" || k == "display_name" || v == nil || v == "" {
				continue
			}
			if hints == nil {
				hints = map[string]interface{}{}
			}
			hints[k] = v
		}
	}

	meta := models.BundleMetadata{
		BundleID:         newBundleID(displayName),
		DisplayName:      displayName,
		OrchestratorPath: orchestratorPath,
		FixedAgents:      fixedAgents,
		ContextHints:     hints,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.Upsert(meta); err != nil {
		return models.BundleMetadata{}, err
	}
	return meta, nil
}

// Upsert writes metadata into the index, replacing any row with the same
// bundle id.
func (s *Store) Upsert(meta models.BundleMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.loadIndex()
	for i, entry := range idx.Bundles {
		if entry.BundleID == meta.BundleID {
			idx.Bundles[i] = meta
			return s.saveIndex(idx)
		}
	}
	idx.Bundles = append(idx.Bundles, meta)
	return s.saveIndex(idx)
}

// List returns every stored bundle.
func (s *Store) List() []models.BundleMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndex().Bundles
}

// Get returns the bundle with the given id.
func (s *Store) Get(bundleID string) (*models.BundleMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.loadIndex().Bundles {
		if entry.BundleID == bundleID {
			e := entry
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes the index entry. With removeFiles set, the referenced
// orchestrator and fixed-agent YAMLs plus context presets are unlinked
// best-effort: metadata deletion succeeds regardless of filesystem state,
// and cleanup failures are logged and swallowed.
func (s *Store) Delete(bundleID string, removeFiles bool) error {
	s.mu.Lock()
	idx := s.loadIndex()
	target := -1
	var entry models.BundleMetadata
	for i, e := range idx.Bundles {
		if e.BundleID == bundleID {
			target, entry = i, e
			break
		}
	}
	if target < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	idx.Bundles = append(idx.Bundles[:target], idx.Bundles[target+1:]...)
	err := s.saveIndex(idx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if removeFiles {
		paths := []string{entry.OrchestratorPath}
		for _, p := range entry.FixedAgents {
			paths = append(paths, p)
		}
		for _, p := range s.ListContexts(bundleID) {
			paths = append(paths, p)
		}
		for _, p := range paths {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.log.Warn("bundle %s: could not remove %s: %v", bundleID, p, err)
			}
		}
		if err := os.RemoveAll(filepath.Join(s.dir, bundleID)); err != nil {
			s.log.Warn("bundle %s: could not remove context dir: %v", bundleID, err)
		}
	}
	return nil
}

// ---- context presets ----------------------------------------------------

func (s *Store) contextDir(bundleID string) string {
	return filepath.Join(s.dir, bundleID, "contexts")
}

// ListContexts maps preset name to file path.
func (s *Store) ListContexts(bundleID string) map[string]string {
	entries, err := os.ReadDir(s.contextDir(bundleID))
	if err != nil {
		return map[string]string{}
	}
	out := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		out[name] = filepath.Join(s.contextDir(bundleID), e.Name())
	}
	return out
}

// SaveContext persists one named context preset as JSON.
func (s *Store) SaveContext(bundleID, name string, payload map[string]interface{}) (string, error) {
	dir := s.contextDir(bundleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create context dir: %w", err)
	}
	slug := models.Slugify(name)
	if slug == "" {
		slug = "context"
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	path := filepath.Join(dir, slug+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write context: %w", err)
	}
	return path, nil
}

// LoadContext reads one preset; unknown or unreadable presets yield an
// empty map.
func (s *Store) LoadContext(bundleID, name string) map[string]interface{} {
	path, ok := s.ListContexts(bundleID)[name]
	if !ok {
		return map[string]interface{}{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// DeleteContext removes one preset file.
func (s *Store) DeleteContext(bundleID, name string) bool {
	path, ok := s.ListContexts(bundleID)[name]
	if !ok {
		return false
	}
	return os.Remove(path) == nil
}
