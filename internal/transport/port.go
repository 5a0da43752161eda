// Package transport moves agents, recipes, and workflow definitions
// between environments as a single zip archive, and applies merge policies
// when an archive lands in a store that already has rows with the same
// names.
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
	"strings"
	"time"

	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/pkg/models"
)

// MergePolicy resolves name conflicts during import.
type MergePolicy string

const (
	MergeSkip      MergePolicy = "skip"
	MergeOverwrite MergePolicy = "overwrite"
	MergeRename    MergePolicy = "rename"
)

// ParseMergePolicy validates a policy string, defaulting to skip.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case MergeSkip, MergeOverwrite, MergeRename:
		return MergePolicy(s), nil
	case "":
		return MergeSkip, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", s)
	}
}

// Object types tracked in reports.
const (
	TypeAgents    = "agents"
	TypeRecipes   = "recipes"
	TypeWorkflows = "workflows"
)

// ExportReport summarizes what went into an archive.
type ExportReport struct {
	Counts map[string]int `json:"counts"`
}

// ImportResult reports per-type outcomes of one import pass. The same
// counts are produced whether or not the pass was a dry run.
type ImportResult struct {
	DryRun   bool           `json:"dry_run"`
	Merge    MergePolicy    `json:"merge"`
	Created  map[string]int `json:"created"`
	Updated  map[string]int `json:"updated"`
	Skipped  map[string]int `json:"skipped"`
	Messages []string       `json:"messages"`
}

func newImportResult(merge MergePolicy, dryRun bool) *ImportResult {
	zero := func() map[string]int {
		return map[string]int{TypeAgents: 0, TypeRecipes: 0, TypeWorkflows: 0}
	}
	return &ImportResult{
		DryRun:  dryRun,
		Merge:   merge,
		Created: zero(),
		Updated: zero(),
		Skipped: zero(),
	}
}

type agentRow struct {
	Name   string                 `json:"name"`
	Domain string                 `json:"domain"`
	Config map[string]interface{} `json:"config"`
}

type recipeRow struct {
	Name string `json:"name"`
	File string `json:"file"`
}

type workflowRow struct {
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	Trigger         string `json:"trigger"`
	IntervalMinutes *int   `json:"interval_minutes"`
	AgentName       string `json:"agent_name"`
	RecipeName      string `json:"recipe_name"`
}

type manifest struct {
	BundleVersion int               `json:"bundle_version"`
	GeneratedAt   string            `json:"generated_at"`
	Includes      map[string]string `json:"includes"`
}

func writeJSONEntry(zw *zip.Writer, name string, v interface{}) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Export dumps the selected object types into one archive. Recipe bodies
// prefer the inline database text; the on-disk file under recipesDir is the
// fallback, and a stub documents recipes with neither.
func Export(ctx context.Context, store repository.Store, include []string, recipesDir string) ([]byte, ExportReport, error) {
	inc := map[string]bool{}
	for _, t := range include {
		inc[t] = true
	}
	report := ExportReport{Counts: map[string]int{TypeAgents: 0, TypeRecipes: 0, TypeWorkflows: 0}}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if inc[TypeAgents] {
		agents, err := store.ListAgents(ctx)
		if err != nil {
			return nil, report, fmt.Errorf("export agents: %w", err)
		}
		rows := make([]agentRow, 0, len(agents))
		for _, a := range agents {
			rows = append(rows, agentRow{Name: a.Name, Domain: a.Domain, Config: a.Config})
		}
		if err := writeJSONEntry(zw, "agents.json", rows); err != nil {
			return nil, report, err
		}
		report.Counts[TypeAgents] = len(rows)
	}

	if inc[TypeRecipes] {
		recipes, err := store.ListRecipes(ctx)
		if err != nil {
			return nil, report, fmt.Errorf("export recipes: %w", err)
		}
		var indexRows []recipeRow
		for _, r := range recipes {
			text := r.YAML
			if text == "" && r.YAMLPath != "" {
				if raw, err := os.ReadFile(filepath.Join(recipesDir, r.YAMLPath)); err == nil {
					text = string(raw)
				}
			}
			if text == "" {
				text = fmt.Sprintf("# Missing source; stub for recipe '%s'\napi_version: v1\nname: %s\n", r.Name, r.Name)
			}
			entryPath := "recipes/" + models.Slugify(r.Name) + ".yaml"
			w, err := zw.Create(entryPath)
			if err != nil {
				return nil, report, err
			}
			if _, err := io.WriteString(w, text); err != nil {
				return nil, report, err
			}
			indexRows = append(indexRows, recipeRow{Name: r.Name, File: entryPath})
		}
		if err := writeJSONEntry(zw, "recipes.json", indexRows); err != nil {
			return nil, report, err
		}
		report.Counts[TypeRecipes] = len(indexRows)
	}

	if inc[TypeWorkflows] {
		agents, err := store.ListAgents(ctx)
		if err != nil {
			return nil, report, err
		}
		recipes, err := store.ListRecipes(ctx)
		if err != nil {
			return nil, report, err
		}
		agentNames := map[int64]string{}
		for _, a := range agents {
			agentNames[a.ID] = a.Name
		}
		recipeNames := map[int64]string{}
		for _, r := range recipes {
			recipeNames[r.ID] = r.Name
		}
		wfs, err := store.ListWorkflows(ctx)
		if err != nil {
			return nil, report, fmt.Errorf("export workflows: %w", err)
		}
		rows := make([]workflowRow, 0, len(wfs))
		for _, wf := range wfs {
			rows = append(rows, workflowRow{
				Name:            wf.Name,
				Enabled:         wf.Enabled,
				Trigger:         wf.TriggerType,
				IntervalMinutes: wf.IntervalMinutes,
				AgentName:       agentNames[wf.AgentID],
				RecipeName:      recipeNames[wf.RecipeID],
			})
		}
		if err := writeJSONEntry(zw, "workflows.json", rows); err != nil {
			return nil, report, err
		}
		report.Counts[TypeWorkflows] = len(rows)
	}

	m := manifest{
		BundleVersion: 1,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Includes:      map[string]string{},
	}
	for _, t := range []string{TypeAgents, TypeRecipes, TypeWorkflows} {
		if inc[t] {
			m.Includes[t] = t + ".json"
		}
	}
	if err := writeJSONEntry(zw, "manifest.json", m); err != nil {
		return nil, report, err
	}
	if err := zw.Close(); err != nil {
		return nil, report, err
	}
	return buf.Bytes(), report, nil
}

func readZipJSON(zr *zip.Reader, name string, v interface{}) (bool, error) {
	f, err := openZipEntry(zr, name)
	if err != nil {
		return false, nil
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(raw, v)
}

func openZipEntry(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("entry %s not in archive", name)
}

func readZipText(zr *zip.Reader, name string) (string, error) {
	f, err := openZipEntry(zr, name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// renameCandidate finds the first "name (N)" with N starting at 2 that does
// not collide case-insensitively with taken.
func renameCandidate(name string, taken map[string]bool) string {
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s (%d)", name, i)
		if !taken[strings.ToLower(cand)] {
			return cand
		}
	}
}

// Import applies an archive to the store under the given merge policy.
// A dry run performs every lookup and produces the same counts and
// messages without committing any database or filesystem change.
func Import(ctx context.Context, store repository.Store, zipBytes []byte, recipesDir string, merge MergePolicy, dryRun bool) (*ImportResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	result := newImportResult(merge, dryRun)

	if err := importAgents(ctx, store, zr, merge, dryRun, result); err != nil {
		return nil, err
	}
	if err := importRecipes(ctx, store, zr, recipesDir, merge, dryRun, result); err != nil {
		return nil, err
	}
	if err := importWorkflows(ctx, store, zr, merge, dryRun, result); err != nil {
		return nil, err
	}
	return result, nil
}

func importAgents(ctx context.Context, store repository.Store, zr *zip.Reader, merge MergePolicy, dryRun bool, result *ImportResult) error {
	var rows []agentRow
	found, err := readZipJSON(zr, "agents.json", &rows)
	if !found {
		return nil
	}
	if err != nil {
		result.Messages = append(result.Messages, fmt.Sprintf("agents.json parse error: %v", err))
		return nil
	}
	existing := map[string]models.Agent{}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	taken := map[string]bool{}
	for _, a := range agents {
		existing[strings.ToLower(a.Name)] = a
		taken[strings.ToLower(a.Name)] = true
	}

	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if name == "" {
			result.Messages = append(result.Messages, "Agent with empty name skipped.")
			result.Skipped[TypeAgents]++
			continue
		}
		key := strings.ToLower(name)
		if cur, ok := existing[key]; ok {
			switch merge {
			case MergeSkip:
				result.Skipped[TypeAgents]++
				continue
			case MergeOverwrite:
				if !dryRun {
					domain := row.Domain
					if domain == "" {
						domain = cur.Domain
					}
					config := row.Config
					if config == nil {
						config = cur.Config
					}
					if err := store.UpdateAgent(ctx, cur.ID, domain, config); err != nil {
						return fmt.Errorf("update agent %s: %w", name, err)
					}
				}
				result.Updated[TypeAgents]++
				continue
			case MergeRename:
				name = renameCandidate(name, taken)
			}
		}
		if !dryRun {
			if _, err := store.CreateAgent(ctx, name, row.Domain, row.Config); err != nil {
				return fmt.Errorf("create agent %s: %w", name, err)
			}
		}
		result.Created[TypeAgents]++
	}
	return nil
}

func importRecipes(ctx context.Context, store repository.Store, zr *zip.Reader, recipesDir string, merge MergePolicy, dryRun bool, result *ImportResult) error {
	var entries []recipeRow
	found, err := readZipJSON(zr, "recipes.json", &entries)
	if found && err != nil {
		result.Messages = append(result.Messages, fmt.Sprintf("recipes.json parse error: %v", err))
		entries = nil
	}
	if !found {
		// Sweep loose recipe YAMLs out of the archive instead.
		for _, f := range zr.File {
			lower := strings.ToLower(f.Name)
			if !strings.HasPrefix(f.Name, "recipes/") {
				continue
			}
			if !strings.HasSuffix(lower, ".yml") && !strings.HasSuffix(lower, ".yaml") {
				continue
			}
			stem := strings.TrimSuffix(path.Base(f.Name), path.Ext(f.Name))
			name := strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(stem))
			if name == "" {
				name = stem
			}
			entries = append(entries, recipeRow{Name: name, File: f.Name})
		}
	}
	if len(entries) == 0 {
		return nil
	}

	existing := map[string]models.Recipe{}
	recipes, err := store.ListRecipes(ctx)
	if err != nil {
		return fmt.Errorf("list recipes: %w", err)
	}
	taken := map[string]bool{}
	for _, r := range recipes {
		existing[strings.ToLower(r.Name)] = r
		taken[strings.ToLower(r.Name)] = true
	}

	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" || entry.File == "" {
			result.Messages = append(result.Messages, fmt.Sprintf("Recipe entry invalid: %+v", entry))
			result.Skipped[TypeRecipes]++
			continue
		}
		text, err := readZipText(zr, entry.File)
		if err != nil {
			result.Messages = append(result.Messages, fmt.Sprintf("Recipe file missing in bundle: %s", entry.File))
			result.Skipped[TypeRecipes]++
			continue
		}

		key := strings.ToLower(name)
		if cur, ok := existing[key]; ok {
			switch merge {
			case MergeSkip:
				result.Skipped[TypeRecipes]++
				continue
			case MergeOverwrite:
				if !dryRun {
					// The row keeps its original filename; only the body
					// changes on disk.
					fn := cur.YAMLPath
					if fn == "" {
						fn = models.Slugify(name) + ".yaml"
					}
					if err := writeRecipeFile(recipesDir, fn, text); err != nil {
						return err
					}
					if err := store.UpdateRecipe(ctx, cur.ID, fn, text); err != nil {
						return fmt.Errorf("update recipe %s: %w", name, err)
					}
				}
				result.Updated[TypeRecipes]++
				continue
			case MergeRename:
				name = renameCandidate(name, taken)
			}
		}
		if !dryRun {
			fn := models.Slugify(name) + ".yaml"
			if err := writeRecipeFile(recipesDir, fn, text); err != nil {
				return err
			}
			if _, err := store.CreateRecipe(ctx, name, fn, text); err != nil {
				return fmt.Errorf("create recipe %s: %w", name, err)
			}
		}
		result.Created[TypeRecipes]++
	}
	return nil
}

func writeRecipeFile(recipesDir, filename, text string) error {
	if err := os.MkdirAll(recipesDir, 0o755); err != nil {
		return fmt.Errorf("create recipes dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(recipesDir, filename), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write recipe %s: %w", filename, err)
	}
	return nil
}

func importWorkflows(ctx context.Context, store repository.Store, zr *zip.Reader, merge MergePolicy, dryRun bool, result *ImportResult) error {
	var rows []workflowRow
	found, err := readZipJSON(zr, "workflows.json", &rows)
	if !found {
		return nil
	}
	if err != nil {
		result.Messages = append(result.Messages, fmt.Sprintf("workflows.json parse error: %v", err))
		return nil
	}

	existing := map[string]models.WorkflowDef{}
	wfs, err := store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	taken := map[string]bool{}
	for _, wf := range wfs {
		existing[strings.ToLower(wf.Name)] = wf
		taken[strings.ToLower(wf.Name)] = true
	}
	agentsByName := map[string]models.Agent{}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		agentsByName[strings.ToLower(a.Name)] = a
	}
	recipesByName := map[string]models.Recipe{}
	recipes, err := store.ListRecipes(ctx)
	if err != nil {
		return err
	}
	for _, r := range recipes {
		recipesByName[strings.ToLower(r.Name)] = r
	}

	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if name == "" {
			result.Messages = append(result.Messages, "Workflow with empty name skipped.")
			result.Skipped[TypeWorkflows]++
			continue
		}
		agent, agentOK := agentsByName[strings.ToLower(row.AgentName)]
		recipe, recipeOK := recipesByName[strings.ToLower(row.RecipeName)]
		if !agentOK || !recipeOK {
			result.Messages = append(result.Messages,
				fmt.Sprintf("Workflow '%s' skipped, missing agent/recipe: %s / %s", name, row.AgentName, row.RecipeName))
			result.Skipped[TypeWorkflows]++
			continue
		}

		trigger := row.Trigger
		if trigger == "" {
			trigger = models.TriggerManual
		}
		key := strings.ToLower(name)
		if cur, ok := existing[key]; ok {
			switch merge {
			case MergeSkip:
				result.Skipped[TypeWorkflows]++
				continue
			case MergeOverwrite:
				if !dryRun {
					cur.AgentID = agent.ID
					cur.RecipeID = recipe.ID
					cur.TriggerType = trigger
					cur.IntervalMinutes = row.IntervalMinutes
					cur.Enabled = row.Enabled
					cur.NextRunAt = nextRunAt(trigger, row.IntervalMinutes)
					if err := store.UpdateWorkflow(ctx, &cur); err != nil {
						return fmt.Errorf("update workflow %s: %w", name, err)
					}
				}
				result.Updated[TypeWorkflows]++
				continue
			case MergeRename:
				name = renameCandidate(name, taken)
			}
		}
		if !dryRun {
			def := &models.WorkflowDef{
				Name:            name,
				AgentID:         agent.ID,
				RecipeID:        recipe.ID,
				TriggerType:     trigger,
				IntervalMinutes: row.IntervalMinutes,
				Status:          "yellow",
				Enabled:         row.Enabled,
				NextRunAt:       nextRunAt(trigger, row.IntervalMinutes),
			}
			if _, err := store.CreateWorkflow(ctx, def); err != nil {
				return fmt.Errorf("create workflow %s: %w", name, err)
			}
		}
		result.Created[TypeWorkflows]++
	}
	return nil
}

func nextRunAt(trigger string, intervalMinutes *int) *time.Time {
	if trigger != models.TriggerInterval || intervalMinutes == nil || *intervalMinutes <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(time.Duration(*intervalMinutes) * time.Minute)
	return &t
}
