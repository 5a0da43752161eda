// Package workflow executes stored recipes through the intake, plan, act,
// verify, learn pipeline and manages the workflow registry around them.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/smaops/avops/internal/agents"
	"github.com/smaops/avops/internal/logging"
	"github.com/smaops/avops/internal/repository"
)

// Pipeline phases in execution order. Learn runs after verify and is the
// only phase with a side effect outside the run log.
var phaseOrder = []string{"intake", "plan", "act", "verify"}

// Engine drives one recipe through the pipeline while recording every
// phase step durably. Publisher handles the learn phase's knowledge-base
// hand-off; a stub keeps the pipeline runnable without one.
type Engine struct {
	Store     repository.Store
	Publisher agents.KBPublisher
	Log       *logging.Logger
}

func NewEngine(store repository.Store, pub agents.KBPublisher, log *logging.Logger) *Engine {
	if pub == nil {
		pub = agents.StubPublisher{}
	}
	return &Engine{Store: store, Publisher: pub, Log: log}
}

// stepMessage renders one recipe step for the phase payload. Steps are
// loosely typed maps out of YAML; strings pass through untouched.
func stepMessage(item interface{}) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v[k]))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprintf("%v", item)
	}
}

func phaseItems(recipe map[string]interface{}, phase string) []interface{} {
	raw, ok := recipe[phase]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	return items
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case nil:
		return false
	default:
		return true
	}
}

func stringOr(m map[string]interface{}, key, fallback string) string {
	if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

// ExecuteRecipeRun runs one parsed recipe and returns the run id. The run
// always reaches a terminal status: any phase or publish error is stored on
// the run before it is returned.
func (e *Engine) ExecuteRecipeRun(ctx context.Context, workflowID, name string, agentID, recipeID *int64, trigger string, recipe map[string]interface{}) (runID int64, err error) {
	meta := map[string]interface{}{}
	if rn, ok := recipe["name"].(string); ok {
		meta["recipe_name"] = rn
	}
	rec, err := e.Store.BeginRun(ctx, workflowID, name, agentID, recipeID, trigger, meta)
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	runID = rec.RunID()
	defer func() {
		if ferr := rec.Finish(ctx, err); ferr != nil && e.Log != nil {
			e.Log.Warn("finish run %d: %v", runID, ferr)
		}
	}()

	// One evidence record per phase; the rendered items ride in the payload.
	for _, phase := range phaseOrder {
		items := phaseItems(recipe, phase)
		opts := []repository.StepOption{}
		if len(items) == 0 {
			opts = append(opts, repository.WithStatus("empty"))
		} else {
			rendered := make([]interface{}, 0, len(items))
			for _, item := range items {
				rendered = append(rendered, stepMessage(item))
			}
			opts = append(opts, repository.WithPayload(map[string]interface{}{"steps": rendered}))
		}
		msg := fmt.Sprintf("%s steps: %d", phase, len(items))
		if serr := rec.Step(ctx, phase, msg, opts...); serr != nil {
			err = serr
			return runID, err
		}
	}

	if lerr := e.runLearn(ctx, rec, recipe); lerr != nil {
		err = lerr
		return runID, err
	}
	return runID, nil
}

// runLearn publishes a knowledge-base article when the recipe's learn
// section asks for one. Missing fields fall back to generic content so a
// minimal `learn: {kb_publish: true}` still produces a valid article.
func (e *Engine) runLearn(ctx context.Context, rec *repository.Recorder, recipe map[string]interface{}) error {
	learn, _ := recipe["learn"].(map[string]interface{})
	if learn == nil || !truthy(learn["kb_publish"]) {
		return rec.Step(ctx, "learn", "No knowledge-base publish requested.", repository.WithStatus("skipped"))
	}

	title := stringOr(learn, "title", stringOr(recipe, "name", "Workflow run"))
	html := stringOr(learn, "html", "<p>Workflow completed.</p>")
	audience := stringOr(learn, "audience", "All")
	tags := []string{"ipav", "workflow"}
	if raw, ok := learn["tags"].([]interface{}); ok && len(raw) > 0 {
		tags = tags[:0]
		for _, t := range raw {
			tags = append(tags, fmt.Sprintf("%v", t))
		}
	}
	pmeta, _ := learn["meta"].(map[string]interface{})
	if pmeta == nil {
		pmeta = map[string]interface{}{}
	}

	res, err := e.Publisher.Publish(ctx, title, html, tags, audience, pmeta)
	if err != nil {
		if serr := rec.Step(ctx, "learn", fmt.Sprintf("Publish failed: %v", err),
			repository.WithLevel("error"), repository.WithStatus("error")); serr != nil {
			return serr
		}
		return fmt.Errorf("kb publish: %w", err)
	}

	opts := []repository.ArtifactOption{repository.WithData(res)}
	if id, ok := res["id"].(string); ok {
		opts = append(opts, repository.WithExternalID(id))
	}
	if url, ok := res["url"].(string); ok {
		opts = append(opts, repository.WithURL(url))
	}
	if aerr := rec.Artifact(ctx, "kb_article", title, opts...); aerr != nil {
		return aerr
	}
	return rec.Step(ctx, "learn", fmt.Sprintf("Published knowledge-base article '%s'.", title),
		repository.WithResult(res))
}
