package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smaops/avops/pkg/models"
)

// PostgresStore is the shared-deployment implementation of Store backed by
// a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	agent_id BIGINT,
	recipe_id BIGINT,
	trigger_type TEXT NOT NULL DEFAULT 'manual',
	status TEXT NOT NULL DEFAULT 'running',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	duration_ms DOUBLE PRECISION,
	error TEXT NOT NULL DEFAULT '',
	meta JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS step_events (
	id BIGSERIAL PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	ts TIMESTAMPTZ NOT NULL,
	phase TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	status TEXT NOT NULL DEFAULT 'ok',
	message TEXT NOT NULL DEFAULT '',
	payload JSONB,
	result JSONB
);
CREATE TABLE IF NOT EXISTS artifacts (
	id BIGSERIAL PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	data JSONB
);
CREATE TABLE IF NOT EXISTS agents (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL DEFAULT '',
	config JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS recipes (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	yaml_path TEXT NOT NULL,
	yaml TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_defs (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	agent_id BIGINT NOT NULL REFERENCES agents(id),
	recipe_id BIGINT NOT NULL REFERENCES recipes(id),
	trigger_type TEXT NOT NULL DEFAULT 'manual',
	interval_minutes INT,
	status TEXT NOT NULL DEFAULT 'yellow',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ
);
`

// NewPostgresStore connects to the database and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) BeginRun(ctx context.Context, workflowID, name string, agentID, recipeID *int64, trigger string, meta map[string]interface{}) (*Recorder, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	started := time.Now().UTC()
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO workflow_runs (workflow_id, name, agent_id, recipe_id, trigger_type, status, started_at, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		workflowID, name, agentID, recipeID, trigger, models.RunStatusRunning, started, meta).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Recorder{store: s, runID: id, start: started}, nil
}

func (s *PostgresStore) LogStep(ctx context.Context, runID int64, ev models.StepEvent) (int64, error) {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO step_events (run_id, ts, phase, level, status, message, payload, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		runID, ts, ev.Phase, ev.Level, ev.Status, ev.Message, ev.Payload, ev.Result).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert step event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) LogArtifact(ctx context.Context, runID int64, a models.Artifact) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, kind, external_id, url, title, data)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		runID, a.Kind, a.ExternalID, a.URL, a.Title, a.Data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID int64, status, errMsg string, durationMS float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workflow_runs SET status = $1, error = $2, finished_at = $3, duration_ms = $4 WHERE id = $5`,
		status, errMsg, time.Now().UTC(), durationMS, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRunRow(row pgx.Row) (models.WorkflowRun, error) {
	var r models.WorkflowRun
	var agentID, recipeID *int64
	var finishedAt *time.Time
	var durationMS *float64
	err := row.Scan(&r.ID, &r.WorkflowID, &r.Name, &agentID, &recipeID, &r.Trigger,
		&r.Status, &r.StartedAt, &finishedAt, &durationMS, &r.Error, &r.Meta)
	if err != nil {
		return r, err
	}
	r.AgentID = agentID
	r.RecipeID = recipeID
	r.FinishedAt = finishedAt
	r.DurationMS = durationMS
	return r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	run, err := s.scanRunRow(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, ts, phase, level, status, message, payload, result
		 FROM step_events WHERE run_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev models.StepEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TS, &ev.Phase, &ev.Level, &ev.Status, &ev.Message, &ev.Payload, &ev.Result); err != nil {
			return nil, err
		}
		run.Steps = append(run.Steps, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.Query(ctx,
		`SELECT id, run_id, kind, external_id, url, title, data
		 FROM artifacts WHERE run_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a models.Artifact
		if err := arows.Scan(&a.ID, &a.RunID, &a.Kind, &a.ExternalID, &a.URL, &a.Title, &a.Data); err != nil {
			return nil, err
		}
		run.Artifacts = append(run.Artifacts, a)
	}
	if err := arows.Err(); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) queryRuns(ctx context.Context, where string, args []interface{}, limit int) ([]models.WorkflowRun, error) {
	q := `SELECT ` + runColumns + ` FROM workflow_runs` + where + ` ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowRun
	for rows.Next() {
		r, err := s.scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestRuns(ctx context.Context, limit int, statuses []string, since *time.Time) ([]models.WorkflowRun, error) {
	var conds []string
	var args []interface{}
	if len(statuses) > 0 {
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf(`status = ANY($%d)`, len(args)))
	}
	if since != nil {
		args = append(args, since.UTC())
		conds = append(conds, fmt.Sprintf(`started_at >= $%d`, len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(ctx, where, args, limit)
}

func (s *PostgresStore) Stats(ctx context.Context, since *time.Time) (models.RunStats, error) {
	where := ""
	var args []interface{}
	if since != nil {
		where = " WHERE started_at >= $1"
		args = append(args, since.UTC())
	}
	runs, err := s.queryRuns(ctx, where, args, 0)
	if err != nil {
		return models.RunStats{}, err
	}
	return statsFromRuns(runs), nil
}

func (s *PostgresStore) RecipeMetrics(ctx context.Context, recipeID int64, limit int) (models.RecipeMetrics, error) {
	if limit <= 0 {
		limit = 200
	}
	runs, err := s.queryRuns(ctx, ` WHERE recipe_id = $1`, []interface{}{recipeID}, limit)
	if err != nil {
		return models.RecipeMetrics{}, err
	}
	return metricsFromRuns(runs), nil
}

// ---- registry -----------------------------------------------------------

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, domain, config, created_at, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Domain, &a.Config, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	var a models.Agent
	err := s.db.QueryRow(ctx,
		`SELECT id, name, domain, config, created_at, updated_at FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Domain, &a.Config, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, name, domain string, config map[string]interface{}) (*models.Agent, error) {
	if config == nil {
		config = map[string]interface{}{}
	}
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO agents (name, domain, config, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		name, domain, config, now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &models.Agent{ID: id, Name: name, Domain: domain, Config: config, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, id int64, domain string, config map[string]interface{}) error {
	if config == nil {
		config = map[string]interface{}{}
	}
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET domain = $1, config = $2, updated_at = $3 WHERE id = $4`,
		domain, config, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) ListRecipes(ctx context.Context) ([]models.Recipe, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, yaml_path, yaml, created_at, updated_at FROM recipes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()
	var out []models.Recipe
	for rows.Next() {
		var r models.Recipe
		if err := rows.Scan(&r.ID, &r.Name, &r.YAMLPath, &r.YAML, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRecipe(ctx context.Context, id int64) (*models.Recipe, error) {
	var r models.Recipe
	err := s.db.QueryRow(ctx,
		`SELECT id, name, yaml_path, yaml, created_at, updated_at FROM recipes WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.YAMLPath, &r.YAML, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load recipe: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateRecipe(ctx context.Context, name, yamlPath, yamlText string) (*models.Recipe, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO recipes (name, yaml_path, yaml, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		name, yamlPath, yamlText, now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert recipe: %w", err)
	}
	return &models.Recipe{ID: id, Name: name, YAMLPath: yamlPath, YAML: yamlText, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) UpdateRecipe(ctx context.Context, id int64, yamlPath, yamlText string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE recipes SET yaml_path = $1, yaml = $2, updated_at = $3 WHERE id = $4`,
		yamlPath, yamlText, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) scanWorkflowRow(row pgx.Row) (models.WorkflowDef, error) {
	var w models.WorkflowDef
	var interval *int
	var lastRun, nextRun *time.Time
	err := row.Scan(&w.ID, &w.Name, &w.AgentID, &w.RecipeID, &w.TriggerType, &interval, &w.Status, &w.Enabled, &lastRun, &nextRun)
	if err != nil {
		return w, err
	}
	w.IntervalMinutes = interval
	w.LastRunAt = lastRun
	w.NextRunAt = nextRun
	return w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]models.WorkflowDef, error) {
	rows, err := s.db.Query(ctx, `SELECT `+workflowColumns+` FROM workflow_defs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowDef
	for rows.Next() {
		w, err := s.scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDef, error) {
	w, err := s.scanWorkflowRow(s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflow_defs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, def *models.WorkflowDef) (*models.WorkflowDef, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO workflow_defs (name, agent_id, recipe_id, trigger_type, interval_minutes, status, enabled, last_run_at, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		def.Name, def.AgentID, def.RecipeID, def.TriggerType, def.IntervalMinutes, def.Status, def.Enabled, def.LastRunAt, def.NextRunAt).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	out := *def
	out.ID = id
	return &out, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, def *models.WorkflowDef) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_defs SET name = $1, agent_id = $2, recipe_id = $3, trigger_type = $4, interval_minutes = $5, status = $6, enabled = $7, last_run_at = $8, next_run_at = $9
		 WHERE id = $10`,
		def.Name, def.AgentID, def.RecipeID, def.TriggerType, def.IntervalMinutes, def.Status, def.Enabled, def.LastRunAt, def.NextRunAt, def.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflow_defs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DueWorkflows(ctx context.Context, now time.Time) ([]models.WorkflowDef, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflow_defs
		 WHERE enabled AND trigger_type = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		 ORDER BY id`, models.TriggerInterval, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due workflows: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowDef
	for rows.Next() {
		w, err := s.scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
