package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/smaops/avops/pkg/models"
)

// SQLiteStore is the single-node implementation of Store backed by a
// SQLite file (or :memory: in tests).
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	agent_id INTEGER,
	recipe_id INTEGER,
	trigger_type TEXT NOT NULL DEFAULT 'manual',
	status TEXT NOT NULL DEFAULT 'running',
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	duration_ms REAL,
	error TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS step_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	ts TIMESTAMP NOT NULL,
	phase TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	status TEXT NOT NULL DEFAULT 'ok',
	message TEXT NOT NULL DEFAULT '',
	payload TEXT,
	result TEXT
);
CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	data TEXT
);
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS recipes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	yaml_path TEXT NOT NULL,
	yaml TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_defs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	agent_id INTEGER NOT NULL REFERENCES agents(id),
	recipe_id INTEGER NOT NULL REFERENCES recipes(id),
	trigger_type TEXT NOT NULL DEFAULT 'manual',
	interval_minutes INTEGER,
	status TEXT NOT NULL DEFAULT 'yellow',
	enabled INTEGER NOT NULL DEFAULT 1,
	last_run_at TIMESTAMP,
	next_run_at TIMESTAMP
);
`

// NewSQLiteStore opens (or creates) the database at dsn and applies the
// schema. SQLite writes are serialized on one connection.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalMap(raw sql.NullString) map[string]interface{} {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return m
}

// BeginRun inserts a running row and returns its scoped recorder.
func (s *SQLiteStore) BeginRun(ctx context.Context, workflowID, name string, agentID, recipeID *int64, trigger string, meta map[string]interface{}) (*Recorder, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	started := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (workflow_id, name, agent_id, recipe_id, trigger_type, status, started_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, name, agentID, recipeID, trigger, models.RunStatusRunning, started, metaJSON)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Recorder{store: s, runID: id, start: started}, nil
}

// LogStep appends one step event. Events are never updated afterwards.
func (s *SQLiteStore) LogStep(ctx context.Context, runID int64, ev models.StepEvent) (int64, error) {
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	result, err := marshalMap(ev.Result)
	if err != nil {
		return 0, fmt.Errorf("encode result: %w", err)
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_events (run_id, ts, phase, level, status, message, payload, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ts, ev.Phase, ev.Level, ev.Status, ev.Message, payload, result)
	if err != nil {
		return 0, fmt.Errorf("insert step event: %w", err)
	}
	return res.LastInsertId()
}

// LogArtifact appends one artifact row.
func (s *SQLiteStore) LogArtifact(ctx context.Context, runID int64, a models.Artifact) (int64, error) {
	data, err := marshalMap(a.Data)
	if err != nil {
		return 0, fmt.Errorf("encode data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, kind, external_id, url, title, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, a.Kind, a.ExternalID, a.URL, a.Title, data)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun stamps the terminal status, finish time, and duration.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID int64, status, errMsg string, durationMS float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, error = ?, finished_at = ?, duration_ms = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), durationMS, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_id, name, agent_id, recipe_id, trigger_type, status, started_at, finished_at, duration_ms, error, meta`

func scanRun(scan func(...interface{}) error) (models.WorkflowRun, error) {
	var r models.WorkflowRun
	var agentID, recipeID sql.NullInt64
	var finishedAt sql.NullTime
	var durationMS sql.NullFloat64
	var meta sql.NullString
	err := scan(&r.ID, &r.WorkflowID, &r.Name, &agentID, &recipeID, &r.Trigger,
		&r.Status, &r.StartedAt, &finishedAt, &durationMS, &r.Error, &meta)
	if err != nil {
		return r, err
	}
	if agentID.Valid {
		r.AgentID = &agentID.Int64
	}
	if recipeID.Valid {
		r.RecipeID = &recipeID.Int64
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Float64
		r.DurationMS = &d
	}
	r.Meta = unmarshalMap(meta)
	return r, nil
}

// GetRun loads one run with its ordered steps and artifacts.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ts, phase, level, status, message, payload, result
		 FROM step_events WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev models.StepEvent
		var payload, result sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TS, &ev.Phase, &ev.Level, &ev.Status, &ev.Message, &payload, &result); err != nil {
			return nil, err
		}
		ev.Payload = unmarshalMap(payload)
		ev.Result = unmarshalMap(result)
		run.Steps = append(run.Steps, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, external_id, url, title, data
		 FROM artifacts WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a models.Artifact
		var data sql.NullString
		if err := arows.Scan(&a.ID, &a.RunID, &a.Kind, &a.ExternalID, &a.URL, &a.Title, &data); err != nil {
			return nil, err
		}
		a.Data = unmarshalMap(data)
		run.Artifacts = append(run.Artifacts, a)
	}
	if err := arows.Err(); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, where string, args []interface{}, limit int) ([]models.WorkflowRun, error) {
	q := `SELECT ` + runColumns + ` FROM workflow_runs` + where + ` ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRuns returns runs newest first, optionally filtered by status and
// start time.
func (s *SQLiteStore) LatestRuns(ctx context.Context, limit int, statuses []string, since *time.Time) ([]models.WorkflowRun, error) {
	var conds []string
	var args []interface{}
	if len(statuses) > 0 {
		conds = append(conds, `status IN (?`+strings.Repeat(",?", len(statuses)-1)+`)`)
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	if since != nil {
		conds = append(conds, `started_at >= ?`)
		args = append(args, since.UTC())
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

// Stats aggregates success rate, p95 latency, and the latest error.
func (s *SQLiteStore) Stats(ctx context.Context, since *time.Time) (models.RunStats, error) {
	var conds []string
	var args []interface{}
	if since != nil {
		conds = append(conds, `started_at >= ?`)
		args = append(args, since.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	runs, err := s.queryRuns(ctx, where, args, 0)
	if err != nil {
		return models.RunStats{}, err
	}
	return statsFromRuns(runs), nil
}

// RecipeMetrics aggregates the newest limit runs of one recipe.
func (s *SQLiteStore) RecipeMetrics(ctx context.Context, recipeID int64, limit int) (models.RecipeMetrics, error) {
	if limit <= 0 {
		limit = 200
	}
	runs, err := s.queryRuns(ctx, ` WHERE recipe_id = ?`, []interface{}{recipeID}, limit)
	if err != nil {
		return models.RecipeMetrics{}, err
	}
	return metricsFromRuns(runs), nil
}

// ---- registry -----------------------------------------------------------

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, domain, config, created_at, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		var config sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Domain, &config, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Config = unmarshalMap(config)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	var a models.Agent
	var config sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, domain, config, created_at, updated_at FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Domain, &config, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	a.Config = unmarshalMap(config)
	return &a, nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, name, domain string, config map[string]interface{}) (*models.Agent, error) {
	cfg, err := marshalMap(config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, domain, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, domain, cfg, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	id, _ := res.LastInsertId()
	return &models.Agent{ID: id, Name: name, Domain: domain, Config: config, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, id int64, domain string, config map[string]interface{}) error {
	cfg, err := marshalMap(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agents SET domain = ?, config = ?, updated_at = ? WHERE id = ?`,
		domain, cfg, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) ListRecipes(ctx context.Context) ([]models.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, yaml_path, yaml, created_at, updated_at FROM recipes ORDER BY name`)
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

func (s *SQLiteStore) GetRecipe(ctx context.Context, id int64) (*models.Recipe, error) {
	var r models.Recipe
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, yaml_path, yaml, created_at, updated_at FROM recipes WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.YAMLPath, &r.YAML, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load recipe: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) CreateRecipe(ctx context.Context, name, yamlPath, yamlText string) (*models.Recipe, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipes (name, yaml_path, yaml, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, yamlPath, yamlText, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert recipe: %w", err)
	}
	id, _ := res.LastInsertId()
	return &models.Recipe{ID: id, Name: name, YAMLPath: yamlPath, YAML: yamlText, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) UpdateRecipe(ctx context.Context, id int64, yamlPath, yamlText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipes SET yaml_path = ?, yaml = ?, updated_at = ? WHERE id = ?`,
		yamlPath, yamlText, time.Now().UTC(), id)
	return err
}

const workflowColumns = `id, name, agent_id, recipe_id, trigger_type, interval_minutes, status, enabled, last_run_at, next_run_at`

func scanWorkflow(scan func(...interface{}) error) (models.WorkflowDef, error) {
	var w models.WorkflowDef
	var interval sql.NullInt64
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := scan(&w.ID, &w.Name, &w.AgentID, &w.RecipeID, &w.TriggerType, &interval, &w.Status, &enabled, &lastRun, &nextRun)
	if err != nil {
		return w, err
	}
	if interval.Valid {
		v := int(interval.Int64)
		w.IntervalMinutes = &v
	}
	w.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		w.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		w.NextRunAt = &t
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]models.WorkflowDef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflow_defs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowDef
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDef, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_defs WHERE id = ?`, id)
	w, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, def *models.WorkflowDef) (*models.WorkflowDef, error) {
	enabled := 0
	if def.Enabled {
		enabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_defs (name, agent_id, recipe_id, trigger_type, interval_minutes, status, enabled, last_run_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Name, def.AgentID, def.RecipeID, def.TriggerType, def.IntervalMinutes, def.Status, enabled, def.LastRunAt, def.NextRunAt)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	id, _ := res.LastInsertId()
	out := *def
	out.ID = id
	return &out, nil
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, def *models.WorkflowDef) error {
	enabled := 0
	if def.Enabled {
		enabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_defs SET name = ?, agent_id = ?, recipe_id = ?, trigger_type = ?, interval_minutes = ?, status = ?, enabled = ?, last_run_at = ?, next_run_at = ?
		 WHERE id = ?`,
		def.Name, def.AgentID, def.RecipeID, def.TriggerType, def.IntervalMinutes, def.Status, enabled, def.LastRunAt, def.NextRunAt, def.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_defs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueWorkflows returns enabled interval workflows whose next run is due.
func (s *SQLiteStore) DueWorkflows(ctx context.Context, now time.Time) ([]models.WorkflowDef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_defs
		 WHERE enabled = 1 AND trigger_type = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY id`, models.TriggerInterval, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due workflows: %w", err)
	}
	defer rows.Close()
	var out []models.WorkflowDef
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
