package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/smaops/avops/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	store, err := NewPostgresStore(ctx, connStr)
	require.NoError(t, err)
	defer store.Close()

	t.Run("run lifecycle", func(t *testing.T) {
		rec, err := store.BeginRun(ctx, "wf-1", "pg run", nil, nil, models.TriggerManual,
			map[string]interface{}{"source": "test"})
		require.NoError(t, err)

		require.NoError(t, rec.Step(ctx, "intake", "collected"))
		require.NoError(t, rec.Artifact(ctx, "kb_article", "report", WithExternalID("kb-1")))
		require.NoError(t, rec.Finish(ctx, nil))

		run, err := store.GetRun(ctx, rec.RunID())
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSuccess, run.Status)
		assert.Equal(t, "test", run.Meta["source"])
		require.Len(t, run.Steps, 1)
		require.Len(t, run.Artifacts, 1)
		require.NotNil(t, run.FinishedAt)
	})

	t.Run("status filter and stats", func(t *testing.T) {
		rec, err := store.BeginRun(ctx, "wf-2", "failing run", nil, nil, "", nil)
		require.NoError(t, err)
		require.NoError(t, rec.Finish(ctx, errors.New("link down")))

		failed, err := store.LatestRuns(ctx, 10, []string{models.RunStatusFailed}, nil)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "*errors.errorString: link down", failed[0].Error)

		stats, err := store.Stats(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Runs)
		assert.Equal(t, "*errors.errorString: link down", stats.LastError)
	})

	t.Run("registry and due workflows", func(t *testing.T) {
		agent, err := store.CreateAgent(ctx, "pg agent", "av", map[string]interface{}{"zone": "east"})
		require.NoError(t, err)
		recipe, err := store.CreateRecipe(ctx, "pg recipe", "pg-recipe.yaml", "name: pg recipe\n")
		require.NoError(t, err)

		interval := 5
		past := time.Now().UTC().Add(-time.Minute)
		def, err := store.CreateWorkflow(ctx, &models.WorkflowDef{
			Name:            "pg workflow",
			AgentID:         agent.ID,
			RecipeID:        recipe.ID,
			TriggerType:     models.TriggerInterval,
			IntervalMinutes: &interval,
			Status:          "yellow",
			Enabled:         true,
			NextRunAt:       &past,
		})
		require.NoError(t, err)

		due, err := store.DueWorkflows(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, def.ID, due[0].ID)

		_, err = store.GetWorkflow(ctx, def.ID+100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
