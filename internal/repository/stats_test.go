package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smaops/avops/pkg/models"
)

func TestQuantile(t *testing.T) {
	t.Run("empty returns zero", func(t *testing.T) {
		assert.Equal(t, 0.0, Quantile(nil, 0.95))
	})

	t.Run("single sample", func(t *testing.T) {
		assert.Equal(t, 42.0, Quantile([]float64{42}, 0.95))
	})

	t.Run("interpolates between neighbours", func(t *testing.T) {
		// idx = 3 * 0.95 = 2.85 -> 30 + 0.85*(40-30)
		assert.InDelta(t, 38.5, Quantile([]float64{10, 20, 30, 40}, 0.95), 1e-9)
	})

	t.Run("median of unsorted input", func(t *testing.T) {
		assert.InDelta(t, 20.0, Quantile([]float64{30, 10, 20}, 0.5), 1e-9)
	})

	t.Run("bounds clamp", func(t *testing.T) {
		xs := []float64{5, 1, 9}
		assert.Equal(t, 1.0, Quantile(xs, 0))
		assert.Equal(t, 9.0, Quantile(xs, 1))
	})
}

type flakyError struct{ msg string }

func (e *flakyError) Error() string { return e.msg }

func TestErrorString(t *testing.T) {
	assert.Equal(t, "*errors.errorString: boom", errorString(errors.New("boom")))
	assert.Equal(t, "*repository.flakyError: device offline", errorString(&flakyError{msg: "device offline"}))
	assert.Equal(t, "*fmt.wrapError: outer: inner", errorString(fmt.Errorf("outer: %w", errors.New("inner"))))
}

func dur(v float64) *float64 { return &v }

func TestStatsFromRuns(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := statsFromRuns(nil)
		assert.Equal(t, 0, s.Runs)
		assert.Equal(t, 0.0, s.SuccessRate)
		assert.Empty(t, s.LastError)
	})

	t.Run("aggregates newest first", func(t *testing.T) {
		runs := []models.WorkflowRun{
			{Status: models.RunStatusSuccess, DurationMS: dur(40)},
			{Status: models.RunStatusFailed, DurationMS: dur(30), Error: "*errors.errorString: recent"},
			{Status: models.RunStatusSuccess, DurationMS: dur(20)},
			{Status: models.RunStatusFailed, DurationMS: dur(10), Error: "*errors.errorString: old"},
		}
		s := statsFromRuns(runs)
		assert.Equal(t, 4, s.Runs)
		assert.InDelta(t, 50.0, s.SuccessRate, 1e-9)
		assert.InDelta(t, 38.5, s.P95MS, 1e-9)
		assert.Equal(t, "*errors.errorString: recent", s.LastError)
	})

	t.Run("zero durations excluded from p95", func(t *testing.T) {
		runs := []models.WorkflowRun{
			{Status: models.RunStatusSuccess, DurationMS: dur(0)},
			{Status: models.RunStatusSuccess, DurationMS: dur(100)},
			{Status: models.RunStatusSuccess},
		}
		s := statsFromRuns(runs)
		assert.InDelta(t, 100.0, s.P95MS, 1e-9)
	})
}

func TestMetricsFromRuns(t *testing.T) {
	t.Run("no runs", func(t *testing.T) {
		m := metricsFromRuns(nil)
		assert.Equal(t, "unknown", m.LastStatus)
		assert.Equal(t, 0, m.Runs)
	})

	t.Run("window aggregate", func(t *testing.T) {
		runs := []models.WorkflowRun{
			{Status: models.RunStatusFailed, DurationMS: dur(50)},
			{Status: models.RunStatusSuccess, DurationMS: dur(150)},
		}
		m := metricsFromRuns(runs)
		assert.Equal(t, 2, m.Runs)
		assert.InDelta(t, 50.0, m.SuccessRate, 1e-9)
		assert.Equal(t, models.RunStatusFailed, m.LastStatus)
		assert.InDelta(t, 100.0, m.AvgMS, 1e-9)
	})
}
