package repository

import (
	"fmt"
	"math"
	"sort"

	"github.com/smaops/avops/pkg/models"
)

// errorString renders a Go error the way the run log stores failures:
// concrete type, then message.
func errorString(err error) string {
	return fmt.Sprintf("%T: %v", err, err)
}

// Quantile returns the linear-interpolation quantile of xs. For a sorted
// list of length n, index = (n-1)*q and the result interpolates between the
// neighbouring samples weighted by the fractional part.
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := float64(len(sorted)-1) * q
	lo := int(math.Floor(idx))
	hi := lo + 1
	if hi > len(sorted)-1 {
		hi = len(sorted) - 1
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// statsFromRuns aggregates loaded runs into RunStats. Runs must be ordered
// newest first so last_error picks the most recently created failure.
func statsFromRuns(runs []models.WorkflowRun) models.RunStats {
	out := models.RunStats{}
	out.Runs = len(runs)
	if out.Runs == 0 {
		return out
	}
	succ := 0
	var durations []float64
	for _, r := range runs {
		if r.Status == models.RunStatusSuccess {
			succ++
		}
		if r.DurationMS != nil && *r.DurationMS > 0 {
			durations = append(durations, *r.DurationMS)
		}
	}
	out.SuccessRate = float64(succ) / float64(out.Runs) * 100.0
	out.P95MS = Quantile(durations, 0.95)
	for _, r := range runs {
		if r.Error != "" {
			out.LastError = r.Error
			break
		}
	}
	return out
}

// metricsFromRuns aggregates the newest-first window of one recipe's runs.
func metricsFromRuns(runs []models.WorkflowRun) models.RecipeMetrics {
	out := models.RecipeMetrics{LastStatus: "unknown"}
	out.Runs = len(runs)
	if out.Runs == 0 {
		return out
	}
	succ := 0
	var totalMS float64
	for _, r := range runs {
		if r.Status == models.RunStatusSuccess {
			succ++
		}
		if r.DurationMS != nil {
			totalMS += *r.DurationMS
		}
	}
	out.SuccessRate = float64(succ) / float64(out.Runs) * 100.0
	out.LastStatus = runs[0].Status
	out.AvgMS = totalMS / float64(out.Runs)
	return out
}
