package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// ListRuns returns the most recent runs, newest first.
// (GET /api/v1/runs?limit=&status=&since_hours=)
func (s *Server) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return problem(c, http.StatusBadRequest, "Invalid Parameter", "limit must be a positive integer")
		}
		limit = n
	}

	var statuses []string
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, st)
			}
		}
	}

	since, perr := sinceParam(c)
	if perr != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", perr.Error())
	}

	runs, err := s.Store.LatestRuns(ctx, limit, statuses, since)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns one run with its step events and artifacts.
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", "run id must be an integer")
	}
	run, err := s.Store.GetRun(ctx, id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetStats aggregates run outcomes over a window.
// (GET /api/v1/stats?since_hours=)
func (s *Server) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	since, perr := sinceParam(c)
	if perr != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", perr.Error())
	}
	stats, err := s.Store.Stats(ctx, since)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// GetRecipeMetrics summarizes the recent runs of one recipe.
// (GET /api/v1/recipes/:id/metrics?limit=)
func (s *Server) GetRecipeMetrics(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", "recipe id must be an integer")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return problem(c, http.StatusBadRequest, "Invalid Parameter", "limit must be a positive integer")
		}
		limit = n
	}
	metrics, err := s.Store.RecipeMetrics(ctx, id, limit)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, metrics)
}

func sinceParam(c echo.Context) (*time.Time, error) {
	raw := c.QueryParam("since_hours")
	if raw == "" {
		return nil, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 {
		return nil, errors.New("since_hours must be a positive number")
	}
	t := time.Now().UTC().Add(-time.Duration(hours * float64(time.Hour)))
	return &t, nil
}
