package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/smaops/avops/internal/bundles"
	"github.com/smaops/avops/internal/orchestrator"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/pkg/models"
)

func bundleError(c echo.Context, err error) error {
	if errors.Is(err, bundles.ErrNotFound) {
		return problem(c, http.StatusNotFound, "Not Found", err.Error())
	}
	return problem(c, http.StatusInternalServerError, "Bundle Store Error", err.Error())
}

// ListBundles returns every compiled bundle's metadata.
// (GET /api/v1/bundles)
func (s *Server) ListBundles(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Bundles.List())
}

// GetBundle returns one bundle's metadata.
// (GET /api/v1/bundles/:id)
func (s *Server) GetBundle(c echo.Context) error {
	meta, err := s.Bundles.Get(c.Param("id"))
	if err != nil {
		return bundleError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

// DeleteBundle removes a bundle's index entry, optionally unlinking its
// recipe files and context presets.
// (DELETE /api/v1/bundles/:id?remove_files=true)
func (s *Server) DeleteBundle(c echo.Context) error {
	removeFiles := c.QueryParam("remove_files") == "true"
	if err := s.Bundles.Delete(c.Param("id"), removeFiles); err != nil {
		return bundleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type runBundleRequest struct {
	Context     map[string]interface{} `json:"context"`
	ContextName string                 `json:"context_name"`
}

type runBundleResponse struct {
	RunID int64                      `json:"run_id"`
	State *orchestrator.PipelineState `json:"state"`
}

// RunBundle executes a compiled bundle's fixed-agent pipeline and records
// the execution as a durable run. The request context map can be replaced
// by a saved preset via context_name.
// (POST /api/v1/bundles/:id/run)
func (s *Server) RunBundle(c echo.Context) error {
	ctx := c.Request().Context()
	bundleID := c.Param("id")

	meta, err := s.Bundles.Get(bundleID)
	if err != nil {
		return bundleError(c, err)
	}

	var req runBundleRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	runCtx := req.Context
	if req.ContextName != "" {
		if preset := s.Bundles.LoadContext(bundleID, req.ContextName); preset != nil {
			runCtx = preset
		} else {
			return problem(c, http.StatusNotFound, "Not Found",
				fmt.Sprintf("context preset %q not found for bundle %s", req.ContextName, bundleID))
		}
	}
	if runCtx == nil {
		runCtx = map[string]interface{}{}
	}

	runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", "bundle")))
	rec, err := s.Store.BeginRun(ctx, bundleID, meta.DisplayName, nil, nil, models.TriggerManual,
		map[string]interface{}{"bundle_id": bundleID})
	if err != nil {
		return storeError(c, err)
	}

	state, runErr := s.Runner.RunOrchestratedWorkflow(ctx, s.DataDir, meta.OrchestratorPath, runCtx)
	if runErr != nil {
		_ = rec.Finish(ctx, runErr)
		return problem(c, http.StatusUnprocessableEntity, "Bundle Run Failed", runErr.Error())
	}

	for _, h := range state.History {
		level, status := "info", "ok"
		if h.Status != "" {
			status = h.Status
		}
		if h.Error != "" {
			level, status = "error", "error"
		}
		opts := []repository.StepOption{
			repository.WithLevel(level), repository.WithStatus(status),
		}
		if h.Result != nil {
			opts = append(opts, repository.WithResult(h.Result))
		}
		msg := h.Step
		if h.Call != "" {
			msg = fmt.Sprintf("%s (%s)", h.Step, h.Call)
		}
		if serr := rec.Step(ctx, h.Agent, msg, opts...); serr != nil {
			_ = rec.Finish(ctx, serr)
			return storeError(c, serr)
		}
	}

	var terminal error
	if state.Failed {
		terminal = fmt.Errorf("verification failed")
	}
	if err := rec.Finish(ctx, terminal); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, runBundleResponse{RunID: rec.RunID(), State: state})
}

// ListBundleContexts maps preset names to their file paths.
// (GET /api/v1/bundles/:id/contexts)
func (s *Server) ListBundleContexts(c echo.Context) error {
	if _, err := s.Bundles.Get(c.Param("id")); err != nil {
		return bundleError(c, err)
	}
	return c.JSON(http.StatusOK, s.Bundles.ListContexts(c.Param("id")))
}

type saveContextRequest struct {
	Name    string                 `json:"name"`
	Context map[string]interface{} `json:"context"`
}

// SaveBundleContext stores a named context preset for a bundle.
// (POST /api/v1/bundles/:id/contexts)
func (s *Server) SaveBundleContext(c echo.Context) error {
	bundleID := c.Param("id")
	if _, err := s.Bundles.Get(bundleID); err != nil {
		return bundleError(c, err)
	}
	var req saveContextRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return problem(c, http.StatusBadRequest, "Invalid Request", "preset name is required")
	}
	path, err := s.Bundles.SaveContext(bundleID, req.Name, req.Context)
	if err != nil {
		return bundleError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": req.Name, "path": path})
}

// DeleteBundleContext removes a saved preset.
// (DELETE /api/v1/bundles/:id/contexts/:name)
func (s *Server) DeleteBundleContext(c echo.Context) error {
	if !s.Bundles.DeleteContext(c.Param("id"), c.Param("name")) {
		return problem(c, http.StatusNotFound, "Not Found", "context preset not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// archiveFilename derives a download name from a bundle id.
func archiveFilename(prefix string) string {
	return fmt.Sprintf("%s-%s.zip", prefix, time.Now().UTC().Format("20060102-150405"))
}
