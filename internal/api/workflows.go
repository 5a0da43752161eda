package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ListWorkflows returns every workflow definition.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	wfs, err := s.Store.ListWorkflows(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, wfs)
}

type workflowRequest struct {
	Name            string `json:"name"`
	AgentID         int64  `json:"agent_id"`
	RecipeID        int64  `json:"recipe_id"`
	Trigger         string `json:"trigger"`
	IntervalMinutes *int   `json:"interval_minutes"`
	Enabled         bool   `json:"enabled"`
}

// CreateWorkflow registers a workflow binding an agent to a recipe.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	def, err := s.Workflows.CreateWorkflow(c.Request().Context(), req.Name, req.AgentID, req.RecipeID, req.Trigger, req.IntervalMinutes, req.Enabled)
	if err != nil {
		return problem(c, http.StatusUnprocessableEntity, "Invalid Workflow", err.Error())
	}
	return c.JSON(http.StatusCreated, def)
}

// UpdateWorkflow rewrites a workflow definition.
// (PUT /api/v1/workflows/:id)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", "workflow id must be an integer")
	}
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	def, err := s.Workflows.UpdateWorkflow(c.Request().Context(), id, req.Name, req.AgentID, req.RecipeID, req.Trigger, req.IntervalMinutes, req.Enabled)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// DeleteWorkflow removes a workflow definition. Its runs remain.
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", "workflow id must be an integer")
	}
	if err := s.Workflows.DeleteWorkflow(c.Request().Context(), id); err != nil {
		return storeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type runWorkflowResponse struct {
	RunID int64  `json:"run_id"`
	Error string `json:"error,omitempty"`
}

// RunWorkflow triggers a workflow immediately. A pipeline failure still
// returns the recorded run id.
// (POST /api/v1/workflows/:id/run)
func (s *Server) RunWorkflow(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", "workflow id must be an integer")
	}
	runsStarted.Add(c.Request().Context(), 1, metric.WithAttributes(attribute.String("trigger", "manual")))
	runID, runErr := s.Workflows.RunNow(c.Request().Context(), id)
	if runErr != nil {
		if runID == 0 {
			return storeError(c, runErr)
		}
		return c.JSON(http.StatusOK, runWorkflowResponse{RunID: runID, Error: runErr.Error()})
	}
	return c.JSON(http.StatusOK, runWorkflowResponse{RunID: runID})
}

// TickWorkflows runs one scheduler pass over due interval workflows.
// (POST /api/v1/workflows/tick)
func (s *Server) TickWorkflows(c echo.Context) error {
	report, err := s.Workflows.Tick(c.Request().Context(), time.Now().UTC())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
