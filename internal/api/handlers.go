// Package api contains the HTTP handlers for the orchestration service.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/smaops/avops/internal/bundles"
	"github.com/smaops/avops/internal/logging"
	"github.com/smaops/avops/internal/orchestrator"
	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/internal/workflow"
)

// Server holds the dependencies for the API server.
type Server struct {
	Store      repository.Store
	Bundles    *bundles.Store
	Compiler   *recipes.Compiler
	Runner     *orchestrator.Runner
	Workflows  *workflow.Service
	DataDir    string
	RecipesDir string
	Log        *logging.Logger
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "avops",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string) error {
	p := ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, p)
}

// storeError maps repository errors onto problem responses.
func storeError(c echo.Context, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusNotFound, "Not Found", err.Error())
	}
	return problem(c, http.StatusInternalServerError, "Storage Error", err.Error())
}

// RegisterRoutes mounts every API route on the group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/runs", s.ListRuns)
	g.GET("/runs/:id", s.GetRun)
	g.GET("/stats", s.GetStats)

	g.GET("/agents", s.ListAgents)
	g.POST("/agents", s.CreateAgent)

	g.GET("/recipes", s.ListRecipes)
	g.POST("/recipes", s.CreateRecipe)
	g.POST("/recipes/validate", s.ValidateRecipe)
	g.GET("/recipes/:id/metrics", s.GetRecipeMetrics)

	g.POST("/sop/recipe", s.CompileSOPRecipe)
	g.POST("/sop/compile", s.CompileSOPBundle)

	g.GET("/bundles", s.ListBundles)
	g.GET("/bundles/:id", s.GetBundle)
	g.DELETE("/bundles/:id", s.DeleteBundle)
	g.POST("/bundles/:id/run", s.RunBundle)
	g.GET("/bundles/:id/contexts", s.ListBundleContexts)
	g.POST("/bundles/:id/contexts", s.SaveBundleContext)
	g.DELETE("/bundles/:id/contexts/:name", s.DeleteBundleContext)
	g.GET("/bundles/:id/export", s.ExportBundle)
	g.POST("/bundles/import", s.ImportBundleArchive)

	g.GET("/export", s.ExportArchive)
	g.POST("/import", s.ImportArchive)

	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow)
	g.PUT("/workflows/:id", s.UpdateWorkflow)
	g.DELETE("/workflows/:id", s.DeleteWorkflow)
	g.POST("/workflows/:id/run", s.RunWorkflow)
	g.POST("/workflows/tick", s.TickWorkflows)
}
