package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/pkg/models"
)

// ListAgents returns every registered agent.
// (GET /api/v1/agents)
func (s *Server) ListAgents(c echo.Context) error {
	agents, err := s.Store.ListAgents(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

type createAgentRequest struct {
	Name   string                 `json:"name"`
	Domain string                 `json:"domain"`
	Config map[string]interface{} `json:"config"`
}

// CreateAgent registers an agent.
// (POST /api/v1/agents)
func (s *Server) CreateAgent(c echo.Context) error {
	var req createAgentRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return problem(c, http.StatusBadRequest, "Invalid Request", "agent name is required")
	}
	agent, err := s.Store.CreateAgent(c.Request().Context(), strings.TrimSpace(req.Name), req.Domain, req.Config)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// ListRecipes returns every stored recipe row.
// (GET /api/v1/recipes)
func (s *Server) ListRecipes(c echo.Context) error {
	rows, err := s.Store.ListRecipes(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

type createRecipeRequest struct {
	Name string `json:"name"`
	YAML string `json:"yaml"`
}

// CreateRecipe validates and stores a recipe, writing its YAML document
// under the recipes directory.
// (POST /api/v1/recipes)
func (s *Server) CreateRecipe(c echo.Context) error {
	var req createRecipeRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return problem(c, http.StatusBadRequest, "Invalid Request", "recipe name is required")
	}
	if ok, msg := recipes.ValidateYAMLText(req.YAML); !ok {
		return problem(c, http.StatusUnprocessableEntity, "Invalid Recipe", msg)
	}

	filename := models.Slugify(strings.TrimSpace(req.Name)) + ".yaml"
	if err := os.MkdirAll(s.RecipesDir, 0o755); err != nil {
		return problem(c, http.StatusInternalServerError, "Storage Error", err.Error())
	}
	if err := os.WriteFile(filepath.Join(s.RecipesDir, filename), []byte(req.YAML), 0o644); err != nil {
		return problem(c, http.StatusInternalServerError, "Storage Error", err.Error())
	}

	row, err := s.Store.CreateRecipe(c.Request().Context(), strings.TrimSpace(req.Name), filename, req.YAML)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusCreated, row)
}

type validateRequest struct {
	YAML string `json:"yaml"`
}

type validateResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ValidateRecipe checks recipe YAML without storing anything.
// (POST /api/v1/recipes/validate)
func (s *Server) ValidateRecipe(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	ok, msg := recipes.ValidateYAMLText(req.YAML)
	return c.JSON(http.StatusOK, validateResponse{OK: ok, Message: msg})
}

type sopRequest struct {
	SOP     string                 `json:"sop"`
	Name    string                 `json:"name"`
	Context map[string]interface{} `json:"context"`
}

type sopRecipeResponse struct {
	OK   bool   `json:"ok"`
	YAML string `json:"yaml"`
}

// CompileSOPRecipe converts free-form SOP text into a single recipe
// document using the line-slicing heuristic.
// (POST /api/v1/sop/recipe)
func (s *Server) CompileSOPRecipe(c echo.Context) error {
	var req sopRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	if strings.TrimSpace(req.SOP) == "" {
		return problem(c, http.StatusBadRequest, "Invalid Request", "sop text is required")
	}
	ok, yamlText := recipes.SOPToRecipeYAML(req.SOP, req.Name)
	return c.JSON(http.StatusOK, sopRecipeResponse{OK: ok, YAML: yamlText})
}

// CompileSOPBundle compiles SOP text into an orchestrator bundle: one
// orchestrator recipe, bound fixed-agent recipes, and a bundle index entry.
// (POST /api/v1/sop/compile)
func (s *Server) CompileSOPBundle(c echo.Context) error {
	var req sopRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Request", err.Error())
	}
	if strings.TrimSpace(req.SOP) == "" {
		return problem(c, http.StatusBadRequest, "Invalid Request", "sop text is required")
	}
	ctx := req.Context
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	if req.Name != "" {
		ctx["name"] = req.Name
	}
	paths, err := s.Compiler.CompileSOPToBundle(req.SOP, ctx)
	if err != nil {
		return problem(c, http.StatusUnprocessableEntity, "Compile Failed", err.Error())
	}
	return c.JSON(http.StatusCreated, paths)
}
