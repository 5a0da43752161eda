package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/smaops/avops/internal/transport"
)

func includeParam(c echo.Context) []string {
	raw := c.QueryParam("include")
	if raw == "" {
		return []string{transport.TypeAgents, transport.TypeRecipes, transport.TypeWorkflows}
	}
	var include []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			include = append(include, t)
		}
	}
	return include
}

// ExportArchive streams a registry archive.
// (GET /api/v1/export?include=agents,recipes,workflows)
func (s *Server) ExportArchive(c echo.Context) error {
	data, _, err := transport.Export(c.Request().Context(), s.Store, includeParam(c), s.RecipesDir)
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Export Failed", err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+archiveFilename("avops-export")+`"`)
	return c.Blob(http.StatusOK, "application/zip", data)
}

func mergeParams(c echo.Context) (transport.MergePolicy, bool, error) {
	merge, err := transport.ParseMergePolicy(c.QueryParam("merge"))
	if err != nil {
		return "", false, err
	}
	return merge, c.QueryParam("dry_run") == "true", nil
}

// ImportArchive applies an uploaded registry archive.
// (POST /api/v1/import?merge=skip|overwrite|rename&dry_run=true)
func (s *Server) ImportArchive(c echo.Context) error {
	merge, dryRun, err := mergeParams(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", err.Error())
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil || len(data) == 0 {
		return problem(c, http.StatusBadRequest, "Invalid Request", "request body must be a zip archive")
	}
	result, err := transport.Import(c.Request().Context(), s.Store, data, s.RecipesDir, merge, dryRun)
	if err != nil {
		return problem(c, http.StatusUnprocessableEntity, "Import Failed", err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// ExportBundle streams one bundle plus the registry as an archive.
// (GET /api/v1/bundles/:id/export?include=...)
func (s *Server) ExportBundle(c echo.Context) error {
	data, err := transport.ExportBundle(c.Request().Context(), s.Store, s.Bundles, c.Param("id"), includeParam(c), s.RecipesDir)
	if err != nil {
		return bundleError(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+archiveFilename(c.Param("id"))+`"`)
	return c.Blob(http.StatusOK, "application/zip", data)
}

type importBundleResponse struct {
	Bundle interface{} `json:"bundle,omitempty"`
	Result interface{} `json:"result"`
}

// ImportBundleArchive restores a bundle archive: registry rows, recipe
// artifacts, context presets, and the bundle index entry.
// (POST /api/v1/bundles/import?merge=&dry_run=)
func (s *Server) ImportBundleArchive(c echo.Context) error {
	merge, dryRun, err := mergeParams(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid Parameter", err.Error())
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil || len(data) == 0 {
		return problem(c, http.StatusBadRequest, "Invalid Request", "request body must be a zip archive")
	}
	meta, result, err := transport.ImportBundle(c.Request().Context(), s.Store, s.Bundles, data, s.RecipesDir, merge, dryRun)
	if err != nil {
		return problem(c, http.StatusUnprocessableEntity, "Import Failed", err.Error())
	}
	return c.JSON(http.StatusOK, importBundleResponse{Bundle: meta, Result: result})
}
