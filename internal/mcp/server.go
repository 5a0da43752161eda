package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/internal/workflow"
)

type Server struct {
	mcpServer *server.MCPServer
	store     repository.Store
	compiler  *recipes.Compiler
	workflows *workflow.Service
}

func NewServer(store repository.Store, compiler *recipes.Compiler, workflows *workflow.Service) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"AV Ops Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		store:     store,
		compiler:  compiler,
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"compile_sop",
			mcp.WithDescription("Compile SOP text into an orchestrator bundle of fixed-agent recipes"),
			mcp.WithString("sop", mcp.Required(), mcp.Description("The SOP text to compile")),
			mcp.WithString("name", mcp.Description("Display name for the resulting bundle")),
		),
		s.handleCompileSOP,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_recipe",
			mcp.WithDescription("Validate recipe YAML against the required key set"),
			mcp.WithString("yaml", mcp.Required(), mcp.Description("The recipe YAML text")),
		),
		s.handleValidateRecipe,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Trigger a registered workflow immediately"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("The workflow id")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Fetch a run with its step events and artifacts"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("The run id")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"tick_workflows",
			mcp.WithDescription("Run one scheduler pass over due interval workflows"),
		),
		s.handleTick,
	)
}

func (s *Server) handleCompileSOP(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	sop, ok := args["sop"].(string)
	if !ok || strings.TrimSpace(sop) == "" {
		return mcp.NewToolResultError("Missing required parameter: sop"), nil
	}
	compileCtx := map[string]interface{}{}
	if name, ok := args["name"].(string); ok && name != "" {
		compileCtx["name"] = name
	}

	paths, err := s.compiler.CompileSOPToBundle(sop, compileCtx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compile: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(paths)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleValidateRecipe(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	yamlText, ok := args["yaml"].(string)
	if !ok || yamlText == "" {
		return mcp.NewToolResultError("Missing required parameter: yaml"), nil
	}

	valid, msg := recipes.ValidateYAMLText(yamlText)
	jsonBytes, _ := json.Marshal(map[string]interface{}{"ok": valid, "message": msg})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(float64)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	runID, err := s.workflows.RunNow(ctx, int64(id))
	if err != nil && runID == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow: %v", err)), nil
	}
	out := map[string]interface{}{"run_id": runID}
	if err != nil {
		out["error"] = err.Error()
	}
	jsonBytes, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(float64)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	run, err := s.store.GetRun(ctx, int64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(run)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleTick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.workflows.Tick(ctx, time.Now().UTC())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Tick failed: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(report)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
