package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/browser"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/project/models"
)

// projectLister is the slice of the project store the dispatcher needs for
// fallback project resolution.
type projectLister interface {
	ListProjects(ctx context.Context) ([]*models.Project, error)
}

type contextKey string

// projectIDKey carries the ambient project id on in-process tool calls.
const projectIDKey contextKey = "mcp_project_id"

// WithProjectID returns a context carrying the ambient project id for tool
// calls made on behalf of a chat session.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey, projectID)
}

// Server exposes the browser tool set over MCP. The same handlers serve the
// stdio transport and direct in-process calls.
type Server struct {
	mcp      *server.MCPServer
	browsers *browser.Manager
	projects projectLister
	control  *Controller
	logger   *logger.Logger

	handlers map[string]server.ToolHandlerFunc
}

// NewServer creates the MCP dispatcher and registers the tool set. Tab
// switches and closes release the project's control lock.
func NewServer(browsers *browser.Manager, projects projectLister, log *logger.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"atelier-mcp",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		browsers: browsers,
		projects: projects,
		control:  NewController(log),
		logger:   log.WithFields(zap.String("component", "mcp_dispatcher")),
		handlers: make(map[string]server.ToolHandlerFunc),
	}
	s.registerTools()
	browsers.OnTabChange(s.control.Release)
	return s
}

// Control returns the per-project control lock registry.
func (s *Server) Control() *Controller {
	return s.control
}

// ServeStdio runs the child-process stdio transport until the context is
// cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(
		func(base context.Context) context.Context { return base },
	))
}

// addTool registers a tool with both the MCP server and the in-process
// dispatch table.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
	s.handlers[tool.Name] = handler
}

// CallTool invokes a tool in-process, without a transport round trip.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return handler(ctx, req)
}

// resolveProject builds the per-call project id: explicit argument, then the
// ambient MCP context, then the first available project with a warning.
func (s *Server) resolveProject(ctx context.Context, req mcp.CallToolRequest) (string, error) {
	if id := req.GetString("project_id", ""); id != "" {
		return id, nil
	}
	if id, ok := ctx.Value(projectIDKey).(string); ok && id != "" {
		return id, nil
	}

	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list projects: %w", err)
	}
	if len(projects) == 0 {
		return "", fmt.Errorf("no projects available")
	}
	s.logger.Warn("tool call without project_id, falling back to first project",
		zap.String("project_id", projects[0].ID))
	return projects[0].ID, nil
}
