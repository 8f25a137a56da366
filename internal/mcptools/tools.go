package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/atelier-dev/atelier/internal/browser"
)

// agentHolder is the control-lock identity for MCP-driven actions.
const agentHolder = "mcp-agent"

func (s *Server) registerTools() {
	s.addTool(
		mcp.NewTool("tabs",
			mcp.WithDescription("Manage browser preview tabs: list them, open a new one, switch the active tab, or close one."),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("One of: list, open, switch, close"),
			),
			mcp.WithString("project_id",
				mcp.Description("Project to operate on (defaults to the session's project)"),
			),
			mcp.WithString("url",
				mcp.Description("URL to load when action=open"),
			),
			mcp.WithString("tab_id",
				mcp.Description("Tab to switch to or close"),
			),
			mcp.WithString("device_size",
				mcp.Description("Viewport preset when action=open: desktop, laptop, tablet, mobile"),
			),
		),
		s.tabsHandler(),
	)

	s.addTool(
		mcp.NewTool("navigate",
			mcp.WithDescription("Navigate the active browser tab to a URL."),
			mcp.WithString("url",
				mcp.Required(),
				mcp.Description("The URL to load"),
			),
			mcp.WithString("project_id",
				mcp.Description("Project to operate on (defaults to the session's project)"),
			),
		),
		s.navigateHandler(),
	)

	s.addTool(
		mcp.NewTool("actions",
			mcp.WithDescription("Run a sequence of page interactions against the active tab. Each action is one of click, type, move, scroll, wait, extract_data."),
			mcp.WithArray("actions",
				mcp.Required(),
				mcp.Description("Ordered action list. click: {selector|x,y}; type: {selector, text, clear_first?}; move: {x,y}; scroll: {delta_x,delta_y}; wait: {duration_ms|selector}; extract_data: {selector, attribute?}"),
			),
			mcp.WithString("project_id",
				mcp.Description("Project to operate on (defaults to the session's project)"),
			),
		),
		s.actionsHandler(),
	)

	s.addTool(
		mcp.NewTool("analyze_dom",
			mcp.WithDescription("Analyze the active tab's DOM: navigation links, structure, content paragraphs, forms, and a page summary."),
			mcp.WithArray("include",
				mcp.Description("Sections to include: navigation, structure, content, forms. Empty means all."),
			),
			mcp.WithString("project_id",
				mcp.Description("Project to operate on (defaults to the session's project)"),
			),
		),
		s.analyzeDOMHandler(),
	)

	s.addTool(
		mcp.NewTool("screenshot",
			mcp.WithDescription("Capture the active tab's viewport as a PNG. This is the expensive path; prefer analyze_dom for structure."),
			mcp.WithString("project_id",
				mcp.Description("Project to operate on (defaults to the session's project)"),
			),
		),
		s.screenshotHandler(),
	)

	s.addTool(
		mcp.NewTool("console",
			mcp.WithDescription("Read, clear, or execute in the active tab's console."),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("One of: get, clear, execute"),
			),
			mcp.WithString("expression",
				mcp.Description("JavaScript to run when action=execute"),
			),
			mcp.WithString("project_id",
				mcp.Description("Project to operate on (defaults to the session's project)"),
			),
		),
		s.consoleHandler(),
	)
}

// withControl resolves the project and takes the control lock before running
// the tool body.
func (s *Server) withControl(fn func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := s.resolveProject(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !s.control.Acquire(projectID, agentHolder) {
			return mcp.NewToolResultError("the browser is currently controlled by another client; retry once it is idle"), nil
		}
		result, err := fn(ctx, req, projectID)
		if err == nil {
			s.control.Touch(projectID, agentHolder)
		}
		return result, err
	}
}

func toolJSON(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func (s *Server) tabsHandler() server.ToolHandlerFunc {
	return s.withControl(func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error) {
		action, err := req.RequireString("action")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		svc := s.browsers.ServiceFor(projectID)

		switch action {
		case "list":
			return toolJSON(map[string]interface{}{"tabs": svc.ListTabs()}), nil
		case "open":
			tab, err := svc.OpenTab(ctx, req.GetString("url", ""),
				browser.DeviceSize(req.GetString("device_size", "")), "")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return toolJSON(tab), nil
		case "switch":
			tabID, err := req.RequireString("tab_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			tab, err := svc.SwitchTab(tabID)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return toolJSON(tab), nil
		case "close":
			tabID, err := req.RequireString("tab_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if err := svc.CloseTab(ctx, tabID); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("tab closed"), nil
		default:
			return mcp.NewToolResultError("action must be one of: list, open, switch, close"), nil
		}
	})
}

func (s *Server) navigateHandler() server.ToolHandlerFunc {
	return s.withControl(func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tab, err := s.browsers.ServiceFor(projectID).Navigate(url)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(tab), nil
	})
}

func (s *Server) actionsHandler() server.ToolHandlerFunc {
	return s.withControl(func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error) {
		raw, ok := req.GetArguments()["actions"]
		if !ok {
			return mcp.NewToolResultError("actions is required"), nil
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse actions: %v", err)), nil
		}
		var actions []browser.Action
		if err := json.Unmarshal(encoded, &actions); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse actions: %v", err)), nil
		}
		if len(actions) == 0 {
			return mcp.NewToolResultError("actions must not be empty"), nil
		}

		tab, err := s.browsers.ServiceFor(projectID).ActiveTab()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(map[string]interface{}{"results": tab.RunActions(actions)}), nil
	})
}

func (s *Server) analyzeDOMHandler() server.ToolHandlerFunc {
	return s.withControl(func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error) {
		var include []string
		if raw, ok := req.GetArguments()["include"]; ok {
			encoded, _ := json.Marshal(raw)
			_ = json.Unmarshal(encoded, &include)
		}

		tab, err := s.browsers.ServiceFor(projectID).ActiveTab()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := tab.AnalyzeDOM(include)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}

func (s *Server) screenshotHandler() server.ToolHandlerFunc {
	return s.withControl(func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error) {
		tab, err := s.browsers.ServiceFor(projectID).ActiveTab()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := tab.Screenshot()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultImage("viewport screenshot", data, "image/png"), nil
	})
}

func (s *Server) consoleHandler() server.ToolHandlerFunc {
	return s.withControl(func(ctx context.Context, req mcp.CallToolRequest, projectID string) (*mcp.CallToolResult, error) {
		action, err := req.RequireString("action")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tab, err := s.browsers.ServiceFor(projectID).ActiveTab()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		switch action {
		case "get":
			return toolJSON(map[string]interface{}{"entries": tab.ConsoleEntries()}), nil
		case "clear":
			tab.ClearConsole()
			return mcp.NewToolResultText("console cleared"), nil
		case "execute":
			expression, err := req.RequireString("expression")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			value, err := tab.Evaluate(expression)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(string(value)), nil
		default:
			return mcp.NewToolResultError("action must be one of: get, clear, execute"), nil
		}
	})
}
