// Package mcpserver exposes the sandbox as an MCP (Model Context Protocol)
// server over stdio. Each tool maps onto one sandbox call; results and
// domain failures come back as tool results, never protocol errors.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/boma/internal/observability"
	"github.com/jkaninda/boma/internal/protocol"
)

// Server is the MCP stdio gateway.
type Server struct {
	dispatcher observability.CallDispatcher
	logger     *slog.Logger
	mcp        *server.MCPServer
}

// New creates the MCP server and registers the sandbox tools.
func New(d observability.CallDispatcher, version string, logger *slog.Logger) *Server {
	s := &Server{
		dispatcher: d,
		logger:     logger,
		mcp: server.NewMCPServer(
			"boma",
			version,
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// Serve runs the stdio loop until stdin closes.
func (s *Server) Serve() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("shell_run",
		mcp.WithDescription("Run a shell command inside the task's sandbox and return its output."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose sandbox runs the command")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Execution deadline in seconds")),
	), s.handleShellRun)

	s.mcp.AddTool(mcp.NewTool("file_read",
		mcp.WithDescription("Read a text file from the task's workspace."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose workspace holds the file")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace-relative file path")),
	), s.handleFileRead)

	s.mcp.AddTool(mcp.NewTool("file_write",
		mcp.WithDescription("Write content to a file in the task's workspace, creating parent directories."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose workspace holds the file")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace-relative file path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), s.handleFileWrite)

	s.mcp.AddTool(mcp.NewTool("file_list",
		mcp.WithDescription("List a directory in the task's workspace."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose workspace to list")),
		mcp.WithString("path", mcp.Description("Directory path, defaults to the workspace root")),
	), s.handleFileList)

	s.mcp.AddTool(mcp.NewTool("file_remove",
		mcp.WithDescription("Remove a file or directory tree from the task's workspace."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose workspace holds the path")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace-relative path")),
	), s.handleFileRemove)

	s.mcp.AddTool(mcp.NewTool("browser_navigate",
		mcp.WithDescription("Open the task's browser if needed and navigate to a URL."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose browser navigates")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Absolute http or https URL")),
	), s.handleBrowserNavigate)

	s.mcp.AddTool(mcp.NewTool("browser_extract_text",
		mcp.WithDescription("Extract the visible text of the task browser's current page."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose browser to read")),
	), s.handleBrowserExtractText)

	s.mcp.AddTool(mcp.NewTool("screenshot",
		mcp.WithDescription("Capture a PNG screenshot of the task browser's current page, base64-encoded."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose browser to capture")),
	), s.handleScreenshot)

	s.mcp.AddTool(mcp.NewTool("session_destroy",
		mcp.WithDescription("Destroy the task's session: kill its processes, close its browser, delete its workspace."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to destroy")),
	), s.handleSessionDestroy)
}

// --- tool handlers ---

func (s *Server) handleShellRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	params := protocol.ShellRunParams{
		Command:        command,
		TimeoutSeconds: int(req.GetFloat("timeout_seconds", 0)),
	}
	return s.call(ctx, taskID, protocol.OpShellRun, params), nil
}

func (s *Server) handleFileRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, path, errResult := s.taskAndPath(req)
	if errResult != nil {
		return errResult, nil
	}
	return s.call(ctx, taskID, protocol.OpFileRead, protocol.FileReadParams{Path: path}), nil
}

func (s *Server) handleFileWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, path, errResult := s.taskAndPath(req)
	if errResult != nil {
		return errResult, nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, taskID, protocol.OpFileWrite, protocol.FileWriteParams{Path: path, Content: content}), nil
}

func (s *Server) handleFileList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, taskID, protocol.OpFileList, protocol.FileListParams{Path: req.GetString("path", "")}), nil
}

func (s *Server) handleFileRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, path, errResult := s.taskAndPath(req)
	if errResult != nil {
		return errResult, nil
	}
	return s.call(ctx, taskID, protocol.OpFileRemove, protocol.FileRemoveParams{Path: path}), nil
}

func (s *Server) handleBrowserNavigate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Opening is implicit: navigate launches the browser on first use.
	if resp := s.dispatch(ctx, taskID, protocol.OpBrowserOpen, nil); resp.Status == protocol.StatusError {
		return failureResult(resp), nil
	}
	return s.call(ctx, taskID, protocol.OpBrowserNavigate, protocol.BrowserNavigateParams{URL: url}), nil
}

func (s *Server) handleBrowserExtractText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, taskID, protocol.OpBrowserAction, protocol.BrowserActionParams{Action: protocol.ActionExtractText}), nil
}

func (s *Server) handleScreenshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, taskID, protocol.OpBrowserAction, protocol.BrowserActionParams{Action: protocol.ActionScreenshot}), nil
}

func (s *Server) handleSessionDestroy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.call(ctx, taskID, protocol.OpSessionDestroy, nil), nil
}

// --- helpers ---

func (s *Server) taskAndPath(req mcp.CallToolRequest) (taskID, path string, errResult *mcp.CallToolResult) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return "", "", mcp.NewToolResultError(err.Error())
	}
	path, err = req.RequireString("path")
	if err != nil {
		return "", "", mcp.NewToolResultError(err.Error())
	}
	return taskID, path, nil
}

// call dispatches one operation and converts the response envelope into a
// tool result.
func (s *Server) call(ctx context.Context, taskID string, op protocol.Op, params any) *mcp.CallToolResult {
	resp := s.dispatch(ctx, taskID, op, params)
	if resp.Status == protocol.StatusError {
		return failureResult(resp)
	}

	data, err := json.Marshal(resp.Result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Server) dispatch(ctx context.Context, taskID string, op protocol.Op, params any) *protocol.Response {
	req := &protocol.Request{TaskID: taskID, Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return protocol.Failure(protocol.KindIOError, fmt.Sprintf("encoding parameters: %v", err))
		}
		req.Parameters = raw
	}
	return s.dispatcher.Dispatch(ctx, req)
}

func failureResult(resp *protocol.Response) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", resp.ErrorKind, resp.ErrorDetail))
}
