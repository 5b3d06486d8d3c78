// Package tools exposes an in-session MCP tool surface so a running agent
// can look up a task by id and list every question, from any session, still
// waiting on a chat reply, instead of only seeing the prompt it was started
// with.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/question"
	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

// QuestionLister is the subset of question.Router this package depends on.
type QuestionLister interface {
	List() []question.Pending
}

// Config wires the two collaborators the tool handlers read from.
type Config struct {
	Store     taskstore.Store
	Questions QuestionLister
}

// New builds an MCP server exposing get_task and list_pending_questions over
// the given config. Callers serve it over whatever transport they need
// (stdio, SSE, streamable HTTP); this package only registers tools.
func New(cfg Config, log *logger.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"trafficcontrol-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s, cfg, log)
	return s
}

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Fetch a task's current title, description, priority, status, and acceptance criteria by id."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task id to fetch"),
			),
		),
		getTaskHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_pending_questions",
			mcp.WithDescription("List every agent question currently waiting on a chat reply, across all sessions."),
		),
		listPendingQuestionsHandler(cfg, log),
	)
}

func getTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := cfg.Store.GetTask(taskID)
		if err != nil {
			log.WithError(err).Warn("get_task failed")
			return mcp.NewToolResultError(fmt.Sprintf("failed to fetch task %s: %v", taskID, err)), nil
		}

		formatted, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode task: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listPendingQuestionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending := cfg.Questions.List()
		if pending == nil {
			pending = []question.Pending{}
		}
		formatted, err := json.MarshalIndent(pending, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode pending questions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
