package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/task/service"
)

// mcpActor attributes MCP-originated commands in the event log.
const mcpActor = "mcp"

func registerTools(s *server.MCPServer, svc *service.Service, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List all tasks with their current status."),
		),
		listTasksHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a single task including its todo list, pending interaction and children."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to fetch"),
			),
		),
		getTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task to be executed by an agent."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The task title"),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent that will execute the task"),
			),
			mcp.WithString("intent",
				mcp.Description("A longer description of what the task should accomplish (optional)"),
			),
			mcp.WithString("priority",
				mcp.Description("Task priority: low, medium, high (optional)"),
			),
		),
		createTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("add_instruction",
			mcp.WithDescription("Send an instruction to a task. Running tasks pick it up at the next safe point; finished tasks are revived."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to instruct"),
			),
			mcp.WithString("instruction",
				mcp.Required(),
				mcp.Description("The instruction text"),
			),
		),
		addInstructionHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a task. Cancellation is permanent."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to cancel"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the task is being canceled (optional)"),
			),
		),
		cancelTaskHandler(svc),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func listTasksHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		views, err := svc.ListTasks(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}
		return jsonResult(views)
	}
}

func getTaskHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		view, err := svc.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}
		return jsonResult(view)
	}
}

func createTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		taskID, err := svc.CreateTask(ctx, service.CreateTaskParams{
			Title:    title,
			AgentID:  agentID,
			Intent:   req.GetString("intent", ""),
			Priority: events.Priority(req.GetString("priority", "")),
			ActorID:  mcpActor,
		})
		if err != nil {
			log.Error("mcp create task failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create task: %v", err)), nil
		}
		return jsonResult(map[string]string{"task_id": taskID})
	}
}

func addInstructionHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		instruction, err := req.RequireString("instruction")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := svc.AddInstruction(ctx, taskID, mcpActor, instruction); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to add instruction: %v", err)), nil
		}
		return jsonResult(map[string]bool{"success": true})
	}
}

func cancelTaskHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		reason := req.GetString("reason", "Canceled via MCP")
		if err := svc.CancelTask(ctx, taskID, mcpActor, reason); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel task: %v", err)), nil
		}
		return jsonResult(map[string]bool{"success": true})
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
