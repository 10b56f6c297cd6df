package websocket

import (
	"context"
	"errors"
	"strings"

	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/task/service"
	ws "github.com/taskforge/taskforge/pkg/websocket"
)

// RegisterHandlers wires every task and interaction action onto the
// dispatcher. Commands go through the Task Service; the runtime reacts to the
// appended events, never to the gateway directly.
func RegisterHandlers(d *ws.Dispatcher, svc *service.Service) {
	d.RegisterFunc(ws.ActionHealthCheck, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "taskforge",
			"actions": d.Actions(),
		})
	})

	d.RegisterFunc(ws.ActionTaskCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Title        string `json:"title"`
			Intent       string `json:"intent"`
			Priority     string `json:"priority"`
			AgentID      string `json:"agent_id"`
			ParentTaskID string `json:"parent_task_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		taskID, err := svc.CreateTask(ctx, service.CreateTaskParams{
			Title:        req.Title,
			Intent:       req.Intent,
			Priority:     events.Priority(req.Priority),
			AgentID:      req.AgentID,
			ParentTaskID: req.ParentTaskID,
			ActorID:      clientActor,
		})
		if err != nil {
			return serviceError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"task_id": taskID})
	})

	d.RegisterFunc(ws.ActionTaskList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		tasks, err := svc.ListTasks(ctx)
		if err != nil {
			return serviceError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"tasks": tasks})
	})

	d.RegisterFunc(ws.ActionTaskGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		req, errMsg := taskIDPayload(msg)
		if errMsg != nil {
			return errMsg, nil
		}
		view, err := svc.GetTask(ctx, req.TaskID)
		if err != nil {
			return serviceError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"task": view})
	})

	d.RegisterFunc(ws.ActionTaskChildren, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		req, errMsg := taskIDPayload(msg)
		if errMsg != nil {
			return errMsg, nil
		}
		children, err := svc.Children(ctx, req.TaskID)
		if err != nil {
			return serviceError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"tasks": children})
	})

	d.RegisterFunc(ws.ActionTaskCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TaskID string `json:"task_id"`
			Reason string `json:"reason"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Reason == "" {
			req.Reason = "Canceled by user"
		}
		if err := svc.CancelTask(ctx, req.TaskID, clientActor, req.Reason); err != nil {
			return serviceError(msg, err)
		}
		return okResponse(msg)
	})

	d.RegisterFunc(ws.ActionTaskPause, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		req, errMsg := taskIDPayload(msg)
		if errMsg != nil {
			return errMsg, nil
		}
		if err := svc.PauseTask(ctx, req.TaskID, clientActor); err != nil {
			return serviceError(msg, err)
		}
		return okResponse(msg)
	})

	d.RegisterFunc(ws.ActionTaskResume, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		req, errMsg := taskIDPayload(msg)
		if errMsg != nil {
			return errMsg, nil
		}
		if err := svc.ResumeTask(ctx, req.TaskID, clientActor); err != nil {
			return serviceError(msg, err)
		}
		return okResponse(msg)
	})

	d.RegisterFunc(ws.ActionTaskInstruction, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TaskID      string `json:"task_id"`
			Instruction string `json:"instruction"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if strings.TrimSpace(req.Instruction) == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "instruction is required", nil)
		}
		if err := svc.AddInstruction(ctx, req.TaskID, clientActor, req.Instruction); err != nil {
			return serviceError(msg, err)
		}
		return okResponse(msg)
	})

	d.RegisterFunc(ws.ActionTaskTodos, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TaskID string            `json:"task_id"`
			Todos  []events.TodoItem `json:"todos"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if err := svc.UpdateTodoList(ctx, req.TaskID, clientActor, req.Todos); err != nil {
			return serviceError(msg, err)
		}
		return okResponse(msg)
	})

	d.RegisterFunc(ws.ActionInteractionRespond, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TaskID   string               `json:"task_id"`
			Response interaction.Response `json:"response"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if err := svc.RespondToInteraction(ctx, req.TaskID, clientActor, req.Response); err != nil {
			return serviceError(msg, err)
		}
		return okResponse(msg)
	})

	d.RegisterFunc(ws.ActionInteractionPending, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		req, errMsg := taskIDPayload(msg)
		if errMsg != nil {
			return errMsg, nil
		}
		pending, err := svc.PendingInteraction(ctx, req.TaskID)
		if err != nil {
			return serviceError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"interaction": pending})
	})

	d.RegisterFunc(ws.ActionEventsSince, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			AfterID int64 `json:"after_id"`
			Limit   int   `json:"limit"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		evs, truncated := svc.EventsAfter(req.AfterID, req.Limit)
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"events":    evs,
			"truncated": truncated,
		})
	})
}

// clientActor attributes gateway-originated commands in the event log.
const clientActor = "user"

type taskIDRequest struct {
	TaskID string `json:"task_id"`
}

func taskIDPayload(msg *ws.Message) (*taskIDRequest, *ws.Message) {
	var req taskIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return nil, errMsg
	}
	if req.TaskID == "" {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return nil, errMsg
	}
	return &req, nil
}

func okResponse(msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func badRequest(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
}

// serviceError maps service failures onto protocol error codes.
func serviceError(msg *ws.Message, err error) (*ws.Message, error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrStaleInteraction):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeConflict, err.Error(), nil)
	default:
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
}
