package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/interaction"
	"github.com/taskforge/taskforge/internal/task/service"
)

// httpActor attributes REST-originated commands in the event log.
const httpActor = "user"

// TaskHandlers serves the task REST API backed by the task service.
type TaskHandlers struct {
	svc    *service.Service
	logger *logger.Logger
}

// RegisterTaskRoutes attaches the task API under /api/v1.
func RegisterTaskRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := &TaskHandlers{svc: svc, logger: log.WithComponent("task_handlers")}

	api := router.Group("/api/v1")
	api.POST("/tasks", h.createTask)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.GET("/tasks/:id/children", h.listChildren)
	api.GET("/tasks/:id/events", h.taskEvents)
	api.POST("/tasks/:id/cancel", h.cancelTask)
	api.POST("/tasks/:id/pause", h.pauseTask)
	api.POST("/tasks/:id/resume", h.resumeTask)
	api.POST("/tasks/:id/instructions", h.addInstruction)
	api.PUT("/tasks/:id/todos", h.updateTodos)
	api.GET("/tasks/:id/interactions", h.pendingInteraction)
	api.POST("/tasks/:id/interactions", h.respondInteraction)
	api.GET("/events", h.listEvents)
	api.GET("/events/:id", h.getEvent)
}

type createTaskRequest struct {
	Title        string `json:"title" binding:"required"`
	Intent       string `json:"intent"`
	Priority     string `json:"priority"`
	AgentID      string `json:"agent_id" binding:"required"`
	ParentTaskID string `json:"parent_task_id"`
}

func (h *TaskHandlers) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID, err := h.svc.CreateTask(c.Request.Context(), service.CreateTaskParams{
		Title:        req.Title,
		Intent:       req.Intent,
		Priority:     events.Priority(req.Priority),
		AgentID:      req.AgentID,
		ParentTaskID: req.ParentTaskID,
		ActorID:      httpActor,
	})
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

func (h *TaskHandlers) listTasks(c *gin.Context) {
	views, err := h.svc.ListTasks(c.Request.Context())
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (h *TaskHandlers) getTask(c *gin.Context) {
	view, err := h.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *TaskHandlers) listChildren(c *gin.Context) {
	views, err := h.svc.Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

// taskEvents replays a single task's event stream.
func (h *TaskHandlers) taskEvents(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.svc.GetTask(c.Request.Context(), taskID); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.svc.ReplayStream(taskID)})
}

func (h *TaskHandlers) cancelTask(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for cancel.
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "Canceled by user"
	}
	if err := h.svc.CancelTask(c.Request.Context(), c.Param("id"), httpActor, req.Reason); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *TaskHandlers) pauseTask(c *gin.Context) {
	if err := h.svc.PauseTask(c.Request.Context(), c.Param("id"), httpActor); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *TaskHandlers) resumeTask(c *gin.Context) {
	if err := h.svc.ResumeTask(c.Request.Context(), c.Param("id"), httpActor); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *TaskHandlers) addInstruction(c *gin.Context) {
	var req struct {
		Instruction string `json:"instruction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.AddInstruction(c.Request.Context(), c.Param("id"), httpActor, req.Instruction); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *TaskHandlers) updateTodos(c *gin.Context) {
	var req struct {
		Todos []events.TodoItem `json:"todos"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.UpdateTodoList(c.Request.Context(), c.Param("id"), httpActor, req.Todos); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *TaskHandlers) pendingInteraction(c *gin.Context) {
	req, err := h.svc.PendingInteraction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if req == nil {
		c.JSON(http.StatusOK, gin.H{"pending": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": req})
}

func (h *TaskHandlers) respondInteraction(c *gin.Context) {
	var resp interaction.Response
	if err := c.ShouldBindJSON(&resp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RespondToInteraction(c.Request.Context(), c.Param("id"), httpActor, resp); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *TaskHandlers) listEvents(c *gin.Context) {
	afterID, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	evs, truncated := h.svc.EventsAfter(afterID, limit)
	c.JSON(http.StatusOK, gin.H{"events": evs, "truncated": truncated})
}

func (h *TaskHandlers) getEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event id must be an integer"})
		return
	}
	ev, ok := h.svc.EventByID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// serviceError maps service failures onto HTTP status codes.
func (h *TaskHandlers) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrStaleInteraction):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
