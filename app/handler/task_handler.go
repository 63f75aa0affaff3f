package handler

import (
	"net/http"
	"strconv"

	"modelforge/internal/model"
	"modelforge/pkg/dispatcher"

	"github.com/gin-gonic/gin"
)

// TaskHandler background task inspection
type TaskHandler struct {
	dispatcher *dispatcher.Dispatcher
}

// NewTaskHandler creates task handler
func NewTaskHandler(d *dispatcher.Dispatcher) *TaskHandler {
	return &TaskHandler{dispatcher: d}
}

// List lists background tasks
// @Summary List tasks
// @Tags tasks
// @Produce json
// @Param status query int false "Task status"
// @Param type query int false "Task type"
// @Param limit query int false "Page size"
// @Success 200 {array} model.BackgroundTask
// @Router /api/v1/tasks [get]
func (h *TaskHandler) List(c *gin.Context) {
	filter := model.TaskFilter{Limit: queryInt(c, "limit", 100)}
	if raw := c.Query("status"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		filter.Status = model.Ptr(model.TaskStatus(v))
	}
	if raw := c.Query("type"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
			return
		}
		filter.Type = model.Ptr(model.TaskType(v))
	}
	tasks, err := h.dispatcher.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "list tasks", err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// Get gets a task
func (h *TaskHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := h.dispatcher.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "get task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Cancel cancels a pending or running task
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cancelled, err := h.dispatcher.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, "cancel task", err)
		return
	}
	commandResult(c, cancelled, "task cancelled")
}

// Stats in-memory pending and running counts
func (h *TaskHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Stats())
}
