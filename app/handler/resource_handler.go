package handler

import (
	"net/http"

	"modelforge/internal/model"
	"modelforge/pkg/capacity"
	"modelforge/pkg/hardware"

	"github.com/gin-gonic/gin"
)

// ResourceHandler containers, queues and host hardware
type ResourceHandler struct {
	capacity *capacity.Manager
	hardware hardware.Info
}

// NewResourceHandler creates resource handler
func NewResourceHandler(capacity *capacity.Manager, hw hardware.Info) *ResourceHandler {
	return &ResourceHandler{capacity: capacity, hardware: hw}
}

// UpdateContainerRequest mutable container fields
type UpdateContainerRequest struct {
	Name        string `json:"name"`
	MaxCapacity int64  `json:"maxCapacity" binding:"required"`
}

// Hardware returns the detected host resources
func (h *ResourceHandler) Hardware(c *gin.Context) {
	c.JSON(http.StatusOK, h.hardware)
}

// CreateContainer creates a container
// @Summary Create container
// @Tags resources
// @Accept json
// @Produce json
// @Param request body model.Container true "Container"
// @Success 201 {object} model.Container
// @Router /api/v1/containers [post]
func (h *ResourceHandler) CreateContainer(c *gin.Context) {
	var req model.Container
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	created, err := h.capacity.CreateContainer(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "create container", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListContainers lists containers with their holders
func (h *ResourceHandler) ListContainers(c *gin.Context) {
	c.JSON(http.StatusOK, h.capacity.ListContainers())
}

// GetContainer gets a container
func (h *ResourceHandler) GetContainer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := h.capacity.GetContainer(id)
	if err != nil {
		respondError(c, "get container", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// UpdateContainer renames or resizes a container
func (h *ResourceHandler) UpdateContainer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	updated, err := h.capacity.UpdateContainer(c.Request.Context(), id, req.Name, req.MaxCapacity)
	if err != nil {
		respondError(c, "update container", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteContainer deletes an unused container
func (h *ResourceHandler) DeleteContainer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.capacity.DeleteContainer(c.Request.Context(), id); err != nil {
		respondError(c, "delete container", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "container deleted"})
}

// CreateQueue creates a queue
func (h *ResourceHandler) CreateQueue(c *gin.Context) {
	var req model.Queue
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	created, err := h.capacity.CreateQueue(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "create queue", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListQueues lists queues with their holders
func (h *ResourceHandler) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.capacity.ListQueues())
}

// GetQueue gets a queue
func (h *ResourceHandler) GetQueue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := h.capacity.GetQueue(id)
	if err != nil {
		respondError(c, "get queue", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// UpdateQueue replaces a queue definition
func (h *ResourceHandler) UpdateQueue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req model.Queue
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	updated, err := h.capacity.UpdateQueue(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "update queue", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteQueue deletes a queue no job is using
func (h *ResourceHandler) DeleteQueue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.capacity.DeleteQueue(c.Request.Context(), id); err != nil {
		respondError(c, "delete queue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "queue deleted"})
}
