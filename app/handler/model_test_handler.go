package handler

import (
	"net/http"

	"modelforge/internal/model"
	"modelforge/internal/service"

	"github.com/gin-gonic/gin"
)

// ModelTestHandler out-of-sample evaluation of trained models
type ModelTestHandler struct {
	service *service.ModelTestService
}

// NewModelTestHandler creates model test handler
func NewModelTestHandler(service *service.ModelTestService) *ModelTestHandler {
	return &ModelTestHandler{service: service}
}

// Create schedules an evaluation of a completed job on a dataset
func (h *ModelTestHandler) Create(c *gin.Context) {
	var req model.CreateModelTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	t, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "create model test", err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

// Get gets a model test
func (h *ModelTestHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "get model test", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListByJob lists the tests of one job
func (h *ModelTestHandler) ListByJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tests, err := h.service.ListByJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, "list model tests", err)
		return
	}
	c.JSON(http.StatusOK, tests)
}

// Delete deletes a model test
func (h *ModelTestHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, "delete model test", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "model test deleted"})
}
