package handler

import (
	"net/http"

	"modelforge/internal/model"
	"modelforge/internal/service"

	"github.com/gin-gonic/gin"
)

// ConfigurationHandler training configuration CRUD
type ConfigurationHandler struct {
	service *service.ConfigurationService
}

// NewConfigurationHandler creates configuration handler
func NewConfigurationHandler(service *service.ConfigurationService) *ConfigurationHandler {
	return &ConfigurationHandler{service: service}
}

// Create creates a configuration
// @Summary Create configuration
// @Tags configurations
// @Accept json
// @Produce json
// @Param request body model.Configuration true "Configuration"
// @Success 201 {object} model.Configuration
// @Router /api/v1/configurations [post]
func (h *ConfigurationHandler) Create(c *gin.Context) {
	var req model.Configuration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	cfg, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "create configuration", err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// List lists configurations
func (h *ConfigurationHandler) List(c *gin.Context) {
	cfgs, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, "list configurations", err)
		return
	}
	c.JSON(http.StatusOK, cfgs)
}

// Get gets a configuration
func (h *ConfigurationHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cfg, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "get configuration", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Update replaces a configuration
func (h *ConfigurationHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req model.Configuration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	cfg, err := h.service.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "update configuration", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Delete deletes a configuration no job references
func (h *ConfigurationHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, "delete configuration", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "configuration deleted"})
}
