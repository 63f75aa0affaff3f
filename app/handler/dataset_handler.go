package handler

import (
	"net/http"

	"modelforge/internal/model"
	"modelforge/internal/service"

	"github.com/gin-gonic/gin"
)

// DatasetHandler dataset registration and ingestion
type DatasetHandler struct {
	service *service.DatasetService
}

// NewDatasetHandler creates dataset handler
func NewDatasetHandler(service *service.DatasetService) *DatasetHandler {
	return &DatasetHandler{service: service}
}

// Create registers a dataset and schedules its ingestion
// @Summary Create dataset
// @Tags datasets
// @Accept json
// @Produce json
// @Param request body model.CreateDatasetRequest true "Dataset"
// @Success 202 {object} model.Dataset
// @Router /api/v1/datasets [post]
func (h *DatasetHandler) Create(c *gin.Context) {
	var req model.CreateDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	d, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "create dataset", err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

// List lists datasets
func (h *DatasetHandler) List(c *gin.Context) {
	ds, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, "list datasets", err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

// Get gets a dataset
func (h *DatasetHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "get dataset", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Candles returns the ingested candles of a ready dataset
func (h *DatasetHandler) Candles(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	candles, err := h.service.LoadCandles(c.Request.Context(), id)
	if err != nil {
		respondError(c, "load candles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(candles), "candles": candles})
}

// Reingest downloads a dataset again
func (h *DatasetHandler) Reingest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.service.Reingest(c.Request.Context(), id)
	if err != nil {
		respondError(c, "reingest dataset", err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

// Delete deletes an unreferenced dataset and its candles
func (h *DatasetHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, "delete dataset", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "dataset deleted"})
}
