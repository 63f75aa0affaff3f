package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"modelforge/internal/model"
	"modelforge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrInsufficientData):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrCheckpointCorrupt):
		return http.StatusConflict
	case errors.Is(err, model.ErrDependencyUnavailable), errors.Is(err, model.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), "failed to %s: %v", action, err)
	} else {
		logger.WarnCtx(c.Request.Context(), "failed to %s: %v", action, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// pathID parses a uuid path parameter, answering 400 when it is malformed
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// commandResult answers a conditional command; false means the job was not
// in a state that allows it
func commandResult(c *gin.Context, ok bool, done string) {
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "not in a state that allows this command"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": done})
}
