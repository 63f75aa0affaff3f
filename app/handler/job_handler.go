package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"modelforge/internal/model"
	"modelforge/internal/service/training"
	"modelforge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// ProgressSource live and last-known progress of jobs
type ProgressSource interface {
	Last(ctx context.Context, jobID uuid.UUID) (*model.JobProgress, error)
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan model.JobProgress, func(), error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from another origin
	},
}

// JobHandler training job commands
type JobHandler struct {
	orchestrator *training.Orchestrator
	progress     ProgressSource
}

// NewJobHandler creates job handler
func NewJobHandler(orchestrator *training.Orchestrator, progress ProgressSource) *JobHandler {
	return &JobHandler{orchestrator: orchestrator, progress: progress}
}

// Start starts training a configuration
// @Summary Start training
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body model.StartTrainingRequest true "Training request"
// @Success 201 {object} model.Job
// @Router /api/v1/jobs [post]
func (h *JobHandler) Start(c *gin.Context) {
	var req model.StartTrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	job, err := h.orchestrator.StartTraining(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "start training", err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// List lists jobs newest first
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param status query int false "Job status"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {array} model.Job
// @Router /api/v1/jobs [get]
func (h *JobHandler) List(c *gin.Context) {
	var status *model.JobStatus
	if raw := c.Query("status"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		s := model.JobStatus(v)
		status = &s
	}
	jobs, err := h.orchestrator.ListJobs(c.Request.Context(), status, queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		respondError(c, "list jobs", err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// Get gets a job
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := h.orchestrator.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, "get job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel cancels a non-terminal job
func (h *JobHandler) Cancel(c *gin.Context) {
	h.command(c, "cancel job", "job cancelled", h.orchestrator.CancelJob)
}

// Pause pauses a running job at its next epoch boundary
func (h *JobHandler) Pause(c *gin.Context) {
	h.command(c, "pause job", "job paused", h.orchestrator.PauseJob)
}

// Resume lifts a pause
func (h *JobHandler) Resume(c *gin.Context) {
	h.command(c, "resume job", "job resumed", h.orchestrator.ResumeJob)
}

// Retry restarts a job from scratch, deleting its checkpoint
func (h *JobHandler) Retry(c *gin.Context) {
	h.command(c, "retry job", "job queued for retry", h.orchestrator.RetryJob)
}

// ResumeFromCheckpoint continues a failed or cancelled job from its checkpoint
func (h *JobHandler) ResumeFromCheckpoint(c *gin.Context) {
	h.command(c, "resume job from checkpoint", "job queued to resume", h.orchestrator.ResumeJobFromCheckpoint)
}

func (h *JobHandler) command(c *gin.Context, action, done string, fn func(context.Context, uuid.UUID) (bool, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	applied, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, action, err)
		return
	}
	commandResult(c, applied, done)
}

// Progress returns the last published progress of a job
func (h *JobHandler) Progress(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.progress.Last(c.Request.Context(), id)
	if err != nil {
		respondError(c, "read progress", err)
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no progress recorded"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Stream pushes every epoch of a job over a WebSocket until the job
// reaches a terminal state or the client goes away
// @Summary Stream job progress
// @Tags jobs
// @Param id path string true "Job ID"
// @Router /api/v1/jobs/{id}/stream [get]
func (h *JobHandler) Stream(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(logger.WithTraceID(c.Request.Context(), id.String()))
	defer cancel()

	updates, stop, err := h.progress.Subscribe(ctx, id)
	if err != nil {
		respondError(c, "subscribe to progress", err)
		return
	}
	defer stop()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	// the reader only detects the client closing the socket
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent time.Time
	if last, err := h.progress.Last(ctx, id); err == nil && last != nil {
		if err := writeJSON(ws, last); err != nil {
			return
		}
		if last.Status.IsTerminal() {
			closeNormally(ws)
			return
		}
		sent = last.Timestamp
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case p, ok := <-updates:
			if !ok {
				return
			}
			if p.Timestamp.Before(sent) {
				continue
			}
			if err := writeJSON(ws, &p); err != nil {
				logger.DebugCtx(ctx, "progress stream closed: %v", err)
				return
			}
			if p.Status.IsTerminal() {
				closeNormally(ws)
				return
			}
		}
	}
}

func writeJSON(ws *websocket.Conn, v interface{}) error {
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(v)
}

func closeNormally(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(wsWriteTimeout))
}
