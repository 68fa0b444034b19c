package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storyloom/backend/internal/gateway"
	"github.com/storyloom/backend/internal/orchestrator"
)

type JobsHandler struct {
	orch *orchestrator.Facade
	gw   *gateway.Gateway
}

func NewJobsHandler(orch *orchestrator.Facade, gw *gateway.Gateway) *JobsHandler {
	return &JobsHandler{orch: orch, gw: gw}
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid job id"))
		return
	}
	job, err := h.orch.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/events
func (h *JobsHandler) StreamEvents(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid job id"))
		return
	}
	h.gw.ServeHTTP(c.Writer, c.Request, jobID)
}
