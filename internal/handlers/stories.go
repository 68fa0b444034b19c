package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/orchestrator"
)

type StoriesHandler struct {
	orch *orchestrator.Facade
}

func NewStoriesHandler(orch *orchestrator.Facade) *StoriesHandler {
	return &StoriesHandler{orch: orch}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type iterateRequest struct {
	Feedback string `json:"feedback"`
}

// POST /api/stories/generate
func (h *StoriesHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}
	job, err := h.orch.Submit(c.Request.Context(), req.Prompt)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// POST /api/stories/:id/iterate
func (h *StoriesHandler) Iterate(c *gin.Context) {
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid story id"))
		return
	}
	var req iterateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}
	job, pending, err := h.orch.SubmitIteration(c.Request.Context(), storyID, req.Feedback)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":                 job.ID,
		"status":                 job.Status,
		"version_number_pending": pending,
	})
}

// GET /api/stories/:id
func (h *StoriesHandler) GetStory(c *gin.Context) {
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid story id"))
		return
	}
	story, versionCount, err := h.orch.GetStory(c.Request.Context(), storyID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"story":         story,
		"version_count": versionCount,
		"version_cap":   domain.VersionCap,
	})
}

// GET /api/stories/:id/versions
func (h *StoriesHandler) ListVersions(c *gin.Context) {
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid story id"))
		return
	}
	versions, err := h.orch.ListVersions(c.Request.Context(), storyID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"versions": versions})
}

// GET /api/stories/:id/versions/:number
func (h *StoriesHandler) GetVersion(c *gin.Context) {
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid story id"))
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("invalid version number"))
		return
	}
	version, err := h.orch.GetVersion(c.Request.Context(), storyID, number)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"version": version})
}
