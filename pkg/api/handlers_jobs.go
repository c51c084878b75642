package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"orca/pkg/executor"
	"orca/pkg/logger"
	"orca/pkg/models"
)

// SubmitResponse is returned once a job is accepted.
type SubmitResponse struct {
	JobID     uuid.UUID        `json:"job_id"`
	UnitIDs   []uuid.UUID      `json:"unit_ids"`
	UnitCount int              `json:"unit_count"`
	Status    models.JobStatus `json:"status"`
}

// JobResponse is the API representation of a job with per-status counts.
type JobResponse struct {
	models.Job
	Counts map[models.UnitStatus]int `json:"unit_counts"`
	Units  []models.ExecutionUnit    `json:"units,omitempty"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// submitJob handles POST /api/v1/jobs
func (s *Server) submitJob(c *gin.Context) {
	var req models.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	handle, err := s.engine.Submit(c.Request.Context(), req)
	if err != nil {
		var verr *executor.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": executor.ErrKindValidation, "problems": verr.Problems})
		case errors.Is(err, executor.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": executor.ErrKindUnavailable, "message": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		}
		return
	}

	logger.FromContext(c.Request.Context()).Debug("job accepted over http")
	c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:     handle.ID,
		UnitIDs:   handle.UnitIDs,
		UnitCount: len(handle.UnitIDs),
		Status:    models.JobPending,
	})
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	var jobs []models.Job
	if s.history != nil {
		var err error
		jobs, err = s.history.ListJobs(c.Request.Context(), limit, offset)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
			return
		}
	} else {
		jobs = page(s.engine.Jobs(), limit, offset)
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  limit,
		"offset": offset,
	})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, ok := parseID(c, "job")
	if !ok {
		return
	}
	snap, err := s.engine.Job(c.Request.Context(), id)
	if errors.Is(err, executor.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	resp := JobResponse{Job: snap.Job, Counts: make(map[models.UnitStatus]int)}
	for _, u := range snap.Units {
		resp.Counts[u.Status]++
	}
	if c.Query("units") != "false" {
		resp.Units = snap.Units
	}
	c.JSON(http.StatusOK, resp)
}

// cancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	id, ok := parseID(c, "job")
	if !ok {
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, executor.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":       id,
		"message":      "cancellation requested",
		"requested_at": time.Now().UTC(),
	})
}

func parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " ID"})
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit, offset = defaultPageSize, 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func page(jobs []models.Job, limit, offset int) []models.Job {
	if offset >= len(jobs) {
		return []models.Job{}
	}
	jobs = jobs[offset:]
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}
