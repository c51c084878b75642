package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"orca/pkg/executor"
)

// getUnit handles GET /api/v1/units/:id
func (s *Server) getUnit(c *gin.Context) {
	id, ok := parseID(c, "unit")
	if !ok {
		return
	}
	unit, err := s.engine.Unit(c.Request.Context(), id)
	if errors.Is(err, executor.ErrUnitNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load unit"})
		return
	}
	c.JSON(http.StatusOK, unit)
}

// runningUnits handles GET /api/v1/engine/running
func (s *Server) runningUnits(c *gin.Context) {
	units := s.engine.RunningUnits()
	if units == nil {
		units = []executor.RunningUnit{}
	}
	c.JSON(http.StatusOK, gin.H{"units": units, "count": len(units)})
}

// healthCheck is the liveness probe. It fails only once the engine stops.
func (s *Server) healthCheck(c *gin.Context) {
	h := s.engine.Health()
	code := http.StatusOK
	if h.Status == executor.HealthStopped {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":          h.Status,
		"available_slots": h.AvailableSlots,
		"timestamp":       time.Now().UTC(),
	})
}

// detailedHealth adds engine load and dependency reachability.
func (s *Server) detailedHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.dependencies))
	healthy := true
	for name, ping := range s.dependencies {
		if err := ping(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	h := s.engine.Health()
	status := h.Status
	code := http.StatusOK
	switch {
	case h.Status == executor.HealthStopped:
		code = http.StatusServiceUnavailable
	case !healthy:
		status = executor.HealthDegraded
	}
	body := gin.H{
		"status":       status,
		"engine":       h,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	}
	if s.breakers != nil {
		body["breakers"] = s.breakers.Snapshot()
	}
	c.JSON(code, body)
}
