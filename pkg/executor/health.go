package executor

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Engine health states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded" // every slot busy and units queueing
	HealthStopped  = "stopped"
)

// Health is a point-in-time view of engine load.
type Health struct {
	Status         string  `json:"status"`
	Capacity       int     `json:"capacity"`
	InUse          int     `json:"in_use"`
	AvailableSlots int     `json:"available_slots"`
	Waiting        int     `json:"waiting"`
	ActiveJobs     int     `json:"active_jobs"`
	TrackedJobs    int     `json:"tracked_jobs"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	CPUs           int     `json:"cpus"`
	MemoryTotalMB  uint64  `json:"memory_total_mb"`
	MemoryUsedPct  float64 `json:"memory_used_percent"`
}

// Health reports admission load, job counts and host memory.
func (e *Engine) Health() Health {
	e.mu.RLock()
	closed := e.closed
	tracked := len(e.jobs)
	active := 0
	for _, jr := range e.jobs {
		if !jr.finished() {
			active++
		}
	}
	e.mu.RUnlock()

	gate := e.opts.Gate
	h := Health{
		Capacity:       gate.Capacity(),
		InUse:          gate.InUse(),
		AvailableSlots: gate.Available(),
		Waiting:        gate.Waiting(),
		ActiveJobs:     active,
		TrackedJobs:    tracked,
		UptimeSeconds:  time.Since(e.startedAt).Seconds(),
		CPUs:           runtime.NumCPU(),
	}
	if v, err := mem.VirtualMemory(); err == nil {
		h.MemoryTotalMB = v.Total / 1024 / 1024
		h.MemoryUsedPct = v.UsedPercent
	}

	switch {
	case closed || gate.Closed():
		h.Status = HealthStopped
	case h.AvailableSlots == 0 && h.Waiting > 0:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	return h
}
