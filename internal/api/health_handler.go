package api

import (
	"net/http"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/database"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Healthy bool                           `json:"healthy"`
	Pools   map[string]database.PoolHealth `json:"pools"`
	Uptime  string                         `json:"uptime"`
}

// handleHealth reports per-pool health. The service is unavailable when
// any primary pool is unhealthy; degraded replicas or analytics pools only
// show up in the pool map.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Healthy: true,
		Pools:   make(map[string]database.PoolHealth),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	for _, st := range s.layer.PoolStatuses() {
		report.Pools[st.Name] = st.PoolHealth
		if st.Class == database.ClassPrimary && !st.Healthy {
			report.Healthy = false
		}
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, Response{
		Success: report.Healthy,
		Data:    report,
		Time:    time.Now(),
	})
}
