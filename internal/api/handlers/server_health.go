package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nfvcl.io/nfvcl/internal/provider"
)

// Health statuses.
const (
	HealthStatusOk       = "ok"
	HealthStatusDegraded = "degraded"
)

// Health is the body of GET /healthz.
type Health struct {
	Status         string                  `json:"status"`
	Checks         map[string]string       `json:"checks,omitempty"`
	Infrastructure []*provider.InfraHealth `json:"infrastructure,omitempty"`
}

// GetHealth handles GET /healthz. Unreachable infrastructure degrades the
// report without failing it; only an unreachable database does.
func (s *Server) GetHealth(c *gin.Context) {
	health := Health{Status: HealthStatusOk, Checks: map[string]string{}}
	httpStatus := http.StatusOK

	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			health.Checks["database"] = "error"
			health.Status = HealthStatusDegraded
			httpStatus = http.StatusServiceUnavailable
		} else {
			health.Checks["database"] = "ok"
		}
	}

	if s.health != nil {
		health.Infrastructure = s.health.Snapshot()
		for _, h := range health.Infrastructure {
			health.Checks[h.Name] = string(h.Status)
			if h.Status == provider.InfraStatusUnreachable {
				health.Status = HealthStatusDegraded
			}
		}
	}

	c.JSON(httpStatus, health)
}

// GetMetrics handles GET /metrics.
func (s *Server) GetMetrics(c *gin.Context) {
	s.metrics.ServeHTTP(c.Writer, c.Request)
}

// LogLevel handles GET and PUT /log/level.
func (s *Server) LogLevel(c *gin.Context) {
	if s.logLevel == nil {
		c.Status(http.StatusNotFound)
		return
	}
	s.logLevel.ServeHTTP(c.Writer, c.Request)
}
