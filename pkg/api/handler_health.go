package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/livequery/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. The response is minimal and safe for
// unauthenticated access: overall status, version, connection count, and a
// database check when a database is configured.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		_, err := s.dbClient.Health(reqCtx)
		if err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	connections := 0
	if s.connManager != nil {
		connections = s.connManager.ActiveConnections()
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:      status,
		Service:     version.AppName,
		Version:     version.GitCommit,
		Connections: connections,
		Checks:      checks,
	})
}
