// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	guard    SessionGuard
	realtime RealtimeStatus
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, guard SessionGuard, rt RealtimeStatus) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		guard:    guard,
		realtime: rt,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.guard != nil {
		resp["session"] = h.guard.Status()
	}
	if h.realtime != nil {
		resp["realtime"] = h.realtime.State()
	}
	return c.JSON(http.StatusOK, resp)
}
