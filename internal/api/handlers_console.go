// handlers_console.go - Console state and diagnostics handlers
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mes-console/backend/internal/gateway"
	"github.com/mes-console/backend/internal/ratelimit"
)

// Row counts for /api/audit/recent
const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// ConsoleHandlerImpl implements the ConsoleHandler interface
type ConsoleHandlerImpl struct {
	gateway  OperationGateway
	guard    SessionGuard
	realtime RealtimeStatus
	journal  AuditJournal
}

// NewConsoleHandler creates a new console handler. journal may be nil
// when the local journal is disabled.
func NewConsoleHandler(gw OperationGateway, guard SessionGuard, rt RealtimeStatus, journal AuditJournal) ConsoleHandler {
	return &ConsoleHandlerImpl{
		gateway:  gw,
		guard:    guard,
		realtime: rt,
		journal:  journal,
	}
}

// HandleOrders returns tracked production orders, most recently updated first
func (h *ConsoleHandlerImpl) HandleOrders(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gateway.Console().Orders())
}

// HandleTimeline returns the activity feed, newest first
func (h *ConsoleHandlerImpl) HandleTimeline(c echo.Context) error {
	limit := queryInt(c, "limit", gateway.MaxTimelineEvents, gateway.MaxTimelineEvents)
	return c.JSON(http.StatusOK, h.gateway.Console().Timeline(limit))
}

// HandleRealtimeStatus reports the realtime channel state
func (h *ConsoleHandlerImpl) HandleRealtimeStatus(c echo.Context) error {
	if h.realtime == nil {
		return NewServiceUnavailableError("Realtime channel not configured")
	}
	resp := map[string]interface{}{
		"state": h.realtime.State(),
		"url":   h.realtime.URL(),
	}
	if hb := h.realtime.LastHeartbeat(); !hb.IsZero() {
		resp["lastHeartbeat"] = hb
	}
	return c.JSON(http.StatusOK, resp)
}

type rateLimitStatus struct {
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

// HandleRateLimit reports the caller's remaining allowance per category
func (h *ConsoleHandlerImpl) HandleRateLimit(c echo.Context) error {
	limiter := h.gateway.Limiter()
	id := rateLimitIdentifier(c, h.guard)

	out := make(map[ratelimit.Category]rateLimitStatus, len(ratelimit.Categories))
	for _, category := range ratelimit.Categories {
		// Operations and scans are keyed by session; requests fall back to the client address.
		key := id
		if category != ratelimit.APIRequest {
			key = sessionIdentifier(h.guard)
		}
		status := rateLimitStatus{
			Limit:     ratelimit.Ceiling(category),
			Remaining: limiter.Remaining(category, key),
		}
		if reset := limiter.ResetAt(category, key); !reset.IsZero() {
			status.ResetAt = &reset
		}
		out[category] = status
	}
	return c.JSON(http.StatusOK, out)
}

// HandleAuditRecent returns recent entries from the local audit journal
func (h *ConsoleHandlerImpl) HandleAuditRecent(c echo.Context) error {
	if h.journal == nil {
		return NewServiceUnavailableError("Audit journal is disabled")
	}
	ctx := c.Request().Context()
	limit := queryInt(c, "limit", defaultAuditLimit, maxAuditLimit)

	events, err := h.journal.RecentEvents(ctx, limit, c.QueryParam("type"))
	if err != nil {
		return NewInternalError("Failed to read audit journal", err)
	}
	results, err := h.journal.RecentResults(ctx, limit)
	if err != nil {
		return NewInternalError("Failed to read operation results", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":  events,
		"results": results,
	})
}

// queryInt reads a positive integer query parameter, capped at max
func queryInt(c echo.Context, name string, def, max int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, max)
}
