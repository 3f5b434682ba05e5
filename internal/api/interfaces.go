// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mes-console/backend/internal/gateway"
	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/ratelimit"
	"github.com/mes-console/backend/internal/realtime"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionHandler handles the operator session lifecycle
type SessionHandler interface {
	HandleValidate(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleActivity(c echo.Context) error
	HandleLogout(c echo.Context) error
}

// DeviceHandler handles device operations and their history
type DeviceHandler interface {
	HandleDeviceOperation(c echo.Context) error
	HandleHistory(c echo.Context) error
	HandleHistoryMsgpack(c echo.Context) error
	HandleDeviceStatus(c echo.Context) error
}

// BarcodeHandler handles barcode scans
type BarcodeHandler interface {
	HandleScan(c echo.Context) error
	HandleScanHistory(c echo.Context) error
}

// ConsoleHandler exposes console state and diagnostics
type ConsoleHandler interface {
	HandleOrders(c echo.Context) error
	HandleTimeline(c echo.Context) error
	HandleRealtimeStatus(c echo.Context) error
	HandleRateLimit(c echo.Context) error
	HandleAuditRecent(c echo.Context) error
}

// SessionGuard defines the session operations the API needs.
// This allows mocking in tests
type SessionGuard interface {
	Validate(ctx context.Context) (models.Session, error)
	Session() (models.Session, bool)
	Status() models.SessionStatus
	SecurityState() models.SecurityState
	TouchActivity() bool
	Logout(ctx context.Context)
}

// OperationGateway executes device operations and scans
type OperationGateway interface {
	ExecuteDeviceOperation(ctx context.Context, in gateway.DeviceOperationInput) models.DeviceOperationResult
	ExecuteBarcodeScan(ctx context.Context, code string) models.ScanResult
	Console() *gateway.Console
	Limiter() *ratelimit.Limiter
}

// RealtimeStatus reports the realtime channel state
type RealtimeStatus interface {
	State() realtime.State
	LastHeartbeat() time.Time
	URL() string
}

// AuditJournal reads the local audit journal
type AuditJournal interface {
	RecentEvents(ctx context.Context, limit int, eventType string) ([]models.AuditEvent, error)
	RecentResults(ctx context.Context, limit int) ([]models.DeviceOperationResult, error)
}
