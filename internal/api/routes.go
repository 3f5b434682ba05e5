// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/mes-console/backend/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Guard    SessionGuard
	Gateway  OperationGateway
	Realtime RealtimeStatus
	Journal  AuditJournal
	Stream   *ConsoleStream
	Log      *zap.Logger
	Version  string

	// OnSessionValidated runs after the UI validates the session,
	// typically to open the realtime channel.
	OnSessionValidated func(models.Session)
}

// Handlers holds all handler instances
type Handlers struct {
	Health  HealthHandler
	Session SessionHandler
	Device  DeviceHandler
	Barcode BarcodeHandler
	Console ConsoleHandler
	Stream  *ConsoleStream
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:  NewHealthHandler(deps.Version, deps.Guard, deps.Realtime),
		Session: NewSessionHandler(deps.Guard, deps.OnSessionValidated),
		Device:  NewDeviceHandler(deps.Gateway),
		Barcode: NewBarcodeHandler(deps.Gateway),
		Console: NewConsoleHandler(deps.Gateway, deps.Guard, deps.Realtime, deps.Journal),
		Stream:  deps.Stream,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Session routes
	sessionGroup := apiGroup.Group("/session")
	sessionGroup.POST("/validate", handlers.Session.HandleValidate)
	sessionGroup.GET("", handlers.Session.HandleGetSession)
	sessionGroup.POST("/activity", handlers.Session.HandleActivity)
	sessionGroup.POST("/logout", handlers.Session.HandleLogout)

	// Device routes
	apiGroup.POST("/device/operation", handlers.Device.HandleDeviceOperation)
	apiGroup.GET("/device/history", handlers.Device.HandleHistory)
	apiGroup.GET("/device/history/msgpack", handlers.Device.HandleHistoryMsgpack)
	apiGroup.GET("/devices/status", handlers.Device.HandleDeviceStatus)

	// Barcode routes
	apiGroup.POST("/barcode/scan", handlers.Barcode.HandleScan)
	apiGroup.GET("/barcode/history", handlers.Barcode.HandleScanHistory)

	// Console state
	apiGroup.GET("/orders", handlers.Console.HandleOrders)
	apiGroup.GET("/timeline", handlers.Console.HandleTimeline)
	apiGroup.GET("/realtime/status", handlers.Console.HandleRealtimeStatus)
	apiGroup.GET("/ratelimit", handlers.Console.HandleRateLimit)
	apiGroup.GET("/audit/recent", handlers.Console.HandleAuditRecent)

	// Prometheus metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	RegisterWebSocketRoutes(e, handlers)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	if handlers.Stream != nil {
		e.GET("/api/ws/console", handlers.Stream.HandleWebSocket)
	}
}

// SetupMiddleware configures the middleware shared by every route:
// the error handler, request logging, API rate limiting and CSRF checks.
func SetupMiddleware(e *echo.Echo, deps *Dependencies, requestLogging bool) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler

	if requestLogging {
		e.Use(RequestLogger(deps.Log))
	}

	if deps.Gateway != nil {
		e.Use(RateLimitMiddleware(deps.Gateway.Limiter(), deps.Guard))
	}
	if deps.Guard != nil {
		e.Use(CSRFMiddleware(deps.Guard))
	}
}
