// middleware.go - Request throttling, CSRF and logging middleware
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/metrics"
	"github.com/mes-console/backend/internal/ratelimit"
	"go.uber.org/zap"
)

// HeaderCSRFToken carries the token handed out by session validation
const HeaderCSRFToken = "X-CSRF-Token"

// HeaderRateLimitRemaining reports the api_request allowance left
const HeaderRateLimitRemaining = "X-RateLimit-Remaining"

// unthrottledPaths are never counted against the api_request category
var unthrottledPaths = map[string]bool{
	"/api/health":           true,
	"/metrics":              true,
	"/api/ws/console":       true,
	"/api/session/validate": true,
	"/api/ratelimit":        true,
}

// sessionIdentifier returns the active session id, empty without one
func sessionIdentifier(guard SessionGuard) string {
	if guard == nil {
		return ""
	}
	if sess, ok := guard.Session(); ok {
		return sess.SessionID
	}
	return ""
}

// rateLimitIdentifier keys api_request throttling by session id, or by
// the client address when no session is active.
func rateLimitIdentifier(c echo.Context, guard SessionGuard) string {
	if id := sessionIdentifier(guard); id != "" {
		return id
	}
	return "ip:" + c.RealIP()
}

// RateLimitMiddleware consumes one api_request unit per request
func RateLimitMiddleware(limiter *ratelimit.Limiter, guard SessionGuard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if unthrottledPaths[c.Path()] || unthrottledPaths[c.Request().URL.Path] {
				return next(c)
			}

			id := rateLimitIdentifier(c, guard)
			allowed := limiter.Allow(ratelimit.APIRequest, id)
			remaining := limiter.Remaining(ratelimit.APIRequest, id)
			c.Response().Header().Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
			if !allowed {
				metrics.RateLimitRejections.WithLabelValues(string(ratelimit.APIRequest)).Inc()
				return NewTooManyRequestsError(string(ratelimit.APIRequest), remaining)
			}
			return next(c)
		}
	}
}

// CSRFMiddleware rejects mutating requests whose X-CSRF-Token header
// does not match the active session's token. Validation is exempt
// since it is what issues the token.
func CSRFMiddleware(guard SessionGuard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return next(c)
			}
			if c.Path() == "/api/session/validate" {
				return next(c)
			}

			sess, ok := guard.Session()
			if !ok {
				// The handler reports the missing session in its own terms.
				return next(c)
			}
			if token := c.Request().Header.Get(HeaderCSRFToken); token == "" || token != sess.CSRFToken {
				return NewForbiddenError("Missing or invalid CSRF token")
			}
			return next(c)
		}
	}
}

// RequestLogger logs each request through zap. Health and metrics
// polling is skipped.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	log = logging.OrNop(log).With(zap.String("component", "http"))
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/api/health" || path == "/metrics" || strings.HasPrefix(path, "/api/ws/")
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency.Round(time.Microsecond)),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.RequestID != "" {
				fields = append(fields, zap.String("request_id", v.RequestID))
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
