// handlers_session.go - Operator session handlers
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/session"
)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	guard       SessionGuard
	onValidated func(models.Session)
}

// NewSessionHandler creates a new session handler. onValidated, when
// set, runs after every successful validation.
func NewSessionHandler(guard SessionGuard, onValidated func(models.Session)) SessionHandler {
	return &SessionHandlerImpl{
		guard:       guard,
		onValidated: onValidated,
	}
}

// sessionResponse is the session view returned to the console UI.
// The CSRF token is only handed out by validate.
type sessionResponse struct {
	Status    models.SessionStatus `json:"status"`
	Session   *models.Session      `json:"session,omitempty"`
	Security  models.SecurityState `json:"security"`
	CSRFToken string               `json:"csrfToken,omitempty"`
}

// HandleValidate loads the persisted session and starts the inactivity timer
func (h *SessionHandlerImpl) HandleValidate(c echo.Context) error {
	sess, err := h.guard.Validate(c.Request().Context())
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return NewUnauthorizedError("SESSION_EXPIRED", "Session expired, please log in again")
		}
		return NewUnauthorizedError(models.ErrCodeSessionInvalid, "No valid session found")
	}

	if h.onValidated != nil {
		h.onValidated(sess)
	}

	return c.JSON(http.StatusOK, sessionResponse{
		Status:    h.guard.Status(),
		Session:   &sess,
		Security:  h.guard.SecurityState(),
		CSRFToken: sess.CSRFToken,
	})
}

// HandleGetSession returns the current session and security state
func (h *SessionHandlerImpl) HandleGetSession(c echo.Context) error {
	sess, ok := h.guard.Session()
	if !ok {
		return c.JSON(http.StatusUnauthorized, sessionResponse{
			Status:   h.guard.Status(),
			Security: h.guard.SecurityState(),
		})
	}
	return c.JSON(http.StatusOK, sessionResponse{
		Status:   h.guard.Status(),
		Session:  &sess,
		Security: h.guard.SecurityState(),
	})
}

// HandleActivity records operator activity and pushes the timeout back
func (h *SessionHandlerImpl) HandleActivity(c echo.Context) error {
	if !h.guard.TouchActivity() {
		return NewUnauthorizedError(models.ErrCodeSessionInvalid, "No active session")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"lastActivity": h.guard.SecurityState().LastActivity,
	})
}

// HandleLogout ends the session
func (h *SessionHandlerImpl) HandleLogout(c echo.Context) error {
	h.guard.Logout(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": h.guard.Status(),
	})
}
