// Package session owns the operator/workstation session: validation of
// the persisted login, the inactivity timer, logout and the failure
// lockout that gates device operations.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/storage"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultTimeout           = 30 * time.Minute
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 5 * time.Minute
)

var (
	// ErrUnauthenticated is returned by Validate when no complete
	// session is persisted.
	ErrUnauthenticated = errors.New("session: not authenticated")
	// ErrExpired is returned by Validate when the login is older than
	// the session timeout.
	ErrExpired = errors.New("session: expired")
)

// LogoutReason tells logout hooks why the session ended.
type LogoutReason string

const (
	ReasonLogout  LogoutReason = "logout"
	ReasonTimeout LogoutReason = "timeout"
	ReasonInvalid LogoutReason = "invalid"
)

// LogoutHook runs after the session has ended and the store is cleared.
type LogoutHook func(reason LogoutReason)

// Auditor receives security events.
type Auditor interface {
	Log(eventType string, details map[string]any)
}

// Options tunes the guard.
type Options struct {
	Timeout           time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// DefaultOptions returns the standard session policy.
func DefaultOptions() Options {
	return Options{
		Timeout:           DefaultTimeout,
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		LockoutDuration:   DefaultLockoutDuration,
	}
}

// Guard holds the current session and security state.
type Guard struct {
	mu       sync.RWMutex
	store    storage.SessionStore
	clock    clock.Clock
	audit    Auditor
	log      *zap.Logger
	opts     Options
	status   models.SessionStatus
	session  *models.Session
	security models.SecurityState
	timer    *clock.Timer
	// gen invalidates timer callbacks that lost a race with Stop.
	gen   uint64
	hooks []LogoutHook
}

// NewGuard creates a guard in the unauthenticated state.
func NewGuard(store storage.SessionStore, clk clock.Clock, auditor Auditor, log *zap.Logger, opts Options) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = DefaultLockoutDuration
	}
	return &Guard{
		store:  store,
		clock:  clk,
		audit:  auditor,
		log:    logging.OrNop(log).With(zap.String("component", "session")),
		opts:   opts,
		status: models.SessionUnauthenticated,
	}
}

// OnLogout registers a hook run whenever the session ends.
func (g *Guard) OnLogout(h LogoutHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, h)
}

// Validate loads the persisted session and, when it is complete and
// younger than the timeout, makes it the active session and arms the
// inactivity timer. Otherwise the store is cleared.
func (g *Guard) Validate(ctx context.Context) (models.Session, error) {
	g.mu.Lock()
	g.stopTimerLocked()
	g.status = models.SessionValidating
	g.mu.Unlock()

	ps, err := g.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNoSession) {
			g.log.Warn("persisted session rejected", zap.Error(err))
			g.emit(models.AuditSessionInvalid, map[string]any{"reason": err.Error()})
		}
		g.reject(ctx)
		return models.Session{}, ErrUnauthenticated
	}

	now := g.clock.Now()
	login := ps.Workstation.LoginTime
	if now.Sub(login) > g.opts.Timeout {
		g.emit(models.AuditSessionExpired, map[string]any{
			"sessionId": ps.Workstation.SessionID,
			"username":  ps.Operator.Username,
			"loginTime": login.UTC().Format(time.RFC3339),
		})
		g.reject(ctx)
		return models.Session{}, ErrExpired
	}

	ws := ps.Workstation.Workstation
	s := &models.Session{
		SessionID:       ps.Workstation.SessionID,
		WorkstationID:   ws.WorkstationID,
		WorkstationName: ws.Name,
		WorkstationType: ws.Type,
		Username:        ps.Operator.Username,
		OperatorID:      ps.Operator.ID,
		Role:            ps.Operator.Role,
		LoginTime:       login,
		LastActivity:    now,
		Valid:           true,
		CSRFToken:       uuid.New().String(),
	}

	g.mu.Lock()
	g.session = s
	g.status = models.SessionValid
	g.security.SessionValid = true
	g.security.LastActivity = now
	g.armTimerLocked()
	out := *s
	g.mu.Unlock()

	g.log.Info("session validated",
		zap.String("session", logging.ShortID(s.SessionID)),
		zap.String("workstation", s.WorkstationID),
		zap.String("username", s.Username))
	g.emit(models.AuditSessionValidated, map[string]any{
		"sessionId":     s.SessionID,
		"workstationId": s.WorkstationID,
		"username":      s.Username,
	})
	return out, nil
}

func (g *Guard) reject(ctx context.Context) {
	if err := g.store.Clear(ctx); err != nil {
		g.log.Warn("clearing session store failed", zap.Error(err))
	}
	g.mu.Lock()
	g.session = nil
	g.status = models.SessionUnauthenticated
	g.security.SessionValid = false
	g.mu.Unlock()
}

// TouchActivity records operator activity and restarts the inactivity
// timer from now. It reports false when there is no valid session.
func (g *Guard) TouchActivity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status != models.SessionValid || g.session == nil {
		return false
	}
	now := g.clock.Now()
	g.session.LastActivity = now
	g.security.LastActivity = now
	g.stopTimerLocked()
	g.armTimerLocked()
	return true
}

func (g *Guard) armTimerLocked() {
	g.gen++
	gen := g.gen
	g.timer = g.clock.AfterFunc(g.opts.Timeout, func() { g.expire(gen) })
}

func (g *Guard) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
}

func (g *Guard) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.status != models.SessionValid {
		g.mu.Unlock()
		return
	}
	s := *g.session
	g.mu.Unlock()

	g.log.Info("session timed out", zap.String("session", logging.ShortID(s.SessionID)))
	g.emit(models.AuditSessionTimeout, map[string]any{
		"sessionId":    s.SessionID,
		"username":     s.Username,
		"lastActivity": s.LastActivity.UTC().Format(time.RFC3339),
	})
	g.end(context.Background(), models.SessionTimedOut, ReasonTimeout)
}

// Logout ends the session at the operator's request.
func (g *Guard) Logout(ctx context.Context) {
	g.mu.RLock()
	var details map[string]any
	if g.session != nil {
		details = map[string]any{"sessionId": g.session.SessionID, "username": g.session.Username}
	}
	g.mu.RUnlock()

	g.emit(models.AuditLogout, details)
	g.end(ctx, models.SessionLoggedOut, ReasonLogout)
}

// ForceLogout ends the session without operator involvement, for
// example when an operation finds it invalid.
func (g *Guard) ForceLogout(ctx context.Context, reason LogoutReason) {
	status := models.SessionLoggedOut
	if reason == ReasonTimeout {
		status = models.SessionTimedOut
	}
	g.end(ctx, status, reason)
}

func (g *Guard) end(ctx context.Context, status models.SessionStatus, reason LogoutReason) {
	g.mu.Lock()
	g.stopTimerLocked()
	if g.session != nil {
		g.session.Valid = false
	}
	g.session = nil
	g.status = status
	g.security.SessionValid = false
	hooks := append([]LogoutHook(nil), g.hooks...)
	g.mu.Unlock()

	if err := g.store.Clear(ctx); err != nil {
		g.log.Warn("clearing session store failed", zap.Error(err))
	}
	for _, h := range hooks {
		h(reason)
	}
}

// Status returns the lifecycle state.
func (g *Guard) Status() models.SessionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// Valid reports whether device operations may proceed.
func (g *Guard) Valid() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status == models.SessionValid && g.session != nil && g.session.Valid
}

// Session returns a copy of the active session.
func (g *Guard) Session() (models.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return models.Session{}, false
	}
	return *g.session, true
}

// SecurityState returns a copy of the security state, lifting an
// expired lockout first.
func (g *Guard) SecurityState() models.SecurityState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liftExpiredLockLocked()
	out := g.security
	if out.LockoutExpiry != nil {
		exp := *out.LockoutExpiry
		out.LockoutExpiry = &exp
	}
	return out
}

// IsLocked reports whether operations are currently blocked.
func (g *Guard) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liftExpiredLockLocked()
	return g.security.IsLocked
}

func (g *Guard) liftExpiredLockLocked() {
	if !g.security.IsLocked || g.security.LockoutExpiry == nil {
		return
	}
	if g.clock.Now().Before(*g.security.LockoutExpiry) {
		return
	}
	g.security.IsLocked = false
	g.security.LockoutExpiry = nil
	g.security.FailedAttempts = 0
	g.log.Info("lockout lifted")
}

// RecordFailure counts a rejected operation and locks the console once
// the failure ceiling is reached. It reports whether this failure
// triggered the lock and when the lock lifts. The caller audits the
// rejection, so nothing is emitted here.
func (g *Guard) RecordFailure(reason string) (triggered bool, expiry time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liftExpiredLockLocked()
	if g.security.IsLocked {
		return false, *g.security.LockoutExpiry
	}
	g.security.FailedAttempts++
	if g.security.FailedAttempts < g.opts.MaxFailedAttempts {
		return false, time.Time{}
	}

	expiry = g.clock.Now().Add(g.opts.LockoutDuration)
	g.security.IsLocked = true
	g.security.LockoutExpiry = &expiry
	g.log.Warn("console locked",
		zap.String("reason", reason),
		zap.Int("failedAttempts", g.security.FailedAttempts),
		zap.Time("until", expiry))
	return true, expiry
}

// RecordSuccess resets the failure counter.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.security.IsLocked {
		g.security.FailedAttempts = 0
	}
}

func (g *Guard) emit(eventType string, details map[string]any) {
	if g.audit != nil {
		g.audit.Log(eventType, details)
	}
}
