package models

import "time"

// WorkstationType distinguishes operator-driven terminals from headless ones.
type WorkstationType string

const (
	WorkstationInteractive WorkstationType = "interactive"
	WorkstationAutomated   WorkstationType = "automated"
)

// SessionStatus is the lifecycle state of the console session.
type SessionStatus string

const (
	SessionUnauthenticated SessionStatus = "unauthenticated"
	SessionValidating      SessionStatus = "validating"
	SessionValid           SessionStatus = "valid"
	SessionTimedOut        SessionStatus = "timed_out"
	SessionLoggedOut       SessionStatus = "logged_out"
)

// Session is the active operator/workstation session.
type Session struct {
	SessionID       string          `json:"sessionId"`
	WorkstationID   string          `json:"workstationId"`
	WorkstationName string          `json:"workstationName"`
	WorkstationType WorkstationType `json:"workstationType"`
	Username        string          `json:"username"`
	OperatorID      string          `json:"operatorId"`
	Role            string          `json:"role,omitempty"`
	LoginTime       time.Time       `json:"loginTime"`
	LastActivity    time.Time       `json:"lastActivity"`
	Valid           bool            `json:"valid"`
	CSRFToken       string          `json:"-"`
}

// SecurityState tracks failures and lockout for the current session.
type SecurityState struct {
	FailedAttempts int        `json:"failedAttempts"`
	IsLocked       bool       `json:"isLocked"`
	LockoutExpiry  *time.Time `json:"lockoutExpiry,omitempty"`
	LastActivity   time.Time  `json:"lastActivity"`
	SessionValid   bool       `json:"sessionValid"`
}

// OperatorRecord is the persisted operator identity written by the login flow.
type OperatorRecord struct {
	ID       string `json:"id" msgpack:"id" validate:"required"`
	Username string `json:"username" msgpack:"username" validate:"required"`
	Email    string `json:"email" msgpack:"email"`
	Role     string `json:"role" msgpack:"role"`
}

// WorkstationRecord describes the terminal the operator logged in on.
type WorkstationRecord struct {
	ID            string          `json:"id" msgpack:"id" validate:"required"`
	WorkstationID string          `json:"workstationId" msgpack:"workstationId" validate:"required"`
	Name          string          `json:"name" msgpack:"name"`
	Description   string          `json:"description,omitempty" msgpack:"description,omitempty"`
	Location      string          `json:"location,omitempty" msgpack:"location,omitempty"`
	Type          WorkstationType `json:"type" msgpack:"type"`
}

// WorkstationSessionRecord is the persisted workstation session.
type WorkstationSessionRecord struct {
	SessionID   string             `json:"sessionId" msgpack:"sessionId" validate:"required"`
	Workstation *WorkstationRecord `json:"workstation" msgpack:"workstation" validate:"required"`
	Username    string             `json:"username" msgpack:"username"`
	LoginTime   time.Time          `json:"loginTime" msgpack:"loginTime" validate:"required"`
}

// PersistedSession bundles the two records; both are required.
type PersistedSession struct {
	Operator    *OperatorRecord           `json:"operator" msgpack:"operator" validate:"required"`
	Workstation *WorkstationSessionRecord `json:"workstationSession" msgpack:"workstationSession" validate:"required"`
}
