package testutil

import (
	"time"

	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/storage"
)

// Fixture identities used across tests.
const (
	SessionID     = "sess-4f1c2a9e7b3d"
	WorkstationID = "WS-PRESS-01"
	Username      = "operator1"
)

// PersistedSession returns a complete persisted login at loginTime.
func PersistedSession(loginTime time.Time) *models.PersistedSession {
	return &models.PersistedSession{
		Operator: &models.OperatorRecord{
			ID:       "user-17",
			Username: Username,
			Email:    "operator1@plant.local",
			Role:     "operator",
		},
		Workstation: &models.WorkstationSessionRecord{
			SessionID: SessionID,
			Workstation: &models.WorkstationRecord{
				ID:            "ws-3",
				WorkstationID: WorkstationID,
				Name:          "Press Line 1",
				Location:      "Hall B",
				Type:          models.WorkstationInteractive,
			},
			Username:  Username,
			LoginTime: loginTime,
		},
	}
}

// SeededStore returns a MemoryStore holding a login at loginTime.
func SeededStore(loginTime time.Time) *storage.MemoryStore {
	return storage.NewMemoryStore(PersistedSession(loginTime))
}
