package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mes-console/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSession() *models.PersistedSession {
	return &models.PersistedSession{
		Operator: &models.OperatorRecord{ID: "u-1", Username: "op1", Email: "op1@plant.local", Role: "operator"},
		Workstation: &models.WorkstationSessionRecord{
			SessionID: "sess-0123456789",
			Workstation: &models.WorkstationRecord{
				ID:            "w-1",
				WorkstationID: "WS-01",
				Name:          "Line 1 Press",
				Type:          models.WorkstationInteractive,
			},
			Username:  "op1",
			LoginTime: time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC),
		},
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.PersistedSession)
		err    error
	}{
		{"complete", func(*models.PersistedSession) {}, nil},
		{"missing operator", func(s *models.PersistedSession) { s.Operator = nil }, ErrIncomplete},
		{"missing workstation session", func(s *models.PersistedSession) { s.Workstation = nil }, ErrIncomplete},
		{"missing session id", func(s *models.PersistedSession) { s.Workstation.SessionID = "" }, ErrIncomplete},
		{"missing workstation", func(s *models.PersistedSession) { s.Workstation.Workstation = nil }, ErrIncomplete},
		{"missing user id", func(s *models.PersistedSession) { s.Operator.ID = "" }, ErrIncomplete},
		{"missing workstation id", func(s *models.PersistedSession) { s.Workstation.Workstation.WorkstationID = "" }, ErrIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSession()
			tt.mutate(s)
			err := Check(s)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}

	assert.ErrorIs(t, Check(nil), ErrNoSession)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session", "current.msgpack")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	t.Run("empty store", func(t *testing.T) {
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, validSession()))
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "sess-0123456789", got.Workstation.SessionID)
		assert.Equal(t, "WS-01", got.Workstation.Workstation.WorkstationID)
		assert.True(t, validSession().Workstation.LoginTime.Equal(got.Workstation.LoginTime))
	})

	t.Run("save rejects incomplete", func(t *testing.T) {
		s := validSession()
		s.Operator = nil
		assert.ErrorIs(t, store.Save(ctx, s), ErrIncomplete)
	})

	t.Run("corrupt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte{0xc1, 0x00, 0x01}, 0600))
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, validSession()))
		require.NoError(t, store.Clear(ctx))
		require.NoError(t, store.Clear(ctx))
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := validSession()
	s.Workstation.SessionID = ""
	store := NewMemoryStore(s)

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrIncomplete)

	require.NoError(t, store.Clear(ctx))
	assert.True(t, store.Empty())
	assert.Equal(t, 1, store.Clears())

	require.NoError(t, store.Save(ctx, validSession()))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "op1", got.Operator.Username)
}
