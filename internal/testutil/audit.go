// Package testutil holds fakes shared by the package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/mes-console/backend/internal/models"
)

// AuditRecorder captures audit events. It serves both as a direct
// auditor (Log) and as an audit sink (Write).
type AuditRecorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

// NewAuditRecorder creates an empty recorder.
func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{}
}

func (r *AuditRecorder) Log(eventType string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.AuditEvent{EventType: eventType, Details: details})
}

func (r *AuditRecorder) Name() string { return "recorder" }

func (r *AuditRecorder) Write(_ context.Context, event models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded.
func (r *AuditRecorder) Events() []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *AuditRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.EventType
	}
	return types
}

// Count returns how many events of eventType were recorded.
func (r *AuditRecorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// Last returns the most recent event of eventType.
func (r *AuditRecorder) Last(eventType string) (models.AuditEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == eventType {
			return r.events[i], true
		}
	}
	return models.AuditEvent{}, false
}

// Reset drops recorded events.
func (r *AuditRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
