// Package audit reports security-relevant events to external sinks.
// Logging is fire-and-forget: callers never block on, or observe
// failures of, the sinks.
package audit

import (
	"context"
	"sync"

	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/metrics"
	"github.com/mes-console/backend/internal/models"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds the number of events waiting for the sinks.
const DefaultQueueSize = 256

// Sink receives audit events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event models.AuditEvent) error
}

// Logger fans audit events out to its sinks from a single worker goroutine.
type Logger struct {
	clock  clock.Clock
	log    *zap.Logger
	sinks  []Sink
	queue  chan models.AuditEvent
	done   chan struct{}
	closed bool
	mu     sync.RWMutex
}

// NewLogger starts the delivery worker. queueSize <= 0 uses DefaultQueueSize.
func NewLogger(clk clock.Clock, log *zap.Logger, queueSize int, sinks ...Sink) *Logger {
	if clk == nil {
		clk = clock.Real()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	l := &Logger{
		clock: clk,
		log:   logging.OrNop(log).With(zap.String("component", "audit")),
		sinks: sinks,
		queue: make(chan models.AuditEvent, queueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Log records an event. The session id in details is truncated before
// the event leaves the process. Never blocks; when the queue is full
// the event is dropped and a warning logged.
func (l *Logger) Log(eventType string, details map[string]any) {
	event := models.AuditEvent{
		Timestamp: l.clock.Now().UTC(),
		EventType: eventType,
		Details:   redact(details),
	}
	metrics.AuditEvents.WithLabelValues(eventType).Inc()

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- event:
	default:
		l.log.Warn("audit queue full, event dropped", zap.String("event_type", eventType))
	}
}

// Close stops accepting events and waits until queued events are
// delivered or ctx expires.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for event := range l.queue {
		for _, sink := range l.sinks {
			if err := sink.Write(context.Background(), event); err != nil {
				metrics.AuditSinkFailures.WithLabelValues(sink.Name()).Inc()
				l.log.Warn("audit sink rejected event",
					zap.String("sink", sink.Name()),
					zap.String("event_type", event.EventType),
					zap.Error(err))
			}
		}
	}
}

// redact copies details and shortens the session token.
func redact(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	if id, ok := out["sessionId"].(string); ok {
		out["sessionId"] = logging.ShortID(id)
	}
	return out
}
