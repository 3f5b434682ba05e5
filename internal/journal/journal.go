// Package journal keeps a local DuckDB record of audit events and device
// operation results, so the workstation can show its own trail even when
// the external security log is unreachable.
package journal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/models"
	"go.uber.org/zap"
)

// Limits for the Recent queries.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// clampLimit bounds a caller-supplied row count.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return min(limit, MaxRecentLimit)
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS audit_seq;
CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGINT DEFAULT nextval('audit_seq'),
	ts         BIGINT NOT NULL,
	event_type VARCHAR NOT NULL,
	details    VARCHAR
);
CREATE SEQUENCE IF NOT EXISTS result_seq;
CREATE TABLE IF NOT EXISTS operation_results (
	id          BIGINT DEFAULT nextval('result_seq'),
	ts          BIGINT NOT NULL,
	request_id  VARCHAR,
	device_id   VARCHAR,
	operation   VARCHAR,
	address     VARCHAR,
	success     BOOLEAN NOT NULL,
	data        VARCHAR,
	error       VARCHAR,
	error_code  VARCHAR,
	duration_ms BIGINT,
	path        VARCHAR
);
`

// Journal is a DuckDB-backed append-only store.
type Journal struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open creates or opens the journal database at path. An empty path
// keeps the journal in memory.
func Open(path string, log *zap.Logger) (*Journal, error) {
	log = logging.OrNop(log).With(zap.String("component", "journal"))

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA threads=1",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				log.Warn("pragma failed", zap.String("pragma", pragma), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}

	log.Info("journal opened", zap.String("path", path))
	return &Journal{db: db, path: path, log: log}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Name identifies the journal as an audit sink.
func (j *Journal) Name() string { return "journal" }

// Write appends an audit event.
func (j *Journal) Write(ctx context.Context, event models.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("encoding details: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, event_type, details) VALUES (?, ?, ?)`,
		event.Timestamp.UnixMilli(), event.EventType, string(details))
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first. eventType
// filters when non-empty.
func (j *Journal) RecentEvents(ctx context.Context, limit int, eventType string) ([]models.AuditEvent, error) {
	limit = clampLimit(limit)

	query := `SELECT ts, event_type, details FROM audit_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	events := []models.AuditEvent{}
	for rows.Next() {
		var (
			ts        int64
			eventType string
			details   sql.NullString
		)
		if err := rows.Scan(&ts, &eventType, &details); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		event := models.AuditEvent{
			Timestamp: time.UnixMilli(ts).UTC(),
			EventType: eventType,
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				j.log.Warn("corrupt audit details", zap.Error(err))
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// RecordResult appends a device operation result.
func (j *Journal) RecordResult(ctx context.Context, result models.DeviceOperationResult) error {
	var data sql.NullString
	if result.Data != nil {
		raw, err := json.Marshal(result.Data)
		if err != nil {
			return fmt.Errorf("encoding result data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO operation_results
			(ts, request_id, device_id, operation, address, success, data, error, error_code, duration_ms, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.Timestamp.UnixMilli(), result.RequestID, result.DeviceID, string(result.Operation),
		result.Address, result.Success, data, result.Error, result.ErrorCode, result.Duration, result.Path)
	if err != nil {
		return fmt.Errorf("inserting operation result: %w", err)
	}
	return nil
}

// RecentResults returns up to limit results, newest first.
func (j *Journal) RecentResults(ctx context.Context, limit int) ([]models.DeviceOperationResult, error) {
	limit = clampLimit(limit)

	rows, err := j.db.QueryContext(ctx, `
		SELECT ts, request_id, device_id, operation, address, success, data, error, error_code, duration_ms, path
		FROM operation_results
		ORDER BY ts DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operation results: %w", err)
	}
	defer rows.Close()

	results := []models.DeviceOperationResult{}
	for rows.Next() {
		var (
			ts                                   int64
			requestID, deviceID, operation, addr sql.NullString
			data, errMsg, errCode, path          sql.NullString
			success                              bool
			duration                             sql.NullInt64
		)
		if err := rows.Scan(&ts, &requestID, &deviceID, &operation, &addr, &success,
			&data, &errMsg, &errCode, &duration, &path); err != nil {
			return nil, fmt.Errorf("scanning operation result: %w", err)
		}
		r := models.DeviceOperationResult{
			Timestamp: time.UnixMilli(ts).UTC(),
			RequestID: requestID.String,
			DeviceID:  deviceID.String,
			Operation: models.Operation(operation.String),
			Address:   addr.String,
			Success:   success,
			Error:     errMsg.String,
			ErrorCode: errCode.String,
			Duration:  duration.Int64,
			Path:      path.String,
		}
		if data.Valid {
			var v any
			if err := json.Unmarshal([]byte(data.String), &v); err == nil {
				r.Data = v
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
