package models

import "time"

// Audit event types.
const (
	AuditSessionValidated       = "SESSION_VALIDATED"
	AuditSessionInvalid         = "SESSION_INVALID"
	AuditSessionExpired         = "SESSION_EXPIRED"
	AuditSessionTimeout         = "SESSION_TIMEOUT"
	AuditLogout                 = "LOGOUT"
	AuditOperationBlockedLocked = "OPERATION_BLOCKED_LOCKED"
	AuditRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	AuditInvalidAddress         = "INVALID_ADDRESS"
	AuditInvalidValue           = "INVALID_VALUE"
	AuditInvalidRequest         = "INVALID_REQUEST"
	AuditInvalidBarcode         = "INVALID_BARCODE"
	AuditDeviceOperationStart   = "DEVICE_OPERATION_START"
	AuditDeviceOperationDone    = "DEVICE_OPERATION_COMPLETE"
	AuditDeviceOperationTimeout = "DEVICE_OPERATION_TIMEOUT"
	AuditDeviceOperationError   = "DEVICE_OPERATION_ERROR"
	AuditRealtimeFallback       = "REALTIME_FALLBACK"
	AuditBarcodeScanSuccess     = "BARCODE_SCAN_SUCCESS"
)

// AuditEvent is an immutable security-relevant record sent to the sinks.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"eventType"`
	Details   map[string]any `json:"details"`
}
