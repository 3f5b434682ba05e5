package models

import "time"

// Timeline severities.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// TimelineEvent is an entry in the operator's activity feed.
type TimelineEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ScanRecord is one barcode scan, local or backend-initiated.
type ScanRecord struct {
	Barcode       string    `json:"barcode"`
	WorkstationID string    `json:"workstationId,omitempty"`
	Username      string    `json:"username,omitempty"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// ScanResult is the outcome of a local barcode scan.
type ScanResult struct {
	Success   bool        `json:"success"`
	Scan      *ScanRecord `json:"scan,omitempty"`
	Notified  bool        `json:"notified"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
	Remaining *int        `json:"remaining,omitempty"`
}
