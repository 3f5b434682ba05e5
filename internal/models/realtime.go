package models

import (
	"encoding/json"
	"time"
)

// Realtime message types.
const (
	// Console -> backend
	MsgTypeSubscribe        = "subscribe"
	MsgTypePing             = "ping"
	MsgTypeBarcodeScanEvent = "barcode_scan_event"
	MsgTypeDeviceOperation  = "device_operation"

	// Backend -> console
	MsgTypePong                  = "pong"
	MsgTypeDeviceStatusUpdate    = "device_status_update"
	MsgTypeDeviceOperationResult = "device_operation_result"
	MsgTypeOrderUpdate           = "order_update"
	MsgTypeSystemNotification    = "system_notification"
	MsgTypeBarcodeScan           = "barcode_scan"
)

// Envelope is the realtime message wrapper used in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope stamped with now.
func NewEnvelope(msgType string, data any, now time.Time) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: now.UTC().Format(time.RFC3339Nano)}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

type SubscribePayload struct {
	WorkstationID string `json:"workstationId"`
	SessionID     string `json:"sessionId"`
	Username      string `json:"username"`
}

type PingPayload struct {
	SessionID string `json:"sessionId"`
}

type BarcodeScanEventPayload struct {
	Barcode       string    `json:"barcode"`
	WorkstationID string    `json:"workstationId"`
	Username      string    `json:"username"`
	Timestamp     time.Time `json:"timestamp"`
	SecurityToken string    `json:"securityToken"`
}

// DeviceOperationResultPayload is the backend's answer to a device_operation.
type DeviceOperationResultPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
}

// OrderUpdatePayload patches an order. Absent fields keep their value.
type OrderUpdatePayload struct {
	OrderID  string   `json:"orderId"`
	Status   string   `json:"status,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

type SystemNotificationPayload struct {
	Level   string `json:"level"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// BarcodeScanPayload is a scan initiated by the backend (e.g. a fixed reader).
type BarcodeScanPayload struct {
	Barcode       string `json:"barcode"`
	WorkstationID string `json:"workstationId,omitempty"`
	Username      string `json:"username,omitempty"`
	Source        string `json:"source,omitempty"`
}
