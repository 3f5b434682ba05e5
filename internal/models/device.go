package models

import "time"

// Operation is the direction of a device operation.
type Operation string

const (
	OperationRead  Operation = "READ"
	OperationWrite Operation = "WRITE"
)

// DataType is the PLC data type of the addressed value.
type DataType string

const (
	DataTypeBool   DataType = "BOOL"
	DataTypeByte   DataType = "BYTE"
	DataTypeWord   DataType = "WORD"
	DataTypeDWord  DataType = "DWORD"
	DataTypeInt    DataType = "INT"
	DataTypeDInt   DataType = "DINT"
	DataTypeReal   DataType = "REAL"
	DataTypeFloat  DataType = "FLOAT"
	DataTypeString DataType = "STRING"
)

// ValidOperation reports whether op is READ or WRITE.
func ValidOperation(op Operation) bool {
	return op == OperationRead || op == OperationWrite
}

// ValidDataType reports whether dt is one of the supported PLC types.
func ValidDataType(dt DataType) bool {
	switch dt {
	case DataTypeBool, DataTypeByte, DataTypeWord, DataTypeDWord,
		DataTypeInt, DataTypeDInt, DataTypeReal, DataTypeFloat, DataTypeString:
		return true
	}
	return false
}

// Result paths.
const (
	PathRealtime = "realtime"
	PathFallback = "http"
	PathRejected = "rejected"
)

// Error codes carried by rejected or failed results.
const (
	ErrCodeSessionInvalid = "SESSION_INVALID"
	ErrCodeLocked         = "LOCKED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInvalidAddress = "INVALID_ADDRESS"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidBarcode = "INVALID_BARCODE"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeTransport      = "TRANSPORT"
	ErrCodeHTTP           = "HTTP_ERROR"
	ErrCodeDevice         = "DEVICE_ERROR"
	ErrCodeCancelled      = "CANCELLED"
)

// DeviceOperationRequest is what gets sent to the device backend, over
// the realtime channel or the HTTP fallback.
type DeviceOperationRequest struct {
	RequestID     string    `json:"requestId"`
	WorkstationID string    `json:"workstationId"`
	DeviceID      string    `json:"deviceId"`
	Operation     Operation `json:"operation"`
	Address       string    `json:"address"`
	Value         any       `json:"value,omitempty"`
	DataType      DataType  `json:"dataType"`
	Timestamp     time.Time `json:"timestamp"`
	SecurityToken string    `json:"securityToken,omitempty"`
}

// DeviceOperationResult is the single shape every outcome resolves into.
type DeviceOperationResult struct {
	RequestID string    `json:"requestId,omitempty" msgpack:"requestId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty" msgpack:"deviceId,omitempty"`
	Operation Operation `json:"operation,omitempty" msgpack:"operation,omitempty"`
	Address   string    `json:"address,omitempty" msgpack:"address,omitempty"`
	Success   bool      `json:"success" msgpack:"success"`
	Data      any       `json:"data,omitempty" msgpack:"data,omitempty"`
	Error     string    `json:"error,omitempty" msgpack:"error,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty" msgpack:"errorCode,omitempty"`
	Remaining *int      `json:"remaining,omitempty" msgpack:"remaining,omitempty"`
	Duration  int64     `json:"duration" msgpack:"duration"` // ms
	Path      string    `json:"path" msgpack:"path"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// DeviceStatus is one entry of the device status list pushed by the backend.
type DeviceStatus struct {
	DeviceID    string         `json:"deviceId"`
	Name        string         `json:"name,omitempty"`
	Status      string         `json:"status"`
	Connected   bool           `json:"connected"`
	Values      map[string]any `json:"values,omitempty"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// OrderStatus is the console's view of a production order.
type OrderStatus struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
