// handlers_device.go - Device operation handlers
package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mes-console/backend/internal/gateway"
	"github.com/mes-console/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// DeviceHandlerImpl implements the DeviceHandler interface
type DeviceHandlerImpl struct {
	gateway OperationGateway
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(gw OperationGateway) DeviceHandler {
	return &DeviceHandlerImpl{gateway: gw}
}

// deviceOperationRequest accepts the WRITE value as either a JSON string
// or a bare JSON scalar; both reach the gateway as the text the operator
// entered.
type deviceOperationRequest struct {
	DeviceID  string           `json:"deviceId"`
	Operation models.Operation `json:"operation"`
	Address   string           `json:"address"`
	Value     json.RawMessage  `json:"value,omitempty"`
	DataType  models.DataType  `json:"dataType"`
}

func (r deviceOperationRequest) input() gateway.DeviceOperationInput {
	in := gateway.DeviceOperationInput{
		DeviceID:  r.DeviceID,
		Operation: r.Operation,
		Address:   r.Address,
		DataType:  r.DataType,
	}
	raw := bytes.TrimSpace(r.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return in
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		in.Value = text
	} else {
		in.Value = string(raw)
	}
	return in
}

// HandleDeviceOperation executes a READ or WRITE against a device.
// The body is always the operation result; the status code follows
// its error code.
func (h *DeviceHandlerImpl) HandleDeviceOperation(c echo.Context) error {
	var req deviceOperationRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("Invalid request body", err)
	}

	result := h.gateway.ExecuteDeviceOperation(c.Request().Context(), req.input())
	return c.JSON(resultStatus(result.ErrorCode), result)
}

// HandleHistory returns the most recent operation results, newest first
func (h *DeviceHandlerImpl) HandleHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gateway.Console().History())
}

// HandleHistoryMsgpack returns the operation history encoded as MessagePack
func (h *DeviceHandlerImpl) HandleHistoryMsgpack(c echo.Context) error {
	data, err := msgpack.Marshal(h.gateway.Console().History())
	if err != nil {
		return NewInternalError("Failed to encode history", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleDeviceStatus returns the last known status of every device
func (h *DeviceHandlerImpl) HandleDeviceStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gateway.Console().Devices())
}

// resultStatus maps a result error code to the HTTP status the console
// UI branches on. Device-side failures are still a 200: the request was
// carried out and the body says what the device answered.
func resultStatus(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case models.ErrCodeSessionInvalid:
		return http.StatusUnauthorized
	case models.ErrCodeLocked:
		return http.StatusLocked
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case models.ErrCodeInvalidRequest, models.ErrCodeInvalidAddress,
		models.ErrCodeInvalidValue, models.ErrCodeInvalidBarcode:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}
