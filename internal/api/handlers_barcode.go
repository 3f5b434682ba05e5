// handlers_barcode.go - Barcode scan handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// BarcodeHandlerImpl implements the BarcodeHandler interface
type BarcodeHandlerImpl struct {
	gateway OperationGateway
}

// NewBarcodeHandler creates a new barcode handler
func NewBarcodeHandler(gw OperationGateway) BarcodeHandler {
	return &BarcodeHandlerImpl{gateway: gw}
}

type scanRequest struct {
	Barcode string `json:"barcode"`
}

// HandleScan submits a barcode read by the workstation's scanner
func (h *BarcodeHandlerImpl) HandleScan(c echo.Context) error {
	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("Invalid request body", err)
	}

	result := h.gateway.ExecuteBarcodeScan(c.Request().Context(), req.Barcode)
	return c.JSON(resultStatus(result.ErrorCode), result)
}

// HandleScanHistory returns the current scan and recent scans
func (h *BarcodeHandlerImpl) HandleScanHistory(c echo.Context) error {
	console := h.gateway.Console()
	resp := map[string]interface{}{
		"scans": console.Scans(),
	}
	if current, ok := console.CurrentScan(); ok {
		resp["current"] = current
	}
	return c.JSON(http.StatusOK, resp)
}
