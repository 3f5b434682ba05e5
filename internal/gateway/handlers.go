package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/sanitize"
	"go.uber.org/zap"
)

func (g *Gateway) registerHandlers() {
	g.channel.Handle(models.MsgTypeDeviceOperationResult, g.handleOperationResult)
	g.channel.Handle(models.MsgTypeDeviceStatusUpdate, g.handleDeviceStatus)
	g.channel.Handle(models.MsgTypeOrderUpdate, g.handleOrderUpdate)
	g.channel.Handle(models.MsgTypeSystemNotification, g.handleSystemNotification)
	g.channel.Handle(models.MsgTypeBarcodeScan, g.handleBarcodeScan)
}

// handleDeviceStatus accepts a single status or a list.
func (g *Gateway) handleDeviceStatus(data json.RawMessage) {
	var list []models.DeviceStatus
	if err := json.Unmarshal(data, &list); err != nil {
		var one models.DeviceStatus
		if err := json.Unmarshal(data, &one); err != nil {
			g.log.Warn("malformed device status", zap.Error(err))
			return
		}
		list = []models.DeviceStatus{one}
	}
	for _, s := range list {
		if s.DeviceID == "" {
			continue
		}
		g.console.UpsertDevice(s)
		level := models.LevelInfo
		if !s.Connected {
			level = models.LevelWarning
		}
		name := s.DeviceID
		if s.Name != "" {
			name = s.Name
		}
		g.console.AddEvent("device_status", level, "Device "+name, s.Status)
	}
}

func (g *Gateway) handleOrderUpdate(data json.RawMessage) {
	var p models.OrderUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.OrderID == "" {
		g.log.Warn("malformed order update", zap.Error(err))
		return
	}
	o := g.console.UpdateOrder(p)
	g.console.AddEvent("order_update", models.LevelInfo, "Order "+o.OrderID,
		fmt.Sprintf("%s (%.0f%%)", o.Status, o.Progress))
}

func (g *Gateway) handleSystemNotification(data json.RawMessage) {
	var p models.SystemNotificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.log.Warn("malformed notification", zap.Error(err))
		return
	}
	level := p.Level
	switch level {
	case models.LevelInfo, models.LevelSuccess, models.LevelWarning, models.LevelError:
	default:
		level = models.LevelInfo
	}
	g.console.AddEvent("system_notification", level, p.Title, p.Message)
}

func (g *Gateway) handleBarcodeScan(data json.RawMessage) {
	var p models.BarcodeScanPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.log.Warn("malformed barcode scan", zap.Error(err))
		return
	}
	barcode := sanitize.Sanitize(p.Barcode, sanitize.MaxBarcodeLength)
	if !sanitize.IsValidBarcode(barcode) {
		g.log.Warn("invalid barcode from backend ignored")
		return
	}
	source := p.Source
	if source == "" {
		source = "backend"
	}
	g.console.RecordScan(models.ScanRecord{
		Barcode:       barcode,
		WorkstationID: p.WorkstationID,
		Username:      p.Username,
		Source:        source,
		Timestamp:     g.clock.Now().UTC(),
	})
	g.console.AddEvent("barcode_scan", models.LevelInfo, "Barcode received", barcode)
}
