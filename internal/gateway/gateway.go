// Package gateway turns operator requests into device operations and
// barcode scans. Every request passes the same gate (session, lockout,
// rate limit, input validation) and then goes out over the realtime
// channel, or over HTTP when the channel is down. Every outcome
// resolves into a result value; nothing is returned as an error.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/metrics"
	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/ratelimit"
	"github.com/mes-console/backend/internal/realtime"
	"github.com/mes-console/backend/internal/sanitize"
	"github.com/mes-console/backend/internal/session"
	"go.uber.org/zap"
)

// DefaultOperationTimeout is how long a realtime operation waits for
// its result.
const DefaultOperationTimeout = 10 * time.Second

// SessionGuard is the session state the gateway checks and updates.
type SessionGuard interface {
	Status() models.SessionStatus
	Valid() bool
	Session() (models.Session, bool)
	IsLocked() bool
	SecurityState() models.SecurityState
	TouchActivity() bool
	ForceLogout(ctx context.Context, reason session.LogoutReason)
	RecordFailure(reason string) (triggered bool, expiry time.Time)
	RecordSuccess()
}

// Transport is the realtime channel.
type Transport interface {
	Send(msgType string, data any) error
	Handle(msgType string, fn realtime.Handler)
}

// Auditor receives security events.
type Auditor interface {
	Log(eventType string, details map[string]any)
}

// ResultRecorder persists completed operation results.
type ResultRecorder interface {
	RecordResult(ctx context.Context, result models.DeviceOperationResult) error
}

// DeviceOperationInput is an operator request before validation.
// Value is the raw text entered for WRITE operations.
type DeviceOperationInput struct {
	DeviceID  string           `json:"deviceId"`
	Operation models.Operation `json:"operation"`
	Address   string           `json:"address"`
	Value     string           `json:"value,omitempty"`
	DataType  models.DataType  `json:"dataType"`
}

// Options tunes the gateway.
type Options struct {
	OperationTimeout time.Duration
}

// Gateway executes device operations and barcode scans.
type Gateway struct {
	guard    SessionGuard
	limiter  *ratelimit.Limiter
	channel  Transport
	client   *DeviceClient
	audit    Auditor
	recorder ResultRecorder
	console  *Console
	clock    clock.Clock
	log      *zap.Logger
	opts     Options

	mu      sync.Mutex
	pending map[string]*pendingOp
}

type pendingOp struct {
	req     models.DeviceOperationRequest
	started time.Time
	timer   *clock.Timer
	done    chan models.DeviceOperationResult
}

// Config bundles the gateway's collaborators.
type Config struct {
	Guard    SessionGuard
	Limiter  *ratelimit.Limiter
	Channel  Transport
	Client   *DeviceClient
	Audit    Auditor
	Recorder ResultRecorder
	Console  *Console
	Clock    clock.Clock
	Log      *zap.Logger
	Options  Options
}

// New creates a gateway and registers its realtime handlers on
// cfg.Channel.
func New(cfg Config) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLimiter(cfg.Clock)
	}
	if cfg.Console == nil {
		cfg.Console = NewConsole(cfg.Clock)
	}
	if cfg.Options.OperationTimeout <= 0 {
		cfg.Options.OperationTimeout = DefaultOperationTimeout
	}
	g := &Gateway{
		guard:    cfg.Guard,
		limiter:  cfg.Limiter,
		channel:  cfg.Channel,
		client:   cfg.Client,
		audit:    cfg.Audit,
		recorder: cfg.Recorder,
		console:  cfg.Console,
		clock:    cfg.Clock,
		log:      logging.OrNop(cfg.Log).With(zap.String("component", "gateway")),
		opts:     cfg.Options,
		pending:  make(map[string]*pendingOp),
	}
	if g.channel != nil {
		g.registerHandlers()
	}
	return g
}

// Console returns the console state the gateway feeds.
func (g *Gateway) Console() *Console { return g.console }

// Limiter returns the rate limiter.
func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }

// PendingCount returns the number of operations awaiting a result.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// gate runs the checks shared by operations and scans. It returns the
// session when the request may proceed, or the rejection.
func (g *Gateway) gate(ctx context.Context, category ratelimit.Category, action string) (models.Session, *rejection) {
	sess, ok := g.guard.Session()
	if !ok || !g.guard.Valid() {
		g.emit(models.AuditSessionInvalid, map[string]any{"action": action})
		// Only a session that was live has anything to tear down
		if g.guard.Status() == models.SessionValid {
			g.guard.ForceLogout(ctx, session.ReasonInvalid)
		}
		return models.Session{}, &rejection{code: models.ErrCodeSessionInvalid, msg: "Session invalid"}
	}

	if g.guard.IsLocked() {
		state := g.guard.SecurityState()
		details := map[string]any{"sessionId": sess.SessionID, "action": action}
		msg := "Console locked"
		if state.LockoutExpiry != nil {
			details["lockoutExpiry"] = state.LockoutExpiry.UTC().Format(time.RFC3339)
			msg = fmt.Sprintf("Console locked until %s", state.LockoutExpiry.Format("15:04:05"))
		}
		g.emit(models.AuditOperationBlockedLocked, details)
		return sess, &rejection{code: models.ErrCodeLocked, msg: msg}
	}

	if !g.limiter.Allow(category, sess.SessionID) {
		remaining := g.limiter.Remaining(category, sess.SessionID)
		metrics.RateLimitRejections.WithLabelValues(string(category)).Inc()
		// Not a failed attempt: the window rolling over is the only recovery
		g.emit(models.AuditRateLimitExceeded, map[string]any{
			"sessionId": sess.SessionID,
			"category":  string(category),
			"remaining": remaining,
		})
		return sess, &rejection{code: models.ErrCodeRateLimited, msg: "Rate limit exceeded", remaining: &remaining}
	}
	return sess, nil
}

type rejection struct {
	code      string
	msg       string
	remaining *int
}

// ExecuteDeviceOperation validates and performs one PLC read or write.
func (g *Gateway) ExecuteDeviceOperation(ctx context.Context, in DeviceOperationInput) models.DeviceOperationResult {
	sess, rej := g.gate(ctx, ratelimit.DeviceOperation, "device_operation")
	if rej != nil {
		return g.rejected(in, rej)
	}

	deviceID := sanitize.Sanitize(in.DeviceID, sanitize.MaxDeviceIDLength)
	if deviceID == "" || !models.ValidOperation(in.Operation) || !models.ValidDataType(in.DataType) {
		g.fail(models.AuditInvalidRequest, map[string]any{
			"sessionId": sess.SessionID,
			"deviceId":  deviceID,
			"operation": string(in.Operation),
			"dataType":  string(in.DataType),
		})
		return g.rejected(in, &rejection{code: models.ErrCodeInvalidRequest, msg: "Invalid device operation request"})
	}

	address := sanitize.Sanitize(in.Address, sanitize.MaxAddressLength)
	if address == "" || !sanitize.IsValidPLCAddress(address) {
		g.fail(models.AuditInvalidAddress, map[string]any{
			"sessionId": sess.SessionID,
			"deviceId":  deviceID,
			"address":   address,
		})
		return g.rejected(in, &rejection{code: models.ErrCodeInvalidAddress, msg: "Invalid PLC address"})
	}

	var value any
	if in.Operation == models.OperationWrite {
		raw := sanitize.Sanitize(in.Value, sanitize.MaxValueLength)
		var err error
		if raw != "" {
			value, err = sanitize.ParseTypedValue(raw, in.DataType)
		}
		if raw == "" || err != nil {
			g.fail(models.AuditInvalidValue, map[string]any{
				"sessionId": sess.SessionID,
				"deviceId":  deviceID,
				"address":   address,
				"dataType":  string(in.DataType),
			})
			return g.rejected(in, &rejection{code: models.ErrCodeInvalidValue, msg: "Invalid value for " + string(in.DataType)})
		}
	}

	g.guard.TouchActivity()
	g.guard.RecordSuccess()

	req := models.DeviceOperationRequest{
		RequestID:     uuid.New().String(),
		WorkstationID: sess.WorkstationID,
		DeviceID:      deviceID,
		Operation:     in.Operation,
		Address:       address,
		Value:         value,
		DataType:      in.DataType,
		Timestamp:     g.clock.Now().UTC(),
		SecurityToken: sess.CSRFToken,
	}
	g.emit(models.AuditDeviceOperationStart, map[string]any{
		"sessionId": sess.SessionID,
		"requestId": req.RequestID,
		"deviceId":  req.DeviceID,
		"operation": string(req.Operation),
		"address":   req.Address,
	})

	if result, ok := g.executeRealtime(ctx, req); ok {
		return result
	}
	return g.executeFallback(ctx, sess, req)
}

func (g *Gateway) rejected(in DeviceOperationInput, rej *rejection) models.DeviceOperationResult {
	metrics.DeviceOperations.WithLabelValues(string(in.Operation), models.PathRejected, rej.code).Inc()
	return models.DeviceOperationResult{
		DeviceID:  in.DeviceID,
		Operation: in.Operation,
		Address:   in.Address,
		Success:   false,
		Error:     rej.msg,
		ErrorCode: rej.code,
		Remaining: rej.remaining,
		Path:      models.PathRejected,
		Timestamp: g.clock.Now().UTC(),
	}
}

// executeRealtime registers the pending completion, sends the request
// and waits. It reports false when the send failed and the caller
// should fall back.
func (g *Gateway) executeRealtime(ctx context.Context, req models.DeviceOperationRequest) (models.DeviceOperationResult, bool) {
	if g.channel == nil {
		return models.DeviceOperationResult{}, false
	}

	p := &pendingOp{
		req:     req,
		started: g.clock.Now(),
		done:    make(chan models.DeviceOperationResult, 1),
	}
	g.mu.Lock()
	g.pending[req.RequestID] = p
	p.timer = g.clock.AfterFunc(g.opts.OperationTimeout, func() { g.expire(req.RequestID) })
	g.mu.Unlock()

	if err := g.channel.Send(models.MsgTypeDeviceOperation, req); err != nil {
		if g.take(req.RequestID) != nil {
			g.log.Info("realtime unavailable, using HTTP", zap.String("request", req.RequestID), zap.Error(err))
			g.emit(models.AuditRealtimeFallback, map[string]any{
				"requestId": req.RequestID,
				"reason":    err.Error(),
			})
			return models.DeviceOperationResult{}, false
		}
	}

	select {
	case result := <-p.done:
		return result, true
	case <-ctx.Done():
		if g.take(req.RequestID) != nil {
			result := g.finish(p, false, nil, "operation cancelled", models.ErrCodeCancelled, g.elapsed(p.started), models.PathRealtime)
			g.emit(models.AuditDeviceOperationError, map[string]any{
				"requestId": req.RequestID,
				"deviceId":  req.DeviceID,
				"error":     ctx.Err().Error(),
			})
			return result, true
		}
		return <-p.done, true
	}
}

// take removes and returns the pending operation, or nil when another
// path already resolved it. Whoever takes it owns the resolution.
func (g *Gateway) take(requestID string) *pendingOp {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

func (g *Gateway) expire(requestID string) {
	p := g.take(requestID)
	if p == nil {
		return
	}
	g.log.Warn("operation timed out", zap.String("request", requestID), zap.String("device", p.req.DeviceID))
	result := g.finish(p, false, nil, "timeout", models.ErrCodeTimeout, g.opts.OperationTimeout.Milliseconds(), models.PathRealtime)
	g.emit(models.AuditDeviceOperationTimeout, map[string]any{
		"requestId": requestID,
		"deviceId":  p.req.DeviceID,
		"address":   p.req.Address,
		"timeoutMs": g.opts.OperationTimeout.Milliseconds(),
	})
	p.done <- result
}

func (g *Gateway) handleOperationResult(data json.RawMessage) {
	var payload models.DeviceOperationResultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.log.Warn("malformed operation result", zap.Error(err))
		return
	}
	p := g.take(payload.RequestID)
	if p == nil {
		g.log.Info("result for unknown or finished request ignored", zap.String("request", payload.RequestID))
		return
	}

	duration := payload.Duration
	if duration == 0 {
		duration = g.elapsed(p.started)
	}
	code := ""
	if !payload.Success {
		code = models.ErrCodeDevice
	}
	result := g.finish(p, payload.Success, payload.Data, payload.Error, code, duration, models.PathRealtime)
	g.emit(models.AuditDeviceOperationDone, map[string]any{
		"requestId": payload.RequestID,
		"deviceId":  p.req.DeviceID,
		"success":   payload.Success,
		"duration":  duration,
		"path":      models.PathRealtime,
	})
	p.done <- result
}

// finish builds the result and records it in the history.
func (g *Gateway) finish(p *pendingOp, success bool, data any, errMsg, code string, duration int64, path string) models.DeviceOperationResult {
	result := models.DeviceOperationResult{
		RequestID: p.req.RequestID,
		DeviceID:  p.req.DeviceID,
		Operation: p.req.Operation,
		Address:   p.req.Address,
		Success:   success,
		Data:      data,
		Error:     errMsg,
		ErrorCode: code,
		Duration:  duration,
		Path:      path,
		Timestamp: g.clock.Now().UTC(),
	}
	g.record(result)
	return result
}

func (g *Gateway) record(result models.DeviceOperationResult) {
	g.console.AppendResult(result)

	label := "success"
	if !result.Success {
		label = result.ErrorCode
	}
	metrics.DeviceOperations.WithLabelValues(string(result.Operation), result.Path, label).Inc()

	if g.recorder != nil {
		if err := g.recorder.RecordResult(context.Background(), result); err != nil {
			g.log.Warn("journaling result failed", zap.Error(err))
		}
	}
}

func (g *Gateway) executeFallback(ctx context.Context, sess models.Session, req models.DeviceOperationRequest) models.DeviceOperationResult {
	p := &pendingOp{req: req, started: g.clock.Now()}

	if g.client == nil {
		result := g.finish(p, false, nil, "no transport available", models.ErrCodeTransport, 0, models.PathFallback)
		g.emit(models.AuditDeviceOperationError, map[string]any{
			"requestId": req.RequestID,
			"deviceId":  req.DeviceID,
			"error":     result.Error,
		})
		return result
	}

	resp, err := g.client.Execute(ctx, sess.SessionID, sess.CSRFToken, req)
	duration := g.elapsed(p.started)
	if err != nil {
		g.log.Warn("fallback request failed", zap.String("request", req.RequestID), zap.Error(err))
		result := g.finish(p, false, nil, err.Error(), models.ErrCodeTransport, duration, models.PathFallback)
		g.emit(models.AuditDeviceOperationError, map[string]any{
			"requestId": req.RequestID,
			"deviceId":  req.DeviceID,
			"error":     err.Error(),
		})
		return result
	}

	code := ""
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		code = models.ErrCodeHTTP
	case !resp.Success:
		code = models.ErrCodeDevice
	}
	result := g.finish(p, resp.Success, resp.Data, resp.Error, code, duration, models.PathFallback)
	g.emit(models.AuditDeviceOperationDone, map[string]any{
		"requestId": req.RequestID,
		"deviceId":  req.DeviceID,
		"success":   resp.Success,
		"duration":  duration,
		"path":      models.PathFallback,
		"status":    resp.StatusCode,
	})
	return result
}

// CancelPending resolves every outstanding operation as cancelled,
// for example when the session ends.
func (g *Gateway) CancelPending(reason string) int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		p := g.take(id)
		if p == nil {
			continue
		}
		result := g.finish(p, false, nil, reason, models.ErrCodeCancelled, g.elapsed(p.started), models.PathRealtime)
		g.emit(models.AuditDeviceOperationError, map[string]any{
			"requestId": id,
			"deviceId":  p.req.DeviceID,
			"error":     reason,
		})
		p.done <- result
		n++
	}
	return n
}

// ExecuteBarcodeScan validates a locally scanned code, records it and
// notifies the backend when the channel is up.
func (g *Gateway) ExecuteBarcodeScan(ctx context.Context, code string) models.ScanResult {
	sess, rej := g.gate(ctx, ratelimit.BarcodeScan, "barcode_scan")
	if rej != nil {
		metrics.BarcodeScans.WithLabelValues(rej.code).Inc()
		return models.ScanResult{Error: rej.msg, ErrorCode: rej.code, Remaining: rej.remaining}
	}

	barcode := sanitize.Sanitize(code, sanitize.MaxBarcodeLength)
	if !sanitize.IsValidBarcode(barcode) {
		g.fail(models.AuditInvalidBarcode, map[string]any{
			"sessionId": sess.SessionID,
			"length":    len(code),
		})
		metrics.BarcodeScans.WithLabelValues(models.ErrCodeInvalidBarcode).Inc()
		return models.ScanResult{Error: "Invalid barcode format", ErrorCode: models.ErrCodeInvalidBarcode}
	}

	g.guard.TouchActivity()
	g.guard.RecordSuccess()

	now := g.clock.Now().UTC()
	rec := models.ScanRecord{
		Barcode:       barcode,
		WorkstationID: sess.WorkstationID,
		Username:      sess.Username,
		Source:        "manual",
		Timestamp:     now,
	}
	g.console.RecordScan(rec)

	notified := false
	if g.channel != nil {
		err := g.channel.Send(models.MsgTypeBarcodeScanEvent, models.BarcodeScanEventPayload{
			Barcode:       barcode,
			WorkstationID: sess.WorkstationID,
			Username:      sess.Username,
			Timestamp:     now,
			SecurityToken: sess.CSRFToken,
		})
		if err != nil {
			g.log.Debug("scan event not sent", zap.Error(err))
		} else {
			notified = true
		}
	}

	g.emit(models.AuditBarcodeScanSuccess, map[string]any{
		"sessionId": sess.SessionID,
		"barcode":   barcode,
		"notified":  notified,
	})
	g.console.AddEvent("barcode_scan", models.LevelInfo, "Barcode scanned", barcode)
	metrics.BarcodeScans.WithLabelValues("success").Inc()

	return models.ScanResult{Success: true, Scan: &rec, Notified: notified}
}

func (g *Gateway) elapsed(start time.Time) int64 {
	return g.clock.Now().Sub(start).Milliseconds()
}

// fail counts an input rejection against the lockout and audits it as
// one event, flagged when it tripped the lock.
func (g *Gateway) fail(eventType string, details map[string]any) {
	if triggered, expiry := g.guard.RecordFailure(eventType); triggered {
		details["lockoutTriggered"] = true
		details["lockoutExpiry"] = expiry.UTC().Format(time.RFC3339)
	}
	g.emit(eventType, details)
}

func (g *Gateway) emit(eventType string, details map[string]any) {
	if g.audit != nil {
		g.audit.Log(eventType, details)
	}
}
