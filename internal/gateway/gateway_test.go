package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/ratelimit"
	"github.com/mes-console/backend/internal/realtime"
	"github.com/mes-console/backend/internal/session"
	"github.com/mes-console/backend/internal/storage"
	"github.com/mes-console/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type harness struct {
	gw        *Gateway
	guard     *session.Guard
	store     *storage.MemoryStore
	clk       *clock.FakeClock
	audit     *testutil.AuditRecorder
	transport *testutil.FakeTransport
	sess      models.Session
}

func newHarness(t *testing.T, client *DeviceClient) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	store := testutil.SeededStore(epoch.Add(-time.Minute))
	rec := testutil.NewAuditRecorder()
	guard := session.NewGuard(store, clk, rec, nil, session.DefaultOptions())
	sess, err := guard.Validate(context.Background())
	require.NoError(t, err)
	rec.Reset()

	tr := testutil.NewFakeTransport()
	gw := New(Config{
		Guard:   guard,
		Channel: tr,
		Client:  client,
		Audit:   rec,
		Clock:   clk,
	})
	return &harness{gw: gw, guard: guard, store: store, clk: clk, audit: rec, transport: tr, sess: sess}
}

// answerWith replies to every device_operation synchronously.
func (h *harness) answerWith(success bool, data any, errMsg string) {
	h.transport.OnSend = func(msg testutil.SentMessage) {
		if msg.Type != models.MsgTypeDeviceOperation {
			return
		}
		var req models.DeviceOperationRequest
		_ = json.Unmarshal(msg.Data, &req)
		h.transport.Deliver(models.MsgTypeDeviceOperationResult, models.DeviceOperationResultPayload{
			RequestID: req.RequestID,
			Success:   success,
			Data:      data,
			Error:     errMsg,
			Duration:  15,
		})
	}
}

func readInput() DeviceOperationInput {
	return DeviceOperationInput{
		DeviceID:  "plc-1",
		Operation: models.OperationRead,
		Address:   "DB1.DBW0",
		DataType:  models.DataTypeInt,
	}
}

func TestRealtimeReadEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.answerWith(true, 42, "")

	h.clk.Advance(10 * time.Minute)
	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())

	assert.True(t, result.Success)
	assert.Equal(t, float64(42), result.Data)
	assert.Equal(t, models.PathRealtime, result.Path)
	assert.Equal(t, int64(15), result.Duration)
	assert.NotEmpty(t, result.RequestID)
	assert.Empty(t, result.ErrorCode)

	sent := h.transport.SentOfType(models.MsgTypeDeviceOperation)
	require.Len(t, sent, 1)
	var req models.DeviceOperationRequest
	require.NoError(t, json.Unmarshal(sent[0].Data, &req))
	assert.Equal(t, result.RequestID, req.RequestID)
	assert.Equal(t, testutil.WorkstationID, req.WorkstationID)
	assert.Equal(t, "plc-1", req.DeviceID)
	assert.Equal(t, models.OperationRead, req.Operation)
	assert.Equal(t, "DB1.DBW0", req.Address)
	assert.Equal(t, models.DataTypeInt, req.DataType)
	assert.Equal(t, h.sess.CSRFToken, req.SecurityToken)
	assert.Nil(t, req.Value)

	assert.Equal(t, []string{models.AuditDeviceOperationStart, models.AuditDeviceOperationDone}, h.audit.Types())
	history := h.gw.Console().History()
	require.Len(t, history, 1)
	assert.Equal(t, result.RequestID, history[0].RequestID)
	assert.Zero(t, h.gw.PendingCount())

	s, _ := h.guard.Session()
	assert.Equal(t, epoch.Add(10*time.Minute), s.LastActivity, "accepted operations touch activity")
}

func TestWriteSendsTypedValue(t *testing.T) {
	tests := []struct {
		name     string
		dataType models.DataType
		raw      string
		want     any
	}{
		{"int", models.DataTypeInt, "-12", float64(-12)},
		{"real", models.DataTypeReal, "3.5", 3.5},
		{"bool", models.DataTypeBool, "TRUE", true},
		{"bool false", models.DataTypeBool, "yes", false},
		{"string", models.DataTypeString, "ORD-7", "ORD-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.answerWith(true, nil, "")

			result := h.gw.ExecuteDeviceOperation(context.Background(), DeviceOperationInput{
				DeviceID:  "plc-1",
				Operation: models.OperationWrite,
				Address:   "M0.1",
				Value:     tt.raw,
				DataType:  tt.dataType,
			})
			require.True(t, result.Success)

			sent := h.transport.SentOfType(models.MsgTypeDeviceOperation)
			require.Len(t, sent, 1)
			var req map[string]any
			require.NoError(t, json.Unmarshal(sent[0].Data, &req))
			assert.Equal(t, tt.want, req["value"])
		})
	}
}

func TestOperationTimeoutResolvesOnce(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan models.DeviceOperationResult, 1)
	go func() { done <- h.gw.ExecuteDeviceOperation(context.Background(), readInput()) }()

	require.Eventually(t, func() bool {
		return h.gw.PendingCount() == 1 && len(h.transport.SentOfType(models.MsgTypeDeviceOperation)) == 1
	}, time.Second, time.Millisecond)
	sent := h.transport.SentOfType(models.MsgTypeDeviceOperation)
	var req models.DeviceOperationRequest
	require.NoError(t, json.Unmarshal(sent[0].Data, &req))

	h.clk.Advance(DefaultOperationTimeout - time.Millisecond)
	select {
	case <-done:
		t.Fatal("resolved before the timeout")
	default:
	}

	h.clk.Advance(time.Millisecond)
	var result models.DeviceOperationResult
	select {
	case result = <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout never resolved")
	}

	assert.False(t, result.Success)
	assert.Equal(t, "timeout", result.Error)
	assert.Equal(t, models.ErrCodeTimeout, result.ErrorCode)
	assert.Equal(t, int64(10000), result.Duration)
	assert.Equal(t, 1, h.audit.Count(models.AuditDeviceOperationTimeout))

	// A late result is ignored.
	h.transport.Deliver(models.MsgTypeDeviceOperationResult, models.DeviceOperationResultPayload{
		RequestID: req.RequestID,
		Success:   true,
		Data:      1,
	})
	assert.Zero(t, h.audit.Count(models.AuditDeviceOperationDone))
	assert.Len(t, h.gw.Console().History(), 1)
	assert.Zero(t, h.gw.PendingCount())
}

func TestContextCancelResolvesPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan models.DeviceOperationResult, 1)
	go func() { done <- h.gw.ExecuteDeviceOperation(ctx, readInput()) }()
	require.Eventually(t, func() bool { return h.gw.PendingCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	result := <-done
	assert.Equal(t, models.ErrCodeCancelled, result.ErrorCode)
	assert.Equal(t, 1, h.audit.Count(models.AuditDeviceOperationError))

	h.clk.Advance(DefaultOperationTimeout)
	assert.Zero(t, h.audit.Count(models.AuditDeviceOperationTimeout), "timer was stopped")
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan models.DeviceOperationResult, 1)
	go func() { done <- h.gw.ExecuteDeviceOperation(context.Background(), readInput()) }()
	require.Eventually(t, func() bool { return h.gw.PendingCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.gw.CancelPending("session ended"))
	result := <-done
	assert.Equal(t, models.ErrCodeCancelled, result.ErrorCode)
	assert.Equal(t, "session ended", result.Error)
}

func TestDeviceResultFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.answerWith(false, nil, "address out of range")

	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.False(t, result.Success)
	assert.Equal(t, "address out of range", result.Error)
	assert.Equal(t, models.ErrCodeDevice, result.ErrorCode)
}

func TestHTTPFallback(t *testing.T) {
	backend := testutil.NewDeviceBackend(map[string]any{"success": true, "data": 7})
	defer backend.Close()

	h := newHarness(t, NewDeviceClient(backend.URL, backend.Client()))
	h.transport.SetSendError(realtime.ErrNotConnected)

	result := h.gw.ExecuteDeviceOperation(context.Background(), DeviceOperationInput{
		DeviceID:  "plc-1",
		Operation: models.OperationWrite,
		Address:   "DB1.DBD4",
		Value:     "1.25",
		DataType:  models.DataTypeReal,
	})

	assert.True(t, result.Success)
	assert.Equal(t, float64(7), result.Data)
	assert.Equal(t, models.PathFallback, result.Path)

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer "+testutil.SessionID, reqs[0].Authorization)
	assert.Equal(t, h.sess.CSRFToken, reqs[0].CSRFToken)
	assert.Equal(t, testutil.WorkstationID, reqs[0].Body["workstationId"])
	assert.Equal(t, "plc-1", reqs[0].Body["deviceId"])
	assert.Equal(t, "WRITE", reqs[0].Body["operation"])
	assert.Equal(t, "DB1.DBD4", reqs[0].Body["address"])
	assert.Equal(t, 1.25, reqs[0].Body["value"])
	assert.Equal(t, "REAL", reqs[0].Body["dataType"])
	assert.Equal(t, result.RequestID, reqs[0].Body["requestId"])

	assert.Equal(t, []string{
		models.AuditDeviceOperationStart,
		models.AuditRealtimeFallback,
		models.AuditDeviceOperationDone,
	}, h.audit.Types())
	assert.Zero(t, h.gw.PendingCount())
	assert.Len(t, h.gw.Console().History(), 1)
}

func TestHTTPFallbackStatusWithoutError(t *testing.T) {
	backend := testutil.NewDeviceBackend(nil)
	defer backend.Close()
	backend.Respond(http.StatusServiceUnavailable, nil)

	h := newHarness(t, NewDeviceClient(backend.URL, backend.Client()))
	h.transport.SetSendError(realtime.ErrNotConnected)

	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP 503", result.Error)
	assert.Equal(t, models.ErrCodeHTTP, result.ErrorCode)
	assert.Equal(t, 1, h.audit.Count(models.AuditDeviceOperationDone))
}

func TestHTTPFallbackExplicitError(t *testing.T) {
	backend := testutil.NewDeviceBackend(nil)
	defer backend.Close()
	backend.Respond(http.StatusBadRequest, map[string]any{"success": false, "error": "device offline"})

	h := newHarness(t, NewDeviceClient(backend.URL, backend.Client()))
	h.transport.SetSendError(realtime.ErrNotConnected)

	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.Equal(t, "device offline", result.Error)
	assert.Equal(t, models.ErrCodeHTTP, result.ErrorCode)
}

func TestHTTPFallbackTransportFailure(t *testing.T) {
	backend := testutil.NewDeviceBackend(nil)
	url := backend.URL
	backend.Close()

	h := newHarness(t, NewDeviceClient(url, nil))
	h.transport.SetSendError(realtime.ErrNotConnected)

	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.False(t, result.Success)
	assert.Equal(t, models.ErrCodeTransport, result.ErrorCode)
	assert.Equal(t, models.PathFallback, result.Path)
	assert.Equal(t, 1, h.audit.Count(models.AuditDeviceOperationError))
	assert.Zero(t, h.audit.Count(models.AuditDeviceOperationDone))
	assert.Len(t, h.gw.Console().History(), 1)
}

func TestPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		input DeviceOperationInput
		code  string
		audit string
	}{
		{
			name:  "invalid address",
			input: DeviceOperationInput{DeviceID: "plc-1", Operation: models.OperationRead, Address: "X9", DataType: models.DataTypeInt},
			code:  models.ErrCodeInvalidAddress,
			audit: models.AuditInvalidAddress,
		},
		{
			name:  "address with markup",
			input: DeviceOperationInput{DeviceID: "plc-1", Operation: models.OperationRead, Address: "<script>x</script>", DataType: models.DataTypeInt},
			code:  models.ErrCodeInvalidAddress,
			audit: models.AuditInvalidAddress,
		},
		{
			name:  "bit out of range",
			input: DeviceOperationInput{DeviceID: "plc-1", Operation: models.OperationRead, Address: "M0.8", DataType: models.DataTypeBool},
			code:  models.ErrCodeInvalidAddress,
			audit: models.AuditInvalidAddress,
		},
		{
			name:  "empty write value",
			input: DeviceOperationInput{DeviceID: "plc-1", Operation: models.OperationWrite, Address: "M0.1", Value: "   ", DataType: models.DataTypeBool},
			code:  models.ErrCodeInvalidValue,
			audit: models.AuditInvalidValue,
		},
		{
			name:  "unparsable int",
			input: DeviceOperationInput{DeviceID: "plc-1", Operation: models.OperationWrite, Address: "DB1.DBW0", Value: "abc", DataType: models.DataTypeInt},
			code:  models.ErrCodeInvalidValue,
			audit: models.AuditInvalidValue,
		},
		{
			name:  "unknown operation",
			input: DeviceOperationInput{DeviceID: "plc-1", Operation: "DELETE", Address: "DB1.DBW0", DataType: models.DataTypeInt},
			code:  models.ErrCodeInvalidRequest,
			audit: models.AuditInvalidRequest,
		},
		{
			name:  "missing device",
			input: DeviceOperationInput{Operation: models.OperationRead, Address: "DB1.DBW0", DataType: models.DataTypeInt},
			code:  models.ErrCodeInvalidRequest,
			audit: models.AuditInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			result := h.gw.ExecuteDeviceOperation(context.Background(), tt.input)

			assert.False(t, result.Success)
			assert.Equal(t, tt.code, result.ErrorCode)
			assert.Equal(t, models.PathRejected, result.Path)
			assert.Equal(t, []string{tt.audit}, h.audit.Types())
			assert.Empty(t, h.transport.Sent(), "rejected requests never reach the backend")
			assert.Empty(t, h.gw.Console().History())
			assert.Equal(t, 1, h.guard.SecurityState().FailedAttempts)
		})
	}
}

func TestInvalidSessionRejected(t *testing.T) {
	t.Run("after logout", func(t *testing.T) {
		h := newHarness(t, nil)
		var reasons []session.LogoutReason
		h.guard.OnLogout(func(r session.LogoutReason) { reasons = append(reasons, r) })

		h.guard.Logout(context.Background())
		h.audit.Reset()

		result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
		assert.Equal(t, models.ErrCodeSessionInvalid, result.ErrorCode)
		assert.Equal(t, []string{models.AuditSessionInvalid}, h.audit.Types())
		assert.Equal(t, []session.LogoutReason{session.ReasonLogout}, reasons, "an ended session is not torn down twice")
		assert.True(t, h.store.Empty())
		assert.Empty(t, h.transport.Sent())
	})

	t.Run("never validated", func(t *testing.T) {
		clk := clock.Fake(epoch)
		store := testutil.SeededStore(epoch.Add(-time.Minute))
		rec := testutil.NewAuditRecorder()
		guard := session.NewGuard(store, clk, rec, nil, session.DefaultOptions())
		hooks := 0
		guard.OnLogout(func(session.LogoutReason) { hooks++ })
		gw := New(Config{Guard: guard, Channel: testutil.NewFakeTransport(), Audit: rec, Clock: clk})

		for i := 0; i < 3; i++ {
			result := gw.ExecuteDeviceOperation(context.Background(), readInput())
			assert.Equal(t, models.ErrCodeSessionInvalid, result.ErrorCode)
		}
		assert.Zero(t, hooks, "no logout hooks for a session that never started")
		assert.False(t, store.Empty(), "persisted login is left for validation")
		assert.Equal(t, 3, rec.Count(models.AuditSessionInvalid))
	})
}

func TestLockoutBlocksOperations(t *testing.T) {
	h := newHarness(t, nil)
	h.answerWith(true, 1, "")

	bad := DeviceOperationInput{DeviceID: "plc-1", Operation: models.OperationRead, Address: "nope", DataType: models.DataTypeInt}
	for i := 0; i < session.DefaultMaxFailedAttempts; i++ {
		h.gw.ExecuteDeviceOperation(context.Background(), bad)
	}
	events := h.audit.Events()
	require.Len(t, events, session.DefaultMaxFailedAttempts, "one audit event per rejection")
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, models.AuditInvalidAddress, ev.EventType)
		assert.NotContains(t, ev.Details, "lockoutTriggered")
	}
	last := events[len(events)-1]
	assert.Equal(t, models.AuditInvalidAddress, last.EventType)
	assert.Equal(t, true, last.Details["lockoutTriggered"])
	assert.Equal(t, h.clk.Now().Add(session.DefaultLockoutDuration).UTC().Format(time.RFC3339), last.Details["lockoutExpiry"])
	h.audit.Reset()

	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.Equal(t, models.ErrCodeLocked, result.ErrorCode)
	assert.Equal(t, []string{models.AuditOperationBlockedLocked}, h.audit.Types())

	h.clk.Advance(session.DefaultLockoutDuration)
	h.limiter().Reset(ratelimit.DeviceOperation, testutil.SessionID)
	result = h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.True(t, result.Success)
}

func (h *harness) limiter() *ratelimit.Limiter { return h.gw.Limiter() }

func TestRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.answerWith(true, 1, "")

	for i := 0; i < ratelimit.Ceiling(ratelimit.DeviceOperation); i++ {
		require.True(t, h.gw.ExecuteDeviceOperation(context.Background(), readInput()).Success, "call %d", i+1)
	}
	h.audit.Reset()

	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.Equal(t, models.ErrCodeRateLimited, result.ErrorCode)
	require.NotNil(t, result.Remaining)
	assert.Equal(t, 0, *result.Remaining)
	assert.Equal(t, []string{models.AuditRateLimitExceeded}, h.audit.Types())
	assert.Len(t, h.transport.SentOfType(models.MsgTypeDeviceOperation), 10)

	h.clk.Advance(ratelimit.Window + time.Millisecond)
	assert.True(t, h.gw.ExecuteDeviceOperation(context.Background(), readInput()).Success)
}

func TestRateLimitDoesNotLock(t *testing.T) {
	h := newHarness(t, nil)
	h.answerWith(true, 1, "")

	for i := 0; i < 15; i++ {
		h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	}
	assert.Equal(t, 5, h.audit.Count(models.AuditRateLimitExceeded))
	assert.False(t, h.guard.IsLocked())
	assert.Zero(t, h.guard.SecurityState().FailedAttempts)

	h.clk.Advance(ratelimit.Window + time.Second)
	result := h.gw.ExecuteDeviceOperation(context.Background(), readInput())
	assert.True(t, result.Success, "a fresh window allows again: %s %s", result.ErrorCode, result.Error)
}

func TestHistoryCapped(t *testing.T) {
	h := newHarness(t, nil)
	h.answerWith(true, 1, "")

	var last string
	for i := 0; i < 25; i++ {
		if i > 0 && i%10 == 0 {
			h.clk.Advance(ratelimit.Window + time.Second)
		}
		last = h.gw.ExecuteDeviceOperation(context.Background(), readInput()).RequestID
	}
	history := h.gw.Console().History()
	assert.Len(t, history, MaxOperationHistory)
	assert.Equal(t, last, history[0].RequestID)
}

func TestBarcodeScan(t *testing.T) {
	h := newHarness(t, nil)

	result := h.gw.ExecuteBarcodeScan(context.Background(), "  ORD-2026.001_A  ")
	require.True(t, result.Success)
	assert.True(t, result.Notified)
	require.NotNil(t, result.Scan)
	assert.Equal(t, "ORD-2026.001_A", result.Scan.Barcode)
	assert.Equal(t, "manual", result.Scan.Source)

	sent := h.transport.SentOfType(models.MsgTypeBarcodeScanEvent)
	require.Len(t, sent, 1)
	var payload models.BarcodeScanEventPayload
	require.NoError(t, json.Unmarshal(sent[0].Data, &payload))
	assert.Equal(t, "ORD-2026.001_A", payload.Barcode)
	assert.Equal(t, testutil.WorkstationID, payload.WorkstationID)
	assert.Equal(t, testutil.Username, payload.Username)
	assert.Equal(t, h.sess.CSRFToken, payload.SecurityToken)

	current, ok := h.gw.Console().CurrentScan()
	require.True(t, ok)
	assert.Equal(t, "ORD-2026.001_A", current.Barcode)
	assert.Equal(t, []string{models.AuditBarcodeScanSuccess}, h.audit.Types())
}

func TestBarcodeScanWithoutRealtime(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.SetSendError(errors.New("down"))

	result := h.gw.ExecuteBarcodeScan(context.Background(), "ABC123")
	assert.True(t, result.Success)
	assert.False(t, result.Notified)
	assert.Len(t, h.gw.Console().Scans(), 1)
}

func TestBarcodeScanRejections(t *testing.T) {
	t.Run("invalid format", func(t *testing.T) {
		h := newHarness(t, nil)
		result := h.gw.ExecuteBarcodeScan(context.Background(), "ORD 1")
		assert.Equal(t, models.ErrCodeInvalidBarcode, result.ErrorCode)
		assert.Equal(t, []string{models.AuditInvalidBarcode}, h.audit.Types())
		assert.Empty(t, h.gw.Console().Scans())
	})

	t.Run("empty", func(t *testing.T) {
		h := newHarness(t, nil)
		result := h.gw.ExecuteBarcodeScan(context.Background(), "")
		assert.Equal(t, models.ErrCodeInvalidBarcode, result.ErrorCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, nil)
		for i := 0; i < ratelimit.Ceiling(ratelimit.BarcodeScan); i++ {
			require.True(t, h.gw.ExecuteBarcodeScan(context.Background(), "CODE1").Success)
		}
		result := h.gw.ExecuteBarcodeScan(context.Background(), "CODE1")
		assert.Equal(t, models.ErrCodeRateLimited, result.ErrorCode)
		require.NotNil(t, result.Remaining)
		assert.Zero(t, *result.Remaining)
		assert.Len(t, h.gw.Console().Scans(), MaxScanHistory)
	})
}
