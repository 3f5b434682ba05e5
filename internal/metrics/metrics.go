package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeviceOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mes_console_device_operations_total",
			Help: "Device operations by operation, delivery path and result",
		},
		[]string{"operation", "path", "result"},
	)
	BarcodeScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mes_console_barcode_scans_total",
			Help: "Local barcode scans by result",
		},
		[]string{"result"},
	)
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mes_console_rate_limit_rejections_total",
			Help: "Calls rejected by the client-side rate limiter",
		},
		[]string{"category"},
	)
	RealtimeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mes_console_realtime_state",
			Help: "1 for the current realtime channel state, 0 otherwise",
		},
		[]string{"state"},
	)
	RealtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mes_console_realtime_reconnects_total",
			Help: "Reconnect attempts scheduled after abnormal closes",
		},
	)
	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mes_console_audit_events_total",
			Help: "Audit events emitted by type",
		},
		[]string{"event_type"},
	)
	AuditSinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mes_console_audit_sink_failures_total",
			Help: "Audit events a sink failed to accept",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		DeviceOperations,
		BarcodeScans,
		RateLimitRejections,
		RealtimeState,
		RealtimeReconnects,
		AuditEvents,
		AuditSinkFailures,
	)
}

// SetRealtimeState flips the state gauge so exactly one label is 1.
func SetRealtimeState(state string, all []string) {
	for _, s := range all {
		if s == state {
			RealtimeState.WithLabelValues(s).Set(1)
		} else {
			RealtimeState.WithLabelValues(s).Set(0)
		}
	}
}
