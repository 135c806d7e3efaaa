package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/remlink/relay/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	connGauge     prometheus.Gauge
	hostGauge     prometheus.Gauge
	sessionGauge  prometheus.Gauge
	attachTotal   *prometheus.CounterVec
	closeTotal    *prometheus.CounterVec
	relayedTotal  *prometheus.CounterVec
	transferBytes prometheus.Counter
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remlink_relay_connections",
			Help: "Current websocket connection count.",
		}),
		hostGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remlink_relay_hosts",
			Help: "Current registered host count.",
		}),
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remlink_relay_sessions",
			Help: "Current live controller session count.",
		}),
		attachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remlink_relay_attach_total",
			Help: "Controller attach attempts by result and reason.",
		}, []string{"result", "reason"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remlink_relay_close_total",
			Help: "Connection closes by reason.",
		}, []string{"reason"}),
		relayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remlink_relay_frames_total",
			Help: "Frames routed through the relay by kind.",
		}, []string{"kind"}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remlink_relay_transfer_bytes_total",
			Help: "Bytes received through chunked file uploads.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.hostGauge,
		o.sessionGauge,
		o.attachTotal,
		o.closeTotal,
		o.relayedTotal,
		o.transferBytes,
	)
	return o
}

func (o *RelayObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *RelayObserver) HostCount(n int) {
	o.hostGauge.Set(float64(n))
}

func (o *RelayObserver) SessionCount(n int) {
	o.sessionGauge.Set(float64(n))
}

func (o *RelayObserver) Attach(result observability.AttachResult, reason observability.AttachReason) {
	o.attachTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *RelayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *RelayObserver) Relayed(kind observability.RelayKind) {
	o.relayedTotal.WithLabelValues(string(kind)).Inc()
}

func (o *RelayObserver) TransferBytes(n int64) {
	o.transferBytes.Add(float64(n))
}
