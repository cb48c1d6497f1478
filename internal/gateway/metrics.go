package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Metrics holds the gateway's Prometheus instruments. Each Server owns its
// own registry so repeated construction (tests, embedded use) never trips
// duplicate-registration panics on the global default.
type Metrics struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	WSClients       prometheus.Gauge
	WSSentTotal     *prometheus.CounterVec
	WSDroppedTotal  prometheus.Counter
	WSRejectedTotal prometheus.Counter

	RateLimitDenials prometheus.Counter
	QueueShedTotal   prometheus.Counter

	CycleDuration prometheus.Histogram
}

// NewMetrics creates and registers the gateway instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "propstream_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "propstream_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),

		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "propstream_ws_clients",
				Help: "Currently connected WebSocket clients",
			},
		),

		WSSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "propstream_ws_messages_sent_total",
				Help: "Envelopes written to WebSocket clients by type",
			},
			[]string{"type"},
		),

		WSDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "propstream_ws_messages_dropped_total",
				Help: "Envelopes dropped because a client send buffer was full",
			},
		),

		WSRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "propstream_ws_connects_rejected_total",
				Help: "WebSocket upgrade attempts rejected before accept",
			},
		),

		RateLimitDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "propstream_ratelimit_denials_total",
				Help: "Requests denied by the admission rate limiter",
			},
		),

		QueueShedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "propstream_queue_shed_total",
				Help: "Requests shed by the queue guard",
			},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "propstream_stream_cycle_duration_seconds",
				Help:    "Duration of manually triggered stream cycles",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
	}

	m.registry.MustRegister(
		m.RequestDuration,
		m.RequestsTotal,
		m.WSClients,
		m.WSSentTotal,
		m.WSDroppedTotal,
		m.WSRejectedTotal,
		m.RateLimitDenials,
		m.QueueShedTotal,
		m.CycleDuration,
	)

	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// Snapshot gathers the registry the way a scrape would and folds the counter
// families into a JSON-friendly summary for the status document.
func (m *Metrics) Snapshot() map[string]any {
	out := make(map[string]any)

	families, err := m.registry.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("metrics gather failed")
		return out
	}

	for _, mf := range families {
		switch mf.GetName() {
		case "propstream_http_requests_total":
			byStatus := make(map[string]float64)
			total := 0.0
			for _, metric := range mf.GetMetric() {
				v := metric.GetCounter().GetValue()
				total += v
				if status := labelValue(metric, "status"); status != "" {
					byStatus[status] += v
				}
			}
			out["http_requests_total"] = total
			out["http_requests_by_status"] = byStatus
		case "propstream_ws_messages_sent_total":
			out["ws_messages_sent_total"] = sumCounters(mf)
		case "propstream_ws_messages_dropped_total":
			out["ws_messages_dropped_total"] = sumCounters(mf)
		case "propstream_ws_connects_rejected_total":
			out["ws_connects_rejected_total"] = sumCounters(mf)
		case "propstream_ratelimit_denials_total":
			out["ratelimit_denials_total"] = sumCounters(mf)
		case "propstream_queue_shed_total":
			out["queue_shed_total"] = sumCounters(mf)
		}
	}
	return out
}

func sumCounters(mf *dto.MetricFamily) float64 {
	total := 0.0
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
