package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the gateway.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	publishFailures prometheus.Counter
	relayLatency    prometheus.Observer
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "application_transitions_total",
		Help: "Application lifecycle transitions by outcome",
	}, []string{"transition"})

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_commands_total",
		Help: "Admin commands handled, by command name",
	}, []string{"command"})

	publishFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_publish_failures_total",
		Help: "Events that could not be delivered to any relay",
	})

	relayLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_publish_seconds",
		Help:    "Latency for acknowledged relay publishes",
		Buckets: prometheus.DefBuckets,
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, commands, publishFailures, relayLatency, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitions:     transitions,
		commands:        commands,
		publishFailures: publishFailures,
		relayLatency:    relayLatency,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTransition counts a lifecycle transition such as created or approved.
func (m *MetricsService) RecordTransition(transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

// RecordCommand counts a handled admin command.
func (m *MetricsService) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

// RecordPublishFailure counts an event that reached no relay.
func (m *MetricsService) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// ObserveRelayPublish records the latency of an acknowledged publish.
func (m *MetricsService) ObserveRelayPublish(duration time.Duration) {
	if m == nil || m.relayLatency == nil {
		return
	}
	m.relayLatency.Observe(duration.Seconds())
}
