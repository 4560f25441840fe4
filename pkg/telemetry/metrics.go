// Package telemetry exposes delivery metrics and error reporting.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crosspost"

// Metrics holds the prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	deliveries     *prometheus.CounterVec
	pipelineTime   *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	uploadPhases   *prometheus.CounterVec
	requests       *prometheus.CounterVec
	activeRequests prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Per-account delivery outcomes",
			},
			[]string{"platform", "kind"}, // kind is "ok" on success
		),
		pipelineTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of one account pipeline in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"platform"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_retries_total",
				Help:      "Transient publish retries",
			},
			[]string{"platform"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Silent token refresh attempts",
			},
			[]string{"platform", "result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_cache_lookups_total",
				Help:      "Channel cache decisions",
			},
			[]string{"result"}, // hit, miss, stale, error
		),
		uploadPhases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_phase_calls_total",
				Help:      "Media upload phase calls",
			},
			[]string{"protocol", "phase"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_requests_total",
				Help:      "Publish requests by report status",
			},
			[]string{"status"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "publish_requests_active",
				Help:      "Publish requests currently fanning out",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.deliveries, m.pipelineTime, m.retries, m.refreshes,
		m.cacheLookups, m.uploadPhases, m.requests, m.activeRequests,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Delivery records one account outcome. kind is empty on success.
func (m *Metrics) Delivery(platform, kind string, took time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.deliveries.WithLabelValues(platform, kind).Inc()
	m.pipelineTime.WithLabelValues(platform).Observe(took.Seconds())
}

func (m *Metrics) Retry(platform string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(platform).Inc()
}

func (m *Metrics) Refresh(platform string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.refreshes.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) UploadPhase(protocol, phase string) {
	if m == nil {
		return
	}
	m.uploadPhases.WithLabelValues(protocol, phase).Inc()
}

// RequestStarted marks a request as fanning out and returns its completion
// func, which records the final report status.
func (m *Metrics) RequestStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	m.activeRequests.Inc()
	return func(status string) {
		m.activeRequests.Dec()
		m.requests.WithLabelValues(status).Inc()
	}
}
