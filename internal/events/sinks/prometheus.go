package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minorsearch/crawler/internal/events"
)

// PrometheusSink exports per-host fetch metrics and lifecycle event counts.
// The run-level gauges and counters live with the pipeline itself; this sink
// covers the dimensions only the event stream carries.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_events_total",
			Help: "Lifecycle events partitioned by type.",
		}, []string{"type"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_requests_total",
			Help: "Page fetches partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
		if evt.Type == events.TypePageFetched {
			s.observeFetch(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) observeFetch(evt events.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(events.StatusOther)
	}
	s.fetchRequests.WithLabelValues(host, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(host, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
