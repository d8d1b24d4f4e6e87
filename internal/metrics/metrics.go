// Package metrics exposes invocation counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsprackett/jobkit/internal/events"
)

// Collector is an events.Broadcaster that keeps per-job metrics.
type Collector struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	running     *prometheus.GaugeVec
	outputBytes *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobkit",
			Name:      "invocations_total",
			Help:      "Completed invocations by job and final status.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobkit",
			Name:      "invocation_duration_seconds",
			Help:      "Run time of completed invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"job"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobkit",
			Name:      "invocations_running",
			Help:      "Invocations currently running.",
		}, []string{"job"}),
		outputBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobkit",
			Name:      "output_bytes_total",
			Help:      "Bytes of output captured.",
		}, []string{"job"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobkit",
			Name:      "transitions_total",
			Help:      "Broken and fixed transitions, enables and disables.",
		}, []string{"job", "type"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.invocations, c.duration, c.running, c.outputBytes, c.transitions,
	)
	return c
}

func (c *Collector) Broadcast(e events.Event) {
	switch e.Type {
	case events.TypeStarted:
		c.running.WithLabelValues(e.JobName).Inc()
	case events.TypeSuccess, events.TypeFailed, events.TypeCancelled:
		c.running.WithLabelValues(e.JobName).Dec()
		c.invocations.WithLabelValues(e.JobName, string(e.Status)).Inc()
		c.duration.WithLabelValues(e.JobName).Observe(float64(e.ElapsedMS) / 1000)
		if e.Invocation != nil {
			c.outputBytes.WithLabelValues(e.JobName).Add(float64(e.Invocation.Output.Len()))
		}
	case events.TypeBroken, events.TypeFixed, events.TypeEnabled, events.TypeDisabled:
		c.transitions.WithLabelValues(e.JobName, e.Type).Inc()
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
