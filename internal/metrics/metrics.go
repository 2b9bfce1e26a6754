// Package metrics exposes sync run counters and pushes them to a Prometheus
// Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsNamespace = "portalsync"

// Record outcomes counted per entity.
const (
	OutcomeFetched   = "fetched"
	OutcomeInvalid   = "invalid"
	OutcomeInserted  = "inserted"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Collector is a prometheus.Collector for sync runs.
type Collector struct {
	records     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	lookups     *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_total",
				Help:      "Records processed by sync runs, by entity and outcome.",
			}, []string{"entity", "outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Sync runs by entity and final status.",
			}, []string{"entity", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of sync runs.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"entity"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last completed run per entity.",
			}, []string{"entity"},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "user_lookups_total",
				Help:      "Lookup cache activity by result.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.records.Describe(ch)
	c.runs.Describe(ch)
	c.duration.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.lookups.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.records.Collect(ch)
	c.runs.Collect(ch)
	c.duration.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.lookups.Collect(ch)
}

// Run is the summary of one sync run as seen by metrics.
type Run struct {
	Entity   string
	Status   string
	Counts   map[string]int
	Duration time.Duration
	Finished time.Time
}

// ObserveRun records one finished run.
func (c *Collector) ObserveRun(r Run, completed bool) {
	for outcome, n := range r.Counts {
		c.records.WithLabelValues(r.Entity, outcome).Add(float64(n))
	}
	c.runs.WithLabelValues(r.Entity, r.Status).Inc()
	c.duration.WithLabelValues(r.Entity).Observe(r.Duration.Seconds())
	if completed {
		c.lastSuccess.WithLabelValues(r.Entity).Set(float64(r.Finished.Unix()))
	}
}

// ObserveLookups records lookup cache counters.
func (c *Collector) ObserveLookups(hits, misses, queries int) {
	c.lookups.WithLabelValues("hit").Add(float64(hits))
	c.lookups.WithLabelValues("miss").Add(float64(misses))
	c.lookups.WithLabelValues("query").Add(float64(queries))
}

// Push sends the collector's metrics to the Pushgateway at url under job.
func Push(ctx context.Context, url, job string, c *Collector) error {
	if err := push.New(url, job).Collector(c).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
