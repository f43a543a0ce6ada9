// Package metrics exports execution store activity as Prometheus metrics.
//
// Lifecycle counters are fed by store status changes as they commit. Snapshot
// gauges are refreshed from the store's metrics snapshot for the current
// bucket.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

const namespace = "switchyard"

// Source is the store surface the collector reads.
type Source interface {
	state.StatusNotifier
	MetricsSnapshot(bucket time.Duration, since time.Time) ([]state.MetricsBucket, error)
}

// Collector owns a Prometheus registry populated from a Source.
type Collector struct {
	source Source
	bucket time.Duration
	now    func() time.Time

	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	inProgress  *prometheus.GaugeVec
	total       *prometheus.GaugeVec
	successRate *prometheus.GaugeVec
	avgDuration *prometheus.GaugeVec
	efficiency  *prometheus.GaugeVec
	lastRefresh prometheus.Gauge

	unsubscribe func()
}

// New creates a collector with snapshot buckets of the given width.
func New(source Source, bucket time.Duration) *Collector {
	if bucket <= 0 {
		bucket = time.Hour
	}
	c := &Collector{
		source:   source,
		bucket:   bucket,
		now:      time.Now,
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_transitions_total",
			Help:      "Execution status changes by workflow type and new status.",
		}, []string{"type", "status"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_progress",
			Help:      "Executions currently in progress.",
		}, []string{"type"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "executions",
			Help:      "Terminal executions in the current bucket.",
		}, []string{"type"}),
		successRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "success_rate",
			Help:      "Share of successful executions in the current bucket.",
		}, []string{"type"}),
		avgDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "avg_duration_seconds",
			Help:      "Average execution duration in the current bucket.",
		}, []string{"type"}),
		efficiency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "avg_efficiency",
			Help:      "Average parallel efficiency in the current bucket.",
		}, []string{"type"}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful snapshot refresh.",
		}),
	}
	c.registry.MustRegister(
		c.transitions, c.inProgress,
		c.total, c.successRate, c.avgDuration, c.efficiency, c.lastRefresh,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start subscribes to status changes. Calling it twice is a no-op.
func (c *Collector) Start() {
	if c.unsubscribe != nil {
		return
	}
	c.unsubscribe = c.source.OnStatusChange(state.StatusFilter{}, c.observe)
}

func (c *Collector) observe(ch state.StatusChange) {
	typ := string(ch.Type)
	c.transitions.WithLabelValues(typ, string(ch.To)).Inc()
	if ch.To == models.ExecutionInProgress {
		c.inProgress.WithLabelValues(typ).Inc()
	}
	if ch.From == models.ExecutionInProgress {
		c.inProgress.WithLabelValues(typ).Dec()
	}
}

// Refresh reloads the snapshot gauges from the current bucket.
func (c *Collector) Refresh() error {
	now := c.now()
	buckets, err := c.source.MetricsSnapshot(c.bucket, now.Truncate(c.bucket))
	if err != nil {
		return fmt.Errorf("refresh metrics: %w", err)
	}
	c.total.Reset()
	c.successRate.Reset()
	c.avgDuration.Reset()
	c.efficiency.Reset()
	for _, b := range buckets {
		typ := string(b.Type)
		c.total.WithLabelValues(typ).Add(float64(b.Total))
		c.successRate.WithLabelValues(typ).Set(b.SuccessRate)
		c.avgDuration.WithLabelValues(typ).Set(b.AvgDuration.Seconds())
		if b.Type == models.WorkflowParallel {
			c.efficiency.WithLabelValues(typ).Set(b.AvgEfficiency)
		}
	}
	c.lastRefresh.Set(float64(now.Unix()))
	return nil
}

// Run refreshes the snapshot gauges every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := c.Refresh(); err != nil {
		log.Printf("[metrics] WARNING: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(); err != nil {
				log.Printf("[metrics] WARNING: %v", err)
			}
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Close unsubscribes from status changes.
func (c *Collector) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
