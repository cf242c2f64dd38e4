// Package metrics exposes daemon state as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	SessionsTotal   prometheus.Counter
	TicketsAccepted prometheus.Counter
	ScanErrors      prometheus.Counter

	ScanSeconds prometheus.Histogram

	registry prometheus.Registerer
}

// New registers the daemon metrics. Pass nil to use the default registry;
// tests pass their own.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registry: registry,
		SessionsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "rmrfd_sessions_total",
			Help: "Protocol sessions accepted",
		}),
		TicketsAccepted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "rmrfd_tickets_total",
			Help: "Deletion tickets attached",
		}),
		ScanErrors: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "rmrfd_scan_errors_total",
			Help: "Walk errors skipped during ingestion",
		}),
		ScanSeconds: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "rmrfd_scan_seconds",
			Help:    "Duration of subtree ingestion scans",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// ObserveInventory registers live gauges reading directly from the
// inventory aggregates.
func (m *Metrics) ObserveInventory(entries func() int, reclaimableBytes func() int64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rmrfd_inventory_entries",
		Help: "Live inventory entries",
	}, func() float64 { return float64(entries()) })
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rmrfd_reclaimable_bytes",
		Help: "Free-space estimate: bytes of fully-owned, unreclaimed inodes",
	}, func() float64 { return float64(reclaimableBytes()) })
}

// ObserveTickets registers a gauge over the live ticket count.
func (m *Metrics) ObserveTickets(active func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rmrfd_active_tickets",
		Help: "Deletion tickets not yet completed",
	}, func() float64 { return float64(active()) })
}

// ObserveScheduler registers counters reading the scheduler's totals.
func (m *Metrics) ObserveScheduler(freedBytes, reclaimed, demoted, retried func() int64) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "rmrfd_reclaimed_bytes_total",
		Help: "Bytes freed by unlinking fully-owned inodes",
	}, func() float64 { return float64(freedBytes()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "rmrfd_reclaimed_inodes_total",
		Help: "Inodes fully reclaimed",
	}, func() float64 { return float64(reclaimed()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "rmrfd_demoted_inodes_total",
		Help: "Inodes demoted at revalidation because an external link appeared",
	}, func() float64 { return float64(demoted()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "rmrfd_reclaim_retries_total",
		Help: "Reclaim attempts requeued after transient failures",
	}, func() float64 { return float64(retried()) })
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
