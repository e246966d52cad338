// Package observability — metrics.go
//
// Prometheus metrics for autocryptd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; a configured address is used as given.
//
// Metric naming convention: autocryptd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - degrade_event labels use the fixed set {encryption_paused,
//     fingerprint_changed}; addr is NEVER used as a label (unbounded
//     cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for autocryptd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Mailbox dispatch ────────────────────────────────────────────────────

	// MessagesProcessedTotal counts inbound observations dispatched into
	// peer-state mutators. Labels: kind (header, gossip, degrade).
	MessagesProcessedTotal *prometheus.CounterVec

	// MessagesRejectedTotal counts observations rejected by a mutator's
	// guard (stale timestamp, address mismatch, unusable key).
	MessagesRejectedTotal *prometheus.CounterVec

	// DispatchQueueDepth is the current in-memory dispatch queue depth.
	DispatchQueueDepth prometheus.Gauge

	// DispatchDroppedTotal counts inbound observations dropped because the
	// dispatch queue was full.
	DispatchDroppedTotal prometheus.Counter

	// ─── Peer state ──────────────────────────────────────────────────────────

	// DegradeEventsTotal counts degrade events raised, by kind.
	// Labels: kind (encryption_paused, fingerprint_changed)
	DegradeEventsTotal *prometheus.CounterVec

	// TrackedPeers is the current number of distinct addresses with a
	// loaded peer state.
	TrackedPeers prometheus.Gauge

	// VerificationsTotal counts set_verified calls, by outcome.
	// Labels: outcome (accepted, rejected)
	VerificationsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StoreSaveLatency records Store.Save call latency in seconds.
	StoreSaveLatency prometheus.Histogram

	// StoreLoadLatency records Store.LoadByAddr/LoadByFingerprint latency.
	StoreLoadLatency prometheus.Histogram

	// ─── Rate limiting ─────────────────────────────────────────────────────────

	// VerifyThrottledTotal counts verify attempts rejected by the
	// per-address rate limiter.
	VerifyThrottledTotal prometheus.Counter

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all autocryptd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		MessagesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autocryptd",
			Subsystem: "mailbox",
			Name:      "messages_processed_total",
			Help:      "Total inbound observations dispatched into peer-state mutators, by kind.",
		}, []string{"kind"}),

		MessagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autocryptd",
			Subsystem: "mailbox",
			Name:      "messages_rejected_total",
			Help:      "Total inbound observations rejected by a mutator guard, by kind.",
		}, []string{"kind"}),

		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autocryptd",
			Subsystem: "mailbox",
			Name:      "dispatch_queue_depth",
			Help:      "Current depth of the in-memory dispatch queue.",
		}),

		DispatchDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autocryptd",
			Subsystem: "mailbox",
			Name:      "dispatch_dropped_total",
			Help:      "Total inbound observations dropped because the dispatch queue was full.",
		}),

		DegradeEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autocryptd",
			Subsystem: "peers",
			Name:      "degrade_events_total",
			Help:      "Total degrade events raised, by kind.",
		}, []string{"kind"}),

		TrackedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autocryptd",
			Subsystem: "peers",
			Name:      "tracked_total",
			Help:      "Current number of distinct addresses with a loaded peer state.",
		}),

		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autocryptd",
			Subsystem: "peers",
			Name:      "verifications_total",
			Help:      "Total set_verified calls, by outcome.",
		}, []string{"outcome"}),

		StoreSaveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autocryptd",
			Subsystem: "store",
			Name:      "save_latency_seconds",
			Help:      "Store.Save call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StoreLoadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autocryptd",
			Subsystem: "store",
			Name:      "load_latency_seconds",
			Help:      "Store load-by-addr/load-by-fingerprint call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		VerifyThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autocryptd",
			Subsystem: "ratelimit",
			Name:      "verify_throttled_total",
			Help:      "Total verify attempts rejected by the per-address rate limiter.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autocryptd",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.MessagesProcessedTotal,
		m.MessagesRejectedTotal,
		m.DispatchQueueDepth,
		m.DispatchDroppedTotal,
		m.DegradeEventsTotal,
		m.TrackedPeers,
		m.VerificationsTotal,
		m.StoreSaveLatency,
		m.StoreLoadLatency,
		m.VerifyThrottledTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
