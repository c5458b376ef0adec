// Package metrics holds the Prometheus instrumentation and the health
// status shared by the control surface and the /healthz probe.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the prediction server.
type Metrics struct {
	// Provider gateway
	ProviderFetches   *prometheus.CounterVec // labels: provider, outcome
	ProviderFallbacks prometheus.Counter
	FetchDuration     prometheus.Histogram

	// Cache tier
	CacheHits   *prometheus.CounterVec // labels: tier
	CacheMisses prometheus.Counter

	// Candle pipeline
	CandleUpserts  prometheus.Counter
	CandlesDropped prometheus.Counter

	// Merger
	MergesTotal   *prometheus.CounterVec // labels: outcome
	MergeDuration prometheus.Histogram
	BotOutcomes   *prometheus.CounterVec // labels: bot, status

	// Training
	TrainingTransitions *prometheus.CounterVec // labels: status

	// Subscription fabric
	Sessions       prometheus.Gauge
	BroadcastDrops *prometheus.CounterVec // labels: type

	// Scheduler
	SchedulerTicks *prometheus.CounterVec // labels: job, outcome

	// Market session state
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ProviderFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_provider_fetches_total",
			Help: "Upstream candle fetches by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predserver_provider_fallbacks_total",
			Help: "Times the gateway fell through to the next provider",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "predserver_fetch_duration_seconds",
			Help:    "Provider gateway fetch latency (cache misses)",
			Buckets: prometheus.DefBuckets,
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_cache_hits_total",
			Help: "Cache hits by tier (warm, hot)",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predserver_cache_misses_total",
			Help: "Cache lookups that missed both tiers",
		}),

		CandleUpserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predserver_candle_upserts_total",
			Help: "Candles written to the store",
		}),
		CandlesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predserver_candles_dropped_total",
			Help: "Candles dropped by validation",
		}),

		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_merges_total",
			Help: "Merged predictions by outcome (ok, sanitized, rejected, error)",
		}, []string{"outcome"}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "predserver_merge_duration_seconds",
			Help:    "End-to-end merge latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BotOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_bot_outcomes_total",
			Help: "Per-bot validation status across merges",
		}, []string{"bot", "status"}),

		TrainingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_training_transitions_total",
			Help: "Training record status transitions",
		}, []string{"status"}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predserver_sessions",
			Help: "Connected websocket sessions",
		}),
		BroadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_broadcast_drops_total",
			Help: "Messages dropped by session backpressure, by type",
		}, []string{"type"}),

		SchedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predserver_scheduler_ticks_total",
			Help: "Scheduler tick outcomes by job class",
		}, []string{"job", "outcome"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predserver_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	prometheus.MustRegister(
		m.ProviderFetches,
		m.ProviderFallbacks,
		m.FetchDuration,
		m.CacheHits,
		m.CacheMisses,
		m.CandleUpserts,
		m.CandlesDropped,
		m.MergesTotal,
		m.MergeDuration,
		m.BotOutcomes,
		m.TrainingTransitions,
		m.Sessions,
		m.BroadcastDrops,
		m.SchedulerTicks,
		m.MarketState,
	)

	return m
}

// ObserveTick records a scheduler tick outcome.
func (m *Metrics) ObserveTick(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SchedulerTicks.WithLabelValues(job, outcome).Inc()
}

// ComponentHealth is one entry of the /health components map.
type ComponentHealth struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
}

// HealthStatus tracks dependency health for the probes.
type HealthStatus struct {
	mu sync.RWMutex

	dbOK        bool
	dbLatencyMs float64

	cacheOK        bool
	cacheLatencyMs float64
	cacheEnabled   bool

	schedulerOK bool

	lastCheckAt time.Time
	startedAt   time.Time
}

// NewHealthStatus returns a default health status. Until the first probe
// runs, the database is presumed healthy (startup pinged it) and the hot
// cache reflects whether one is configured.
func NewHealthStatus(hotCacheEnabled bool) *HealthStatus {
	return &HealthStatus{
		dbOK:         true,
		cacheOK:      true,
		cacheEnabled: hotCacheEnabled,
		schedulerOK:  false,
		startedAt:    time.Now(),
	}
}

func (h *HealthStatus) SetSchedulerOK(v bool) {
	h.mu.Lock()
	h.schedulerOK = v
	h.mu.Unlock()
}

// CheckDB runs a ping and records latency + health.
func (h *HealthStatus) CheckDB(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.dbOK = err == nil
	h.dbLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckCache pings the hot cache and records latency + connectivity.
func (h *HealthStatus) CheckCache(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.cacheOK = err == nil
	h.cacheLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if sqlDB != nil {
					h.CheckDB(probeCtx, sqlDB)
				}
				if rdb != nil {
					h.CheckCache(probeCtx, rdb)
				}
				cancel()
			}
		}
	}()
}

// Snapshot returns the overall status string and per-component health.
// The cache counts against overall health only when a hot tier is
// configured; the warm tier cannot fail.
func (h *HealthStatus) Snapshot() (string, map[string]ComponentHealth) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	components := map[string]ComponentHealth{
		"db":        {OK: h.dbOK, LatencyMs: h.dbLatencyMs},
		"cache":     {OK: h.cacheOK || !h.cacheEnabled, LatencyMs: h.cacheLatencyMs},
		"scheduler": {OK: h.schedulerOK},
	}

	status := "healthy"
	if !h.dbOK {
		status = "unhealthy"
	} else if !h.schedulerOK || (h.cacheEnabled && !h.cacheOK) {
		status = "degraded"
	}
	return status, components
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, components := h.Snapshot()

	h.mu.RLock()
	uptime := time.Since(h.startedAt).Round(time.Second).String()
	lastCheck := h.lastCheckAt
	h.mu.RUnlock()

	body := struct {
		Status      string                     `json:"status"`
		Uptime      string                     `json:"uptime"`
		Components  map[string]ComponentHealth `json:"components"`
		LastCheckAt string                     `json:"last_check_at,omitempty"`
	}{
		Status:     status,
		Uptime:     uptime,
		Components: components,
	}
	if !lastCheck.IsZero() {
		body.LastCheckAt = lastCheck.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
