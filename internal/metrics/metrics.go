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

// Metrics holds all Prometheus metrics for the analytics core and its
// adapters.
type Metrics struct {
	// Ingestion
	TicksTotal     prometheus.Counter
	TicksIgnored   prometheus.Counter
	BarsTotal      prometheus.Counter
	FeedReconnects prometheus.Counter
	FeedDropped    prometheus.Counter

	// Computation cache, labels: category=transform|indicator|other
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Evaluation, labels: kind=transform|indicator
	ComputeDur    *prometheus.HistogramVec
	ComputeErrors *prometheus.CounterVec

	// Parallel fan-out
	WorkersRun   prometheus.Counter
	WorkerErrors prometheus.Counter
	Datasets     prometheus.Gauge

	// Sinks
	RedisWriteDur prometheus.Histogram
	SQLCommitDur  prometheus.Histogram
}

// NewMetrics creates every metric and registers it with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_ticks_total",
			Help: "Total ticks fed to bar aggregators",
		}),
		TicksIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_ticks_ignored_total",
			Help: "Ticks outside every session interval",
		}),
		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_bars_total",
			Help: "Total bars finished by aggregators",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_feed_reconnects_total",
			Help: "Total WebSocket feed reconnection attempts",
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_feed_dropped_ticks_total",
			Help: "Feed ticks dropped (malformed or channel full)",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantcore_cache_hits_total",
			Help: "Computation cache hits by category",
		}, []string{"category"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantcore_cache_misses_total",
			Help: "Computation cache misses by category",
		}, []string{"category"}),

		ComputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quantcore_compute_duration_seconds",
			Help:    "Transform and indicator evaluation latency on cache miss",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"kind"}),
		ComputeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantcore_compute_errors_total",
			Help: "Failed transform and indicator evaluations",
		}, []string{"kind"}),

		WorkersRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_workers_total",
			Help: "Per-dataset workers started by the fan-out",
		}),
		WorkerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantcore_worker_errors_total",
			Help: "Per-dataset workers that returned an error",
		}),
		Datasets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantcore_datasets",
			Help: "Datasets currently loaded",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantcore_redis_write_duration_seconds",
			Help:    "Redis publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantcore_sql_commit_duration_seconds",
			Help:    "SQL batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TicksIgnored,
		m.BarsTotal,
		m.FeedReconnects,
		m.FeedDropped,
		m.CacheHits,
		m.CacheMisses,
		m.ComputeDur,
		m.ComputeErrors,
		m.WorkersRun,
		m.WorkerErrors,
		m.Datasets,
		m.RedisWriteDur,
		m.SQLCommitDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLOK          bool      `json:"sql_ok"`
	Datasets       int       `json:"datasets"`

	RedisLatencyMs float64   `json:"redis_latency_ms"`
	SQLLatencyMs   float64   `json:"sql_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	// required lists the dependencies whose failure degrades health.
	required map[string]bool
}

// NewHealthStatus returns a default health status. required names the
// dependencies ("feed", "redis", "sql") that must be up for a healthy
// report; the rest are informational.
func NewHealthStatus(required ...string) *HealthStatus {
	h := &HealthStatus{StartedAt: time.Now(), required: make(map[string]bool)}
	for _, r := range required {
		h.required[r] = true
	}
	return h
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLOK(v bool) {
	h.mu.Lock()
	h.SQLOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetDatasets(n int) {
	h.mu.Lock()
	h.Datasets = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQL pings the database and records latency + health.
func (h *HealthStatus) CheckSQL(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLOK = err == nil
	h.SQLLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckSQL(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// Status is the /healthz payload.
type Status struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	FeedConnected  bool    `json:"feed_connected"`
	LastTickTime   string  `json:"last_tick_time"`
	TickAge        string  `json:"tick_age"`
	RedisConnected bool    `json:"redis_connected"`
	RedisLatencyMs float64 `json:"redis_latency_ms"`
	SQLOK          bool    `json:"sql_ok"`
	SQLLatencyMs   float64 `json:"sql_latency_ms"`
	Datasets       int     `json:"datasets"`
	LastCheckAt    string  `json:"last_check_at"`
}

// Snapshot evaluates the current health. The returned code is 200 when
// every required dependency is up and 503 otherwise.
func (h *HealthStatus) Snapshot() (Status, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	up := map[string]bool{"feed": h.FeedConnected, "redis": h.RedisConnected, "sql": h.SQLOK}
	down := 0
	for name := range h.required {
		if !up[name] {
			down++
		}
	}
	overall, code := "healthy", http.StatusOK
	switch {
	case down > 0 && down == len(h.required):
		overall, code = "unhealthy", http.StatusServiceUnavailable
	case down > 0:
		overall, code = "degraded", http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	return Status{
		Status:         overall,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:  h.FeedConnected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		SQLOK:          h.SQLOK,
		SQLLatencyMs:   h.SQLLatencyMs,
		Datasets:       h.Datasets,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, code := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
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
