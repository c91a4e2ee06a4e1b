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

// Metrics holds all Prometheus metrics for the hedge coordinator.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec // labels: venue
	WSReconnects  *prometheus.CounterVec // labels: venue
	ChunksTotal   *prometheus.CounterVec // labels: status
	TradesTotal   *prometheus.CounterVec // labels: status
	ChunkDuration prometheus.Histogram

	// Placement and resolution
	LegRejectionsTotal    *prometheus.CounterVec // labels: venue
	NakedPositionsTotal   prometheus.Counter
	NakedResolutionsTotal *prometheus.CounterVec // labels: outcome

	// Fee reconciliation
	ReconDecisionsTotal *prometheus.CounterVec // labels: status

	// Market context
	SpreadBps   prometheus.Gauge
	ActiveTrade prometheus.Gauge // 0=idle, 1=trade in progress

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedEvents      prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_order_events_total",
			Help: "Order events appended to the event store (by venue)",
		}, []string{"venue"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_ws_reconnects_total",
			Help: "Venue stream reconnection attempts (by venue)",
		}, []string{"venue"}),
		ChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_chunks_total",
			Help: "Chunks finished (by terminal status)",
		}, []string{"status"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_trades_total",
			Help: "Trades finished (by terminal status)",
		}, []string{"status"}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedged_chunk_duration_seconds",
			Help:    "Wall time per chunk from placement to terminal state",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		}),

		LegRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_leg_rejections_total",
			Help: "Post-only placement rejections (by venue)",
		}, []string{"venue"}),
		NakedPositionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedged_naked_positions_total",
			Help: "Chunks that entered the NAKED state",
		}),
		NakedResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_naked_resolutions_total",
			Help: "Naked position resolutions (late_fill, market_fill, assumed_filled, failed)",
		}, []string{"outcome"}),

		ReconDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedged_fee_reconciliation_total",
			Help: "Fee reconciliation decisions (by final status)",
		}, []string{"status"}),

		SpreadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedged_spread_bps",
			Help: "Last observed cross-venue spread in basis points",
		}),
		ActiveTrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedged_active_trade",
			Help: "Whether a trade is in progress (0=idle, 1=active)",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedged_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedged_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedged_redis_buffered_events_total",
			Help: "Event mirrors buffered locally while the breaker was open",
		}),
	}

	prometheus.MustRegister(
		m.EventsTotal,
		m.WSReconnects,
		m.ChunksTotal,
		m.TradesTotal,
		m.ChunkDuration,
		m.LegRejectionsTotal,
		m.NakedPositionsTotal,
		m.NakedResolutionsTotal,
		m.ReconDecisionsTotal,
		m.SpreadBps,
		m.ActiveTrade,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedEvents,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BybitWSConnected   bool      `json:"bybit_ws_connected"`
	CoinDCXWSConnected bool      `json:"coindcx_ws_connected"`
	LastEventTime      time.Time `json:"last_event_time"`
	RedisConnected     bool      `json:"redis_connected"`
	SQLiteOK           bool      `json:"sqlite_ok"`
	ActiveTradeID      string    `json:"active_trade_id"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetBybitWSConnected(v bool) {
	h.mu.Lock()
	h.BybitWSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetCoinDCXWSConnected(v bool) {
	h.mu.Lock()
	h.CoinDCXWSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveTradeID(id string) {
	h.mu.Lock()
	h.ActiveTradeID = id
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

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// SQLite is the authoritative store; losing it is worse than losing a
	// venue stream or the Redis mirror.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.BybitWSConnected || !h.CoinDCXWSConnected || !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	eventAge := ""
	if !h.LastEventTime.IsZero() {
		eventAge = time.Since(h.LastEventTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status             string  `json:"status"`
		Uptime             string  `json:"uptime"`
		BybitWSConnected   bool    `json:"bybit_ws_connected"`
		CoinDCXWSConnected bool    `json:"coindcx_ws_connected"`
		LastEventTime      string  `json:"last_event_time"`
		EventAge           string  `json:"event_age"`
		RedisConnected     bool    `json:"redis_connected"`
		RedisLatencyMs     float64 `json:"redis_latency_ms"`
		SQLiteOK           bool    `json:"sqlite_ok"`
		SQLiteLatencyMs    float64 `json:"sqlite_latency_ms"`
		ActiveTradeID      string  `json:"active_trade_id"`
		LastCheckAt        string  `json:"last_check_at"`
	}{
		Status:             overallStatus,
		Uptime:             time.Since(h.StartedAt).Round(time.Second).String(),
		BybitWSConnected:   h.BybitWSConnected,
		CoinDCXWSConnected: h.CoinDCXWSConnected,
		LastEventTime:      h.LastEventTime.Format(time.RFC3339),
		EventAge:           eventAge,
		RedisConnected:     h.RedisConnected,
		RedisLatencyMs:     h.RedisLatencyMs,
		SQLiteOK:           h.SQLiteOK,
		SQLiteLatencyMs:    h.SQLiteLatencyMs,
		ActiveTradeID:      h.ActiveTradeID,
		LastCheckAt:        h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
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
