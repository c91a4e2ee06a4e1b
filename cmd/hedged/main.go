package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hedge-systemv1/config"
	"hedge-systemv1/internal/api"
	"hedge-systemv1/internal/coordinator"
	"hedge-systemv1/internal/eventstore"
	"hedge-systemv1/internal/executor"
	"hedge-systemv1/internal/logger"
	"hedge-systemv1/internal/metrics"
	"hedge-systemv1/internal/model"
	"hedge-systemv1/internal/monitor"
	"hedge-systemv1/internal/notification"
	"hedge-systemv1/internal/oracle"
	"hedge-systemv1/internal/reconcile"
	redisstore "hedge-systemv1/internal/store/redis"
	sqlitestore "hedge-systemv1/internal/store/sqlite"
	"hedge-systemv1/internal/venue/bybit"
	"hedge-systemv1/internal/venue/coindcx"
	"hedge-systemv1/internal/venue/sim"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[hedged] starting...")

	cfg := config.Load()
	slg := logger.Init("hedged", slog.LevelInfo)
	if cfg.PaperMode {
		log.Println("[hedged] *** PAPER MODE — using simulated venues, no TOTP required ***")
	}

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite event store (authoritative) ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	sqlStore, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[hedged] sqlite init failed: %v", err)
	}
	defer sqlStore.Close()
	health.SQLiteOK = true

	// Recover the order projection from the event tables before trading.
	if n, err := sqlStore.RebuildProjection(); err != nil {
		log.Fatalf("[hedged] projection rebuild failed: %v", err)
	} else {
		log.Printf("[hedged] sqlite ready, projection rebuilt (%d orders refreshed)", n)
	}

	// ---- Redis mirror behind a circuit breaker (best-effort) ----
	var (
		redisWriter *redisstore.Writer
		mirror      *redisstore.BufferedMirror
	)
	redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Printf("[hedged] WARNING: redis init failed: %v (continuing without mirror)", err)
	} else {
		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		mirror = redisstore.NewBufferedMirror(ctx, redisWriter, cb, 10000)
		mirror.OnBuffer = func() { prom.RedisBufferedEvents.Inc() }
		mirror.OnFlush = func(count int) {
			log.Printf("[hedged] redis recovered, flushed %d buffered events", count)
		}
		log.Println("[hedged] redis mirror ready")
	}

	// ---- Periodic liveness checks ----
	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlStore.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlStore.DB(), 10*time.Second)
	}

	// ---- Event store over SQLite ----
	events := eventstore.New(sqlStore)
	events.OnAppend = func(venue model.Venue) {
		prom.EventsTotal.WithLabelValues(string(venue)).Inc()
	}

	// ---- Venue clients ----
	var venueA, venueB model.VenueClient
	if cfg.PaperMode {
		simA := sim.New(model.VenueBybit)
		simB := sim.New(model.VenueCoinDCX)
		simA.AutoFill = true
		simA.FeePPM = 650
		simB.AutoFill = true
		simB.FeePPM = 500
		// Seed plausible prices so the spread gate has something to chew on.
		simA.SetPrice(4566870)
		simB.SetPrice(4567100)
		venueA, venueB = simA, simB
		health.SetBybitWSConnected(true)
		health.SetCoinDCXWSConnected(true)
	} else {
		by := bybit.New(bybit.Config{
			APIKey:    cfg.BybitAPIKey,
			APISecret: cfg.BybitAPISecret,
			RESTBase:  cfg.BybitRESTURL,
			WSBase:    cfg.BybitWSURL,
		})
		by.OnReconnect = func() {
			prom.WSReconnects.WithLabelValues(string(model.VenueBybit)).Inc()
		}
		dcx := coindcx.New(coindcx.Config{
			APIKey:    cfg.CoinDCXAPIKey,
			APISecret: cfg.CoinDCXAPISecret,
			RESTBase:  cfg.CoinDCXRESTURL,
			WSBase:    cfg.CoinDCXWSURL,
		})
		dcx.OnReconnect = func() {
			prom.WSReconnects.WithLabelValues(string(model.VenueCoinDCX)).Inc()
		}
		go by.Stream(ctx)
		go dcx.Stream(ctx)
		health.SetBybitWSConnected(true)
		health.SetCoinDCXWSConnected(true)
		venueA, venueB = by, dcx
		log.Println("[hedged] venue streams started")
	}

	// ---- Event monitor: venue streams -> durable store -> mirror ----
	var mirrorSink monitor.EventMirror
	if mirror != nil {
		mirrorSink = mirror
	}
	mon := monitor.New(events, sqlStore, mirrorSink)
	mon.OnEvent = func(ev model.OrderEvent) {
		health.SetLastEventTime(ev.ReceivedTime)
	}
	mon.OnFatal = func(err error) {
		// An event that cannot be made durable breaks order accounting.
		log.Printf("[hedged] FATAL: durable append failed, shutting down: %v", err)
		cancel()
	}
	go mon.Listen(ctx, venueA)
	go mon.Listen(ctx, venueB)

	// ---- Price oracle ----
	var cache oracle.PriceCache
	if mirror != nil {
		cache = mirror
	}
	orc := oracle.New(venueA, venueB, cache, oracle.Config{})
	orc.OnQuote = func(q model.PriceQuote) {
		prom.SpreadBps.Set(float64(q.SpreadBps))
	}

	// ---- Notifications ----
	var notifier notification.Notifier
	switch {
	case cfg.TelegramBotToken != "" && cfg.TelegramChatID != "":
		notifier = notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		log.Println("[hedged] telegram alerts enabled")
	case cfg.WebhookURL != "":
		notifier = notification.NewWebhookNotifier(cfg.WebhookURL)
		log.Println("[hedged] webhook alerts enabled")
	default:
		notifier = notification.NewLogNotifier()
	}

	// ---- Execution pipeline ----
	exec := executor.New(venueA, venueB, orc, events, sqlStore, executor.DefaultConfig())
	exec.OnLegRejection = func(venue model.Venue) {
		prom.LegRejectionsTotal.WithLabelValues(string(venue)).Inc()
	}
	exec.OnNakedDetected = func() { prom.NakedPositionsTotal.Inc() }
	exec.OnNakedResolution = func(outcome string) {
		prom.NakedResolutionsTotal.WithLabelValues(outcome).Inc()
	}

	recon := reconcile.New(venueA, events, sqlStore, notifier)
	recon.OnDecision = func(status model.ReconStatus) {
		prom.ReconDecisionsTotal.WithLabelValues(string(status)).Inc()
	}

	var publisher coordinator.TradePublisher
	if redisWriter != nil {
		publisher = redisWriter
	}
	coord := coordinator.New(orc, exec, recon, sqlStore, publisher, notifier, coordinator.Config{
		PaperMode:  cfg.PaperMode,
		TOTPSecret: cfg.TOTPSecret,
	}, slg)
	coord.OnChunkDone = func(status model.ChunkStatus, elapsed time.Duration) {
		prom.ChunksTotal.WithLabelValues(string(status)).Inc()
		prom.ChunkDuration.Observe(elapsed.Seconds())
	}
	coord.OnTradeDone = func(status model.TradeStatus) {
		prom.TradesTotal.WithLabelValues(string(status)).Inc()
		prom.ActiveTrade.Set(0)
		health.SetActiveTradeID("")
	}

	// Keep the health endpoint's view of the active trade fresh.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if tr, _ := coord.Active(); tr != nil {
					prom.ActiveTrade.Set(1)
					health.SetActiveTradeID(tr.TradeID)
				}
			}
		}
	}()

	// ---- Operator HTTP API ----
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, coord, sqlStore, orc, cfg.DefaultMaxSpreadBps, time.Now())
	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: mux}
	go func() {
		log.Printf("[hedged] api listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[hedged] api server error: %v", err)
		}
	}()

	log.Println("[hedged] ready")

	// ---- Wait for shutdown ----
	select {
	case sig := <-sigCh:
		log.Printf("[hedged] received %v, shutting down", sig)
	case <-ctx.Done():
	}

	// A running trade halts at the next chunk boundary; give the chunk in
	// flight a moment to reach a terminal state before tearing down.
	if coord.RequestStop() {
		log.Println("[hedged] stop requested, waiting for active chunk to settle")
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if tr, _ := coord.Active(); tr == nil {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if redisWriter != nil {
		redisWriter.Close()
	}
	log.Println("[hedged] shutdown complete")
}
