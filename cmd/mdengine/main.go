// cmd/mdengine connects to a tick feed, aggregates ticks into session bars
// per contract, and writes the bars to SQL and Redis.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantcore/config"
	"quantcore/internal/logger"
	"quantcore/internal/marketdata/agg"
	"quantcore/internal/marketdata/bus"
	"quantcore/internal/marketdata/wsfeed"
	"quantcore/internal/metrics"
	"quantcore/internal/model"
	"quantcore/internal/notification"
	redisstore "quantcore/internal/store/redis"
	"quantcore/internal/store/sqlstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("mdengine", logger.ParseLevel(cfg.LogLevel))
	log.Println("[mdengine] starting...")

	schedule, err := cfg.SessionSchedule()
	if err != nil {
		log.Fatalf("[mdengine] %v", err)
	}
	tickers := cfg.ParseTickers()
	if len(tickers) == 0 {
		log.Fatal("[mdengine] no tickers configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	alerts := notification.FromURL(cfg.AlertWebhook)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus("feed", "sql")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- SQL store ----
	store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.SQLDriver, DSN: cfg.SQLDSN})
	if err != nil {
		log.Fatalf("[mdengine] sql init failed: %v", err)
	}
	defer store.Close()
	store.Metrics = prom
	health.SetSQLOK(true)
	log.Printf("[mdengine] %s store ready", cfg.SQLDriver)

	// ---- Redis writer behind a circuit breaker ----
	var redisSink *redisstore.BufferedWriter
	rw, err := redisstore.New(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Printf("[mdengine] WARNING: redis init failed: %v (continuing without redis)", err)
	} else {
		defer rw.Close()
		rw.Metrics = prom
		health.SetRedisConnected(true)

		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			slog.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
			health.SetRedisConnected(to == redisstore.StateClosed)
			if to == redisstore.StateOpen {
				notification.Go(alerts, notification.Alert{
					Level:   notification.AlertCritical,
					Source:  "mdengine",
					Title:   "redis circuit breaker open",
					Message: "bars are buffered locally until redis recovers",
				})
			}
		}
		redisSink = redisstore.NewBufferedWriter(ctx, rw, cb, 10000)
		redisSink.OnFlush = func(n int) { log.Printf("[mdengine] replayed %d buffered bars to redis", n) }
		log.Println("[mdengine] redis writer ready")
	}

	if rw != nil {
		health.StartLivenessChecker(ctx, rw.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Bar fan-out to the sinks ----
	barCh := make(chan model.Bar, 5000)
	fanout := bus.New[model.Bar](5000)
	sqlCh := fanout.Subscribe("sql")
	var redisCh <-chan model.Bar
	if redisSink != nil {
		redisCh = fanout.Subscribe("redis")
	}
	go fanout.Run(ctx, barCh)
	go store.Run(ctx, sqlCh)
	if redisSink != nil {
		go redisSink.Run(ctx, redisCh)
	}

	// ---- One aggregator goroutine per contract ----
	contractChs := make(map[string]chan model.Tick, len(tickers))
	for _, t := range tickers {
		a := agg.New(schedule)
		a.OnBar = func(model.Bar) { prom.BarsTotal.Inc() }
		a.OnIgnored = prom.TicksIgnored.Inc
		ch := make(chan model.Tick, 1000)
		contractChs[t] = ch
		go a.Run(ctx, ch, barCh)
	}

	tickCh := make(chan model.Tick, 10000)
	go route(ctx, tickCh, contractChs, prom, health)

	// ---- Feed ----
	feed, err := wsfeed.New(wsfeed.Config{URL: cfg.FeedURL, Contracts: tickers})
	if err != nil {
		log.Fatalf("[mdengine] feed init failed: %v", err)
	}
	feed.OnConnect = func() { health.SetFeedConnected(true) }
	feed.OnDisconnect = func(err error) {
		health.SetFeedConnected(false)
		prom.FeedReconnects.Inc()
		notification.Go(alerts, notification.Alert{
			Level:   notification.AlertWarning,
			Source:  "mdengine",
			Title:   "feed disconnected",
			Message: err.Error(),
		})
	}
	feed.OnDrop = func(error) { prom.FeedDropped.Inc() }
	go func() {
		if err := feed.Start(ctx, tickCh); err != nil && ctx.Err() == nil {
			log.Printf("[mdengine] feed error: %v", err)
		}
	}()

	log.Printf("[mdengine] pipeline ready: feed=%s contracts=%v schedule=%s", cfg.FeedURL, tickers, cfg.Schedule)

	<-sigCh
	log.Println("[mdengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	if redisSink != nil && redisSink.PendingCount() > 0 {
		log.Printf("[mdengine] %d bars still buffered for redis", redisSink.PendingCount())
	}
	log.Println("[mdengine] shutdown complete.")
}

// route hands each tick to its contract's aggregator. Ticks for
// contracts that are not configured, or whose aggregator is backed up,
// are counted as dropped.
func route(ctx context.Context, tickCh <-chan model.Tick, out map[string]chan model.Tick, prom *metrics.Metrics, health *metrics.HealthStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case tk, ok := <-tickCh:
			if !ok {
				return
			}
			ch, ok := out[tk.Contract]
			if !ok {
				prom.FeedDropped.Inc()
				continue
			}
			prom.TicksTotal.Inc()
			health.SetLastTickTime(tk.Time)
			select {
			case ch <- tk:
			default:
				prom.FeedDropped.Inc()
			}
		}
	}
}
