package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantcore/config"
	"quantcore/internal/indengine"
	"quantcore/internal/logger"
	"quantcore/internal/metrics"
	"quantcore/internal/notification"
	redisstore "quantcore/internal/store/redis"
	"quantcore/internal/store/sqlstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("indengine", logger.ParseLevel(cfg.LogLevel))

	icfg, err := indengine.ConfigFrom(cfg)
	if err != nil {
		log.Fatalf("[indengine] %v", err)
	}
	log.Printf("[indengine] tickers: %v, convert: %s, %d indicators", icfg.Tickers, icfg.Convert, len(icfg.Indicators))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus("redis", "sql")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	defer metricsSrv.Stop(context.Background())

	store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.SQLDriver, DSN: cfg.SQLDSN})
	if err != nil {
		log.Fatalf("[indengine] sql init failed: %v", err)
	}
	defer store.Close()

	rcfg := redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	reader, err := redisstore.NewReader(ctx, rcfg)
	if err != nil {
		log.Fatalf("[indengine] redis reader init failed: %v", err)
	}
	defer reader.Close()
	writer, err := redisstore.New(ctx, rcfg)
	if err != nil {
		log.Fatalf("[indengine] redis writer init failed: %v", err)
	}
	defer writer.Close()
	writer.Metrics = prom

	health.SetSQLOK(true)
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, writer.Client(), store.DB(), 10*time.Second)

	svc := indengine.New(icfg, store, reader, writer, prom)
	svc.Notifier = notification.FromURL(cfg.AlertWebhook)
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[indengine] fatal: %v", err)
	}
	log.Println("[indengine] shutdown complete.")
}
