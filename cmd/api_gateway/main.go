// cmd/api_gateway serves the datasets over HTTP. Datasets are loaded from
// the SQL store at start-up and, when Redis is reachable, kept current
// from the bar streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"quantcore/config"
	"quantcore/internal/api"
	"quantcore/internal/indengine"
	"quantcore/internal/logger"
	"quantcore/internal/metrics"
	"quantcore/internal/notification"
	redisstore "quantcore/internal/store/redis"
	"quantcore/internal/store/sqlstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[api_gateway] starting...")

	cfg := config.Load()
	logger.Init("api_gateway", logger.ParseLevel(cfg.LogLevel))
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	icfg, err := indengine.ConfigFrom(cfg)
	if err != nil {
		log.Fatalf("[api_gateway] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus("sql")

	store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.SQLDriver, DSN: cfg.SQLDSN})
	if err != nil {
		log.Fatalf("[api_gateway] sql init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLOK(true)

	var reader *redisstore.Reader
	if r, err := redisstore.NewReader(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}); err != nil {
		log.Printf("[api_gateway] WARNING: redis unavailable: %v (serving stored bars only)", err)
	} else {
		reader = r
		defer reader.Close()
		health.SetRedisConnected(true)
	}

	// The engine keeps the registry current; the gateway publishes nothing.
	var svc *indengine.Service
	if reader != nil {
		svc = indengine.New(icfg, store, reader, nil, prom)
		svc.Notifier = notification.FromURL(cfg.AlertWebhook)
		go func() {
			if err := svc.Run(ctx); err != nil {
				log.Printf("[api_gateway] engine stopped: %v", err)
			}
		}()
		health.StartLivenessChecker(ctx, reader.Client(), store.DB(), 10*time.Second)
	} else {
		svc = indengine.New(icfg, store, nil, nil, prom)
		if err := svc.Warmup(ctx); err != nil {
			log.Fatalf("[api_gateway] %v", err)
		}
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	srv := &api.Server{
		Registry:   svc.Registry,
		Health:     health,
		Convert:    icfg.Convert,
		Indicators: icfg.Indicators,
	}
	if reader != nil {
		srv.Redis = reader.Client()
	}

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[api_gateway] listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[api_gateway] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[api_gateway] shutting down...")
	cancel()

	if err := shutdown(httpSrv, 5*time.Second); err != nil {
		log.Printf("[api_gateway] %v", err)
	}
	log.Println("[api_gateway] shutdown complete.")
}

// shutdown stops srv, giving open requests at most timeout to finish.
func shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
