// Package redis publishes bars and indicator snapshots to Redis and reads
// bar streams back.
//
// Keys:
//
//	bars:{ticker}               stream of finished bars (XADD, field "data")
//	bar:latest:{ticker}         latest bar JSON, with TTL
//	pub:bar:{ticker}            pubsub channel for finished bars
//	ind:{ticker}:{fingerprint}  latest indicator snapshot JSON, with TTL
//	pub:ind:{ticker}            pubsub channel for snapshots
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"quantcore/internal/metrics"
	"quantcore/internal/model"
)

const (
	defaultStreamMaxLen = 20000
	defaultLatestTTL    = 30 * time.Minute
)

// Config configures the Redis clients.
type Config struct {
	Addr         string // e.g. "localhost:6379"
	Password     string
	DB           int
	StreamMaxLen int64 // approximate bar stream cap; 0 means the default
}

func BarStream(ticker string) string       { return "bars:" + ticker }
func LatestBarKey(ticker string) string    { return "bar:latest:" + ticker }
func BarChannel(ticker string) string      { return "pub:bar:" + ticker }
func SnapshotChannel(ticker string) string { return "pub:ind:" + ticker }

// SnapshotKey is the key of an indicator snapshot; fingerprint is
// Snapshot.Key.
func SnapshotKey(ticker, fingerprint string) string { return "ind:" + ticker + ":" + fingerprint }

func dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Writer writes bars and indicator snapshots to Redis.
type Writer struct {
	client *goredis.Client
	maxLen int64

	// Metrics, when set, records publish latency.
	Metrics *metrics.Metrics
}

// New connects a Writer and pings the server.
func New(ctx context.Context, cfg Config) (*Writer, error) {
	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, maxLen: maxLen}, nil
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Run writes every bar from barCh. Blocks until ctx is cancelled or barCh
// is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			if err := w.WriteBar(ctx, b); err != nil {
				log.Printf("[redis] bar %s ts=%v: %v", b.Info.Contract, b.Time, err)
			}
		}
	}
}

// WriteBar appends b to its ticker's stream, updates the latest key and
// publishes it, in one pipeline. The ticker is b.Info.Contract.
func (w *Writer) WriteBar(ctx context.Context, b model.Bar) error {
	ticker := b.Info.Contract
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bar: %w", err)
	}
	start := time.Now()

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: BarStream(ticker),
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Set(ctx, LatestBarKey(ticker), data, defaultLatestTTL)
	pipe.Publish(ctx, BarChannel(ticker), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bar pipeline: %w", err)
	}
	w.observe(start)
	return nil
}

// WriteSnapshots stores and publishes snaps in one pipeline.
func (w *Writer) WriteSnapshots(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	start := time.Now()
	pipe := w.client.Pipeline()
	for _, s := range snaps {
		data := s.JSON()
		pipe.Set(ctx, SnapshotKey(s.Ticker, s.Key), data, defaultLatestTTL)
		pipe.Publish(ctx, SnapshotChannel(s.Ticker), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis snapshot pipeline (%d): %w", len(snaps), err)
	}
	w.observe(start)
	return nil
}

// ReadSnapshot loads a stored snapshot. Returns nil, nil when absent.
func (w *Writer) ReadSnapshot(ctx context.Context, ticker, fingerprint string) (*Snapshot, error) {
	data, err := w.client.Get(ctx, SnapshotKey(ticker, fingerprint)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}

func (w *Writer) observe(start time.Time) {
	if w.Metrics != nil {
		w.Metrics.RedisWriteDur.Observe(time.Since(start).Seconds())
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error { return w.client.Close() }
