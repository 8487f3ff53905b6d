package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"quantcore/internal/model"
)

// StreamBar is a bar read from a bar stream with its stream entry ID.
type StreamBar struct {
	Ticker string
	ID     string
	Bar    model.Bar
}

// Reader reads bar streams written by Writer.
type Reader struct {
	client *goredis.Client
}

// NewReader connects a Reader and pings the server.
func NewReader(ctx context.Context, cfg Config) (*Reader, error) {
	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

// ReadBars returns up to count bars of ticker's stream after afterID ("" for
// the start of the stream), and the ID of the last bar read.
func (r *Reader) ReadBars(ctx context.Context, ticker, afterID string, count int64) ([]model.Bar, string, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	msgs, err := r.client.XRangeN(ctx, BarStream(ticker), start, "+", count).Result()
	if err != nil {
		return nil, afterID, fmt.Errorf("redis xrange %s: %w", BarStream(ticker), err)
	}
	bars := make([]model.Bar, 0, len(msgs))
	last := afterID
	for _, msg := range msgs {
		last = msg.ID
		b, err := decodeBar(msg)
		if err != nil {
			log.Printf("[redis-reader] %s %s: %v", ticker, msg.ID, err)
			continue
		}
		bars = append(bars, b)
	}
	return bars, last, nil
}

// Follow sends every bar appended to the tickers' streams after the call
// to out. Blocks until ctx is cancelled.
func (r *Reader) Follow(ctx context.Context, tickers []string, out chan<- StreamBar) error {
	ids := make(map[string]string, len(tickers))
	for _, t := range tickers {
		ids[BarStream(t)] = "$"
	}
	ticker := make(map[string]string, len(tickers))
	for _, t := range tickers {
		ticker[BarStream(t)] = t
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		args := make([]string, 0, 2*len(tickers))
		for _, t := range tickers {
			args = append(args, BarStream(t))
		}
		for _, t := range tickers {
			args = append(args, ids[BarStream(t)])
		}

		results, err := r.client.XRead(ctx, &goredis.XReadArgs{
			Streams: args,
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-reader] xread error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				ids[stream.Stream] = msg.ID
				b, err := decodeBar(msg)
				if err != nil {
					log.Printf("[redis-reader] %s %s: %v", stream.Stream, msg.ID, err)
					continue
				}
				select {
				case out <- StreamBar{Ticker: ticker[stream.Stream], ID: msg.ID, Bar: b}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func decodeBar(msg goredis.XMessage) (model.Bar, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Bar{}, fmt.Errorf("entry has no data field")
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bar{}, fmt.Errorf("unmarshal bar: %w", err)
	}
	return b, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error { return r.client.Close() }
