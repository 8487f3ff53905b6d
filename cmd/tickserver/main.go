// cmd/tickserver is a WebSocket tick server for running mdengine without a
// live feed. It either generates a random walk per contract or replays
// stored bars as ticks.
//
// Tick JSON shape is model.Tick:
//
//	{"ts":"...","last":3812.4,"volume":3,"amount":11437.2,"contract":"IF", ...}
//
// A client may send {"action":"subscribe","contracts":["IF"]} to narrow the
// stream; without it every contract is sent.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_CONTRACTS    comma-separated CONTRACT:PRICE pairs (default "IF:3800")
//	TICK_INTERVAL_MS  random-walk interval in milliseconds (default 100)
//	TICK_REPLAY       "sql" or "parquet" to replay stored bars of TICKERS
//	TICK_SPEED        replay speed, 0 = as fast as possible (default 1)
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"quantcore/config"
	"quantcore/internal/marketdata/replay"
	"quantcore/internal/marketdata/wsfeed"
	"quantcore/internal/model"
	"quantcore/internal/store/parquetstore"
	"quantcore/internal/store/sqlstore"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu        sync.RWMutex
	contracts map[string]bool // nil = everything
}

func (c *client) wants(contract string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contracts == nil || c.contracts[contract]
}

func (c *client) subscribe(contracts []string) {
	set := make(map[string]bool, len(contracts))
	for _, k := range contracts {
		set[k] = true
	}
	c.mu.Lock()
	c.contracts = set
	c.mu.Unlock()
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(tk model.Tick) {
	msg, err := json.Marshal(tk)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(tk.Contract) {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client, drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscription messages.
		go func() {
			for {
				var sub wsfeed.Subscribe
				if err := conn.ReadJSON(&sub); err != nil {
					conn.Close()
					return
				}
				if sub.Action == "subscribe" {
					c.subscribe(sub.Contracts)
					log.Printf("[tickserver] %s subscribed to %v", r.RemoteAddr, sub.Contracts)
				}
			}
		}()

		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick sources ─────────────────────────────────────────────────────────────

type instrument struct {
	Contract string
	Price    float64
}

// walkPrice applies a random step of up to ±0.1%.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func runGenerator(ctx context.Context, h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i := range instruments {
				in := &instruments[i]
				in.Price = walkPrice(rng, in.Price)
				vol := float64(rng.Intn(10) + 1)
				h.broadcast(model.Tick{
					Time:     now.UTC(),
					Last:     in.Price,
					Volume:   vol,
					Amount:   vol * in.Price,
					BidPrice: in.Price - 0.2,
					AskPrice: in.Price + 0.2,
					BidSize:  float64(rng.Intn(50) + 1),
					AskSize:  float64(rng.Intn(50) + 1),
					Contract: in.Contract,
				})
			}
		}
	}
}

func runReplay(ctx context.Context, h *hub, cfg *config.Config, source string, speed float64) error {
	var all [][]model.Bar
	switch source {
	case "parquet":
		for _, t := range cfg.ParseTickers() {
			bars, err := parquetstore.LoadBars(parquetstore.BarsPath(cfg.ParquetDir, t))
			if err != nil {
				return err
			}
			all = append(all, bars)
		}
	default:
		store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.SQLDriver, DSN: cfg.SQLDSN})
		if err != nil {
			return err
		}
		defer store.Close()
		for _, t := range cfg.ParseTickers() {
			bars, err := store.Load(ctx, t, time.Time{}, time.Time{})
			if err != nil {
				return err
			}
			all = append(all, bars)
		}
	}
	bars := replay.Merge(all...)
	log.Printf("[tickserver] replaying %d bars from %s at speed %g", len(bars), source, speed)

	tickCh := make(chan model.Tick, 1024)
	go func() {
		for tk := range tickCh {
			h.broadcast(tk)
		}
	}()
	defer close(tickCh)
	return replay.Replayer{Speed: speed}.Ticks(ctx, bars, tickCh)
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting tick server...")

	cfg := config.Load()
	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	replaySource := os.Getenv("TICK_REPLAY")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	h := newHub()
	if replaySource != "" {
		speed, err := strconv.ParseFloat(envOrDefault("TICK_SPEED", "1"), 64)
		if err != nil {
			log.Fatalf("[tickserver] TICK_SPEED: %v", err)
		}
		go func() {
			if err := runReplay(ctx, h, cfg, replaySource, speed); err != nil && ctx.Err() == nil {
				log.Printf("[tickserver] replay error: %v", err)
			}
		}()
	} else {
		instruments := parseInstruments(envOrDefault("TICK_CONTRACTS", "IF:3800"))
		if len(instruments) == 0 {
			log.Fatalf("[tickserver] no instruments configured via TICK_CONTRACTS")
		}
		interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 100)) * time.Millisecond
		log.Printf("[tickserver] instruments: %+v, interval: %v", instruments, interval)
		go runGenerator(ctx, h, instruments, interval)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tickserver"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Printf("[tickserver] shutdown: %v", err)
		}
	}()

	log.Printf("[tickserver] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		contract, priceStr, ok := strings.Cut(part, ":")
		if !ok {
			log.Printf("[tickserver] skipping invalid contract spec: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
		if err != nil || price <= 0 {
			log.Printf("[tickserver] skipping invalid price in %q", part)
			continue
		}
		result = append(result, instrument{Contract: strings.TrimSpace(contract), Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
