// Package wsfeed is a WebSocket tick feed client. It connects to a server
// streaming JSON ticks (see cmd/tickserver) and pushes them into the
// ingestion pipeline, reconnecting with exponential backoff.
//
// Each text message is one model.Tick:
//
//	{"ts":"2024-03-04T09:00:01Z","last":3521.4,"volume":3,"contract":"IF2403"}
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"quantcore/internal/model"
)

// ErrEmptyContract is reported for ticks without a contract.
var ErrEmptyContract = errors.New("wsfeed: tick has no contract")

// Config holds configuration for the feed client.
type Config struct {
	// URL of the tick server, e.g. "ws://localhost:9001/ws".
	URL string

	// Contracts, when non-empty, is sent as a subscription message on
	// every connect; the server then only streams those contracts.
	Contracts []string

	// ReconnectDelay is the initial delay before reconnecting. Default 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Default 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Subscribe is the message sent on connect when Config.Contracts is set.
type Subscribe struct {
	Action    string   `json:"action"` // "subscribe"
	Contracts []string `json:"contracts"`
}

// Feed streams ticks from a WebSocket server.
type Feed struct {
	cfg Config

	// Optional hooks
	OnConnect    func()
	OnDisconnect func(err error)
	OnDrop       func(err error) // malformed tick, or tickCh full (err nil)
}

// New creates a Feed. Returns an error if the URL is unparseable.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("wsfeed: url scheme must be ws or wss")
	}
	return &Feed{cfg: cfg}, nil
}

// Start streams ticks into tickCh. Blocks until ctx is cancelled and
// reconnects automatically on disconnect.
func (f *Feed) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := f.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := f.runOnce(ctx, tickCh)
		if err == nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		log.Printf("[wsfeed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnDisconnect != nil {
			f.OnDisconnect(err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection and reads until disconnect or ctx cancel.
// A nil error means ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context, tickCh chan<- model.Tick) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	if len(f.cfg.Contracts) > 0 {
		if err := conn.WriteJSON(Subscribe{Action: "subscribe", Contracts: f.cfg.Contracts}); err != nil {
			return true, err
		}
	}
	log.Printf("[wsfeed] connected to %s", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		tick, err := Decode(raw)
		if err != nil {
			log.Printf("[wsfeed] %v (raw: %s)", err, raw)
			f.drop(err)
			continue
		}

		select {
		case tickCh <- tick:
		default:
			log.Println("[wsfeed] tickCh full, dropping tick")
			f.drop(nil)
		}
	}
}

func (f *Feed) drop(err error) {
	if f.OnDrop != nil {
		f.OnDrop(err)
	}
}

// Decode parses and checks one tick message.
func Decode(raw []byte) (model.Tick, error) {
	var tick model.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return tick, err
	}
	if tick.Contract == "" {
		return tick, ErrEmptyContract
	}
	return tick, nil
}
