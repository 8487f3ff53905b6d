// Package sqlstore persists bars in SQLite or PostgreSQL through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"quantcore/internal/metrics"
	"quantcore/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the store.
type Config struct {
	Driver string // "sqlite3" (default) or "postgres"
	DSN    string // file path for sqlite3, connection string for postgres
}

// Row is one stored bar.
type Row struct {
	Ticker       string  `db:"ticker"`
	TS           int64   `db:"ts"` // unix nanoseconds
	OpenTS       int64   `db:"open_ts"`
	Open         float64 `db:"open"`
	High         float64 `db:"high"`
	Low          float64 `db:"low"`
	Close        float64 `db:"close"`
	Volume       float64 `db:"volume"`
	Amount       float64 `db:"amount"`
	TicksMerged  int     `db:"ticks_merged"`
	TicksSkipped int     `db:"ticks_skipped"`
}

// RowOf converts a bar; the ticker is b.Info.Contract.
func RowOf(b model.Bar) Row {
	r := Row{
		Ticker:       b.Info.Contract,
		TS:           b.Time.UnixNano(),
		Open:         b.Open,
		High:         b.High,
		Low:          b.Low,
		Close:        b.Close,
		Volume:       b.Volume,
		Amount:       b.Amount,
		TicksMerged:  b.Info.TicksMerged,
		TicksSkipped: b.Info.TicksSkipped,
	}
	if !b.Info.OpenTime.IsZero() {
		r.OpenTS = b.Info.OpenTime.UnixNano()
	}
	return r
}

// Bar converts the row back.
func (r Row) Bar() model.Bar {
	b := model.Bar{
		Time:   time.Unix(0, r.TS).UTC(),
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
		Amount: r.Amount,
		Info: model.BarInfo{
			TicksMerged:  r.TicksMerged,
			TicksSkipped: r.TicksSkipped,
			Contract:     r.Ticker,
		},
	}
	if r.OpenTS != 0 {
		b.Info.OpenTime = time.Unix(0, r.OpenTS).UTC()
	}
	return b
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	ticker        TEXT             NOT NULL,
	ts            BIGINT           NOT NULL,
	open_ts       BIGINT           NOT NULL DEFAULT 0,
	open          DOUBLE PRECISION NOT NULL,
	high          DOUBLE PRECISION NOT NULL,
	low           DOUBLE PRECISION NOT NULL,
	close         DOUBLE PRECISION NOT NULL,
	volume        DOUBLE PRECISION NOT NULL DEFAULT 0,
	amount        DOUBLE PRECISION NOT NULL DEFAULT 0,
	ticks_merged  INTEGER          NOT NULL DEFAULT 0,
	ticks_skipped INTEGER          NOT NULL DEFAULT 0,
	PRIMARY KEY (ticker, ts)
)`

const upsert = `
INSERT INTO bars (ticker, ts, open_ts, open, high, low, close, volume, amount, ticks_merged, ticks_skipped)
VALUES (:ticker, :ts, :open_ts, :open, :high, :low, :close, :volume, :amount, :ticks_merged, :ticks_skipped)
ON CONFLICT (ticker, ts) DO UPDATE SET
	open_ts = excluded.open_ts, open = excluded.open, high = excluded.high,
	low = excluded.low, close = excluded.close, volume = excluded.volume,
	amount = excluded.amount, ticks_merged = excluded.ticks_merged,
	ticks_skipped = excluded.ticks_skipped`

// Store reads and writes the bars table.
type Store struct {
	db *sqlx.DB

	// Metrics, when set, records commit latency.
	Metrics *metrics.Metrics
}

// Open connects and creates the schema.
func Open(cfg Config) (*Store, error) {
	driver, dsn := cfg.Driver, cfg.DSN
	if driver == "" {
		driver = "sqlite3"
	}
	if driver == "sqlite3" && !strings.Contains(dsn, "?") && dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", driver, err)
	}
	if driver == "sqlite3" {
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s schema: %w", driver, err)
	}
	log.Printf("[sqlstore] opened %s database", driver)
	return &Store{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Insert upserts bars in one transaction.
func (s *Store) Insert(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, b := range bars {
		if _, err := tx.NamedExecContext(ctx, upsert, RowOf(b)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert bar %s ts=%v: %w", b.Info.Contract, b.Time, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.SQLCommitDur.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Load returns ticker's bars with from <= time <= to in time order. A zero
// bound is open.
func (s *Store) Load(ctx context.Context, ticker string, from, to time.Time) ([]model.Bar, error) {
	lo, hi := int64(0), int64(1<<63-1)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}
	var rows []Row
	q := s.db.Rebind(`SELECT * FROM bars WHERE ticker = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, ticker, lo, hi); err != nil {
		return nil, fmt.Errorf("select bars %s: %w", ticker, err)
	}
	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = r.Bar()
	}
	return bars, nil
}

// Tickers lists the stored tickers.
func (s *Store) Tickers(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT ticker FROM bars ORDER BY ticker`); err != nil {
		return nil, fmt.Errorf("select tickers: %w", err)
	}
	return out, nil
}

// Run reads bars from barCh and inserts them in batched transactions,
// flushing every defaultBatchSize bars or defaultFlushDelay, whichever
// comes first. Blocks until ctx is cancelled or barCh is closed.
func (s *Store) Run(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// the run context may already be cancelled on shutdown
		if err := s.Insert(context.Background(), batch); err != nil {
			log.Printf("[sqlstore] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case b, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, b)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
