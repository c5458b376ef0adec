// Package sqlite implements the durable stores: the candle sequence, the
// prediction audit trail, training records, and evaluations. One database
// file, WAL mode, verified connections with a lifetime ceiling.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the store.
type Config struct {
	Path string // database file path, e.g. "data/candles.db"

	// Connection pool sizing. Readers run concurrently under WAL;
	// MaxOpen covers steady readers plus short-burst overflow.
	MaxOpen     int           // default 20
	MaxOverflow int           // default 40, added to MaxOpen
	ConnTTL     time.Duration // default 1h
}

// Store owns the database handle shared by the concrete stores.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 20
	}
	if cfg.MaxOverflow <= 0 {
		cfg.MaxOverflow = 40
	}
	if cfg.ConnTTL <= 0 {
		cfg.ConnTTL = time.Hour
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.MaxOpen)
	db.SetConnMaxLifetime(cfg.ConnTTL)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			start_ts   INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			PRIMARY KEY (symbol, timeframe, start_ts)
		);
		CREATE INDEX IF NOT EXISTS candles_latest
			ON candles (symbol, timeframe, start_ts DESC);

		CREATE TABLE IF NOT EXISTS predictions (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol             TEXT    NOT NULL,
			timeframe          TEXT    NOT NULL,
			created_at         INTEGER NOT NULL,
			horizon_minutes    INTEGER NOT NULL,
			series             TEXT    NOT NULL,
			overall_confidence REAL    NOT NULL,
			contributions      TEXT    NOT NULL,
			raw_outputs        TEXT    NOT NULL,
			validation_flags   TEXT    NOT NULL,
			feature_snapshot   TEXT    NOT NULL,
			sanitization       TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS predictions_subject
			ON predictions (symbol, timeframe, created_at DESC);

		CREATE TABLE IF NOT EXISTS training_records (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id      TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			timeframe   TEXT    NOT NULL,
			bot_name    TEXT    NOT NULL,
			status      TEXT    NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER,
			data_points INTEGER NOT NULL DEFAULT 0,
			metrics     TEXT,
			config      TEXT,
			error       TEXT
		);
		CREATE INDEX IF NOT EXISTS training_lookup
			ON training_records (symbol, timeframe, bot_name, status);
		CREATE UNIQUE INDEX IF NOT EXISTS training_active_uniq
			ON training_records (symbol, timeframe, bot_name)
			WHERE status IN ('queued', 'running');

		CREATE TABLE IF NOT EXISTS evaluations (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			prediction_id INTEGER NOT NULL UNIQUE REFERENCES predictions(id),
			symbol        TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			evaluated_at  INTEGER NOT NULL,
			points        INTEGER NOT NULL,
			mae           REAL    NOT NULL,
			mape          REAL    NOT NULL,
			hit_rate      REAL    NOT NULL
		);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies a live connection within the context deadline.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
