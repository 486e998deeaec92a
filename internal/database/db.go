// Package database is the single-file persistence layer: signal
// history, learner state, dashboard coins, hourly baselines and the
// OI/funding snapshots collected by the REST poller.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	queryTimeout = 5 * time.Second

	// Retention windows for periodic cleanup.
	baselineMaxAge = 72 * time.Hour
	snapshotMaxAge = 168 * time.Hour
)

// Store wraps the embedded SQLite database. All access goes through a
// single connection; WAL journaling keeps concurrent readers cheap.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger

	now func() time.Time
}

// NewStore opens (creating if needed) the database at path and runs
// migrations.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		db:  db,
		log: logger.With().Str("component", "database").Logger(),
		now: time.Now,
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store.log.Info().Str("path", path).Msg("Database connected")
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.log.Info().Msg("Database closed")
	return s.db.Close()
}

// migrate creates tables and indexes if they don't exist.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			direction TEXT NOT NULL,
			confidence REAL NOT NULL,
			entry_price REAL,
			stop_loss REAL,
			target_price REAL,
			exit_price REAL,
			outcome TEXT,
			pnl_pct REAL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at REAL NOT NULL,
			checked_at REAL
		)`,
		`CREATE TABLE IF NOT EXISTS confidence_state (
			signal_type TEXT PRIMARY KEY,
			win_rate REAL NOT NULL,
			history_json TEXT NOT NULL,
			updated_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dashboard_coins (
			symbol TEXT PRIMARY KEY,
			active INTEGER NOT NULL DEFAULT 1,
			added_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hourly_baselines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			liq_volume REAL NOT NULL,
			trade_volume REAL NOT NULL,
			recorded_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS oi_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			current_oi_usd REAL NOT NULL,
			previous_oi_usd REAL,
			oi_high_usd REAL,
			oi_low_usd REAL,
			oi_change_pct REAL,
			recorded_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS funding_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			current_rate REAL NOT NULL,
			previous_rate REAL,
			rate_high REAL,
			rate_low REAL,
			recorded_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_baselines_symbol ON hourly_baselines(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_oi_symbol_time ON oi_snapshots(symbol, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_funding_symbol_time ON funding_snapshots(symbol, recorded_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CleanupOldData applies the retention policy: baselines older than 72h
// and OI/funding snapshots older than 168h are deleted. Returns the
// number of rows removed.
func (s *Store) CleanupOldData(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := s.now()
	var removed int64
	targets := []struct {
		query  string
		cutoff float64
	}{
		{"DELETE FROM hourly_baselines WHERE recorded_at < ?", epochSeconds(now.Add(-baselineMaxAge))},
		{"DELETE FROM oi_snapshots WHERE recorded_at < ?", epochSeconds(now.Add(-snapshotMaxAge))},
		{"DELETE FROM funding_snapshots WHERE recorded_at < ?", epochSeconds(now.Add(-snapshotMaxAge))},
	}
	for _, target := range targets {
		res, err := s.db.ExecContext(ctx, target.query, target.cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}

	if removed > 0 {
		s.log.Info().Int64("rows", removed).Msg("Old rows cleaned up")
	}
	return removed, nil
}

func (s *Store) GetStats() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	stats := map[string]interface{}{}
	for name, table := range map[string]string{
		"signals":   "signals",
		"baselines": "hourly_baselines",
		"oi":        "oi_snapshots",
		"funding":   "funding_snapshots",
	} {
		var count int64
		if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table); err == nil {
			stats[name] = count
		}
	}
	return stats
}

// epochSeconds converts a time to the REAL epoch-seconds convention the
// schema uses.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

// formatEpochUTC renders an epoch-seconds stamp for CSV export.
func formatEpochUTC(sec float64) string {
	return time.Unix(int64(sec), 0).UTC().Format("2006-01-02 15:04:05") + " UTC"
}
