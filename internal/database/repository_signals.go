package database

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 5000
)

// InsertSignal persists a new signal row. CreatedAt is stamped when the
// caller leaves it zero.
func (s *Store) InsertSignal(ctx context.Context, rec SignalRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rec.CreatedAt == 0 {
		rec.CreatedAt = epochSeconds(s.now())
	}
	if rec.MetadataJSON == "" {
		rec.MetadataJSON = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, symbol, signal_type, direction, confidence,
			entry_price, stop_loss, target_price, metadata_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, rec.SignalType, rec.Direction, rec.Confidence,
		rec.EntryPrice, rec.StopLoss, rec.TargetPrice, rec.MetadataJSON, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// UpdateSignalOutcome records how a tracked signal resolved.
func (s *Store) UpdateSignalOutcome(ctx context.Context, id, outcome string, exitPrice, pnlPct float64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET outcome = ?, exit_price = ?, pnl_pct = ?, checked_at = ?
		WHERE id = ?`,
		outcome, exitPrice, pnlPct, epochSeconds(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update signal outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("signal %s not found", id)
	}
	return nil
}

// LoadPendingSignals returns unresolved signals newer than the given
// age, oldest first, so the tracker can pick them back up after a
// restart.
func (s *Store) LoadPendingSignals(ctx context.Context, hours int) ([]SignalRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := epochSeconds(s.now()) - float64(hours)*3600
	var rows []SignalRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM signals
		WHERE outcome IS NULL AND created_at >= ?
		ORDER BY created_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending signals: %w", err)
	}
	return rows, nil
}

// RecentSignals returns the newest signals across all symbols.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []SignalRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM signals
		ORDER BY created_at DESC
		LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	return rows, nil
}

// SignalsBySymbol returns the newest signals for one symbol.
func (s *Store) SignalsBySymbol(ctx context.Context, symbol string, limit int) ([]SignalRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []SignalRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM signals
		WHERE symbol = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		symbol, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query signals for %s: %w", symbol, err)
	}
	return rows, nil
}

// SignalStats aggregates win/loss totals and average PnL across all
// persisted signals.
func (s *Store) SignalStats(ctx context.Context) (SignalStats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var stats SignalStats
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN outcome = 'WIN' THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN outcome = 'LOSS' THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(SUM(CASE WHEN outcome = 'NEUTRAL' THEN 1 ELSE 0 END), 0) AS neutral,
			COALESCE(SUM(CASE WHEN outcome IS NULL THEN 1 ELSE 0 END), 0) AS pending,
			AVG(pnl_pct) AS avg_pnl,
			AVG(CASE WHEN outcome = 'WIN' THEN pnl_pct END) AS avg_win,
			AVG(CASE WHEN outcome = 'LOSS' THEN pnl_pct END) AS avg_loss
		FROM signals`,
	).StructScan(&stats)
	if err != nil {
		return SignalStats{}, fmt.Errorf("query signal stats: %w", err)
	}
	return stats, nil
}

// SignalStatsByType breaks the outcome summary down per signal type.
func (s *Store) SignalStatsByType(ctx context.Context) ([]TypeStats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []TypeStats
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			signal_type,
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN outcome = 'WIN' THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN outcome = 'LOSS' THEN 1 ELSE 0 END), 0) AS losses,
			AVG(CASE WHEN outcome IN ('WIN', 'LOSS') THEN pnl_pct END) AS avg_pnl
		FROM signals
		GROUP BY signal_type
		ORDER BY total DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query signal stats by type: %w", err)
	}
	return rows, nil
}

// ExportSignalsCSV renders the newest signals as CSV with timestamps in
// human-readable UTC.
func (s *Store) ExportSignalsCSV(ctx context.Context, limit int) (string, error) {
	rows, err := s.RecentSignals(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	w.Write([]string{
		"id", "symbol", "signal_type", "direction", "confidence",
		"entry_price", "stop_loss", "target_price", "exit_price",
		"outcome", "pnl_pct", "created_at", "checked_at",
	})
	for _, rec := range rows {
		w.Write([]string{
			rec.ID,
			rec.Symbol,
			rec.SignalType,
			rec.Direction,
			formatFloat(rec.Confidence),
			formatFloat(rec.EntryPrice),
			formatFloat(rec.StopLoss),
			formatFloat(rec.TargetPrice),
			formatFloatPtr(rec.ExitPrice),
			stringPtr(rec.Outcome),
			formatFloatPtr(rec.PnlPct),
			formatEpochUTC(rec.CreatedAt),
			formatEpochPtr(rec.CheckedAt),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write signals csv: %w", err)
	}
	return buf.String(), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSignalLimit
	}
	if limit > maxSignalLimit {
		return maxSignalLimit
	}
	return limit
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func stringPtr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatEpochPtr(sec *float64) string {
	if sec == nil {
		return ""
	}
	return formatEpochUTC(*sec)
}
