package database

import (
	"context"
	"fmt"
)

// InsertOISnapshot persists one open-interest poll result.
func (s *Store) InsertOISnapshot(ctx context.Context, snap OISnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if snap.RecordedAt == 0 {
		snap.RecordedAt = epochSeconds(s.now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oi_snapshots (
			symbol, current_oi_usd, previous_oi_usd, oi_high_usd,
			oi_low_usd, oi_change_pct, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Symbol, snap.CurrentOIUSD, snap.PreviousOIUSD, snap.OIHighUSD,
		snap.OILowUSD, snap.OIChangePct, snap.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert oi snapshot: %w", err)
	}
	return nil
}

// OIHistory returns the open-interest snapshots for one symbol within
// the last hours, oldest first.
func (s *Store) OIHistory(ctx context.Context, symbol string, hours int) ([]OISnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := epochSeconds(s.now()) - float64(hours)*3600
	var rows []OISnapshot
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM oi_snapshots
		WHERE symbol = ? AND recorded_at >= ?
		ORDER BY recorded_at`,
		symbol, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query oi history for %s: %w", symbol, err)
	}
	return rows, nil
}

// InsertFundingSnapshot persists one funding-rate poll result.
func (s *Store) InsertFundingSnapshot(ctx context.Context, snap FundingSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if snap.RecordedAt == 0 {
		snap.RecordedAt = epochSeconds(s.now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_snapshots (
			symbol, current_rate, previous_rate, rate_high, rate_low, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Symbol, snap.CurrentRate, snap.PreviousRate, snap.RateHigh,
		snap.RateLow, snap.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert funding snapshot: %w", err)
	}
	return nil
}

// FundingHistory returns the funding snapshots for one symbol within
// the last hours, oldest first.
func (s *Store) FundingHistory(ctx context.Context, symbol string, hours int) ([]FundingSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := epochSeconds(s.now()) - float64(hours)*3600
	var rows []FundingSnapshot
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM funding_snapshots
		WHERE symbol = ? AND recorded_at >= ?
		ORDER BY recorded_at`,
		symbol, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query funding history for %s: %w", symbol, err)
	}
	return rows, nil
}
