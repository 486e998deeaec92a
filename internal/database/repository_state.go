package database

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
)

const maxBaselineExport = 5000

// SaveConfidenceState upserts the learning state for each signal type.
func (s *Store) SaveConfidenceState(ctx context.Context, states []ConfidenceStateRecord) error {
	if len(states) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin confidence state tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO confidence_state (signal_type, win_rate, history_json, updated_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare confidence state: %w", err)
	}
	defer stmt.Close()

	now := epochSeconds(s.now())
	for _, state := range states {
		history, err := json.Marshal(state.History)
		if err != nil {
			return fmt.Errorf("marshal history for %s: %w", state.SignalType, err)
		}
		if _, err := stmt.ExecContext(ctx, state.SignalType, state.WinRate, string(history), now); err != nil {
			return fmt.Errorf("save confidence state for %s: %w", state.SignalType, err)
		}
	}
	return tx.Commit()
}

// LoadConfidenceState returns the persisted learning state for all
// signal types.
func (s *Store) LoadConfidenceState(ctx context.Context) ([]ConfidenceStateRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []struct {
		SignalType  string  `db:"signal_type"`
		WinRate     float64 `db:"win_rate"`
		HistoryJSON string  `db:"history_json"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT signal_type, win_rate, history_json FROM confidence_state`)
	if err != nil {
		return nil, fmt.Errorf("query confidence state: %w", err)
	}

	states := make([]ConfidenceStateRecord, 0, len(rows))
	for _, row := range rows {
		state := ConfidenceStateRecord{SignalType: row.SignalType, WinRate: row.WinRate}
		if err := json.Unmarshal([]byte(row.HistoryJSON), &state.History); err != nil {
			s.log.Warn().Err(err).Str("signal_type", row.SignalType).Msg("Corrupt history, resetting")
			state.History = nil
		}
		states = append(states, state)
	}
	return states, nil
}

// ReplaceDashboardCoins swaps the persisted coin list for the given one
// in a single transaction.
func (s *Store) ReplaceDashboardCoins(ctx context.Context, coins []CoinRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin coins tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_coins`); err != nil {
		return fmt.Errorf("clear dashboard coins: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dashboard_coins (symbol, active, added_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare coin insert: %w", err)
	}
	defer stmt.Close()

	now := epochSeconds(s.now())
	for _, coin := range coins {
		addedAt := coin.AddedAt
		if addedAt == 0 {
			addedAt = now
		}
		if _, err := stmt.ExecContext(ctx, coin.Symbol, coin.Active, addedAt); err != nil {
			return fmt.Errorf("save coin %s: %w", coin.Symbol, err)
		}
	}
	return tx.Commit()
}

// LoadDashboardCoins returns the persisted coin list in insertion order.
func (s *Store) LoadDashboardCoins(ctx context.Context) ([]CoinRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []CoinRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT symbol, active, added_at FROM dashboard_coins ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("query dashboard coins: %w", err)
	}
	return rows, nil
}

// SaveBaselines persists one batch of hourly volume baselines.
func (s *Store) SaveBaselines(ctx context.Context, baselines []BaselineRecord) error {
	if len(baselines) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin baselines tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO hourly_baselines (symbol, liq_volume, trade_volume, recorded_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare baseline insert: %w", err)
	}
	defer stmt.Close()

	now := epochSeconds(s.now())
	for _, b := range baselines {
		recordedAt := b.RecordedAt
		if recordedAt == 0 {
			recordedAt = now
		}
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.LiqVolume, b.TradeVolume, recordedAt); err != nil {
			return fmt.Errorf("save baseline for %s: %w", b.Symbol, err)
		}
	}
	return tx.Commit()
}

// LoadBaselines returns baselines recorded within the last hours,
// optionally filtered to one symbol. Rows come back oldest first.
func (s *Store) LoadBaselines(ctx context.Context, symbol string, hours int) ([]BaselineRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := epochSeconds(s.now()) - float64(hours)*3600
	var rows []BaselineRecord
	var err error
	if symbol != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM hourly_baselines
			WHERE symbol = ? AND recorded_at >= ?
			ORDER BY recorded_at`,
			symbol, cutoff)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM hourly_baselines
			WHERE recorded_at >= ?
			ORDER BY recorded_at`,
			cutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("query baselines: %w", err)
	}
	return rows, nil
}

// ExportBaselinesCSV renders baselines as CSV, optionally filtered to
// one symbol. Unfiltered exports are capped.
func (s *Store) ExportBaselinesCSV(ctx context.Context, symbol string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []BaselineRecord
	var err error
	if symbol != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM hourly_baselines
			WHERE symbol = ?
			ORDER BY recorded_at DESC`,
			symbol)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM hourly_baselines
			ORDER BY recorded_at DESC
			LIMIT ?`,
			maxBaselineExport)
	}
	if err != nil {
		return "", fmt.Errorf("query baselines for export: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	w.Write([]string{"symbol", "liq_volume", "trade_volume", "recorded_at"})
	for _, b := range rows {
		w.Write([]string{
			b.Symbol,
			formatFloat(b.LiqVolume),
			formatFloat(b.TradeVolume),
			formatEpochUTC(b.RecordedAt),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write baselines csv: %w", err)
	}
	return buf.String(), nil
}
