package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "teleglas.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSignal(id, symbol, signalType string, createdAt float64) SignalRecord {
	return SignalRecord{
		ID:          id,
		Symbol:      symbol,
		SignalType:  signalType,
		Direction:   "LONG",
		Confidence:  82.5,
		EntryPrice:  96200,
		StopLoss:    95321,
		TargetPrice: 97162,
		CreatedAt:   createdAt,
	}
}

// TestNewStoreCreatesParentDir tests that a nested database path is
// created on open.
func TestNewStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "teleglas.db")
	store, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	store.Close()
}

// TestInsertAndRecentSignals tests that signals round-trip and come
// back newest first.
func TestInsertAndRecentSignals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := epochSeconds(time.Now())
	for i, id := range []string{"sig-1", "sig-2", "sig-3"} {
		rec := testSignal(id, "BTCUSDT", "stop_hunt", base+float64(i))
		if err := store.InsertSignal(ctx, rec); err != nil {
			t.Fatalf("InsertSignal failed: %v", err)
		}
	}

	rows, err := store.RecentSignals(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSignals failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Should return 3 signals, got %d", len(rows))
	}
	if rows[0].ID != "sig-3" || rows[2].ID != "sig-1" {
		t.Errorf("Should order newest first, got %s..%s", rows[0].ID, rows[2].ID)
	}
	if rows[0].MetadataJSON != "{}" {
		t.Errorf("Should default metadata to empty object, got %q", rows[0].MetadataJSON)
	}
	if rows[0].Outcome != nil {
		t.Error("Should leave outcome unset for pending signals")
	}
}

// TestRecentSignalsLimit tests the limit clamp.
func TestRecentSignalsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := epochSeconds(time.Now())
	for i := 0; i < 5; i++ {
		rec := testSignal("sig-"+string(rune('a'+i)), "BTCUSDT", "stop_hunt", base+float64(i))
		if err := store.InsertSignal(ctx, rec); err != nil {
			t.Fatalf("InsertSignal failed: %v", err)
		}
	}

	rows, err := store.RecentSignals(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSignals failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Should honor explicit limit, got %d rows", len(rows))
	}
}

// TestUpdateSignalOutcome tests outcome resolution and the not-found
// case.
func TestUpdateSignalOutcome(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testSignal("sig-win", "BTCUSDT", "stop_hunt", epochSeconds(time.Now()))
	if err := store.InsertSignal(ctx, rec); err != nil {
		t.Fatalf("InsertSignal failed: %v", err)
	}

	if err := store.UpdateSignalOutcome(ctx, "sig-win", "WIN", 97162, 1.0); err != nil {
		t.Fatalf("UpdateSignalOutcome failed: %v", err)
	}

	rows, err := store.SignalsBySymbol(ctx, "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("SignalsBySymbol failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Should return 1 signal, got %d", len(rows))
	}
	got := rows[0]
	if got.Outcome == nil || *got.Outcome != "WIN" {
		t.Error("Should record the outcome")
	}
	if got.ExitPrice == nil || *got.ExitPrice != 97162 {
		t.Error("Should record the exit price")
	}
	if got.PnlPct == nil || *got.PnlPct != 1.0 {
		t.Error("Should record the pnl")
	}
	if got.CheckedAt == nil || *got.CheckedAt <= 0 {
		t.Error("Should stamp checked_at")
	}

	if err := store.UpdateSignalOutcome(ctx, "missing", "WIN", 1, 1); err == nil {
		t.Error("Should fail for an unknown signal id")
	}
}

// TestLoadPendingSignals tests that only unresolved rows inside the age
// window come back, oldest first.
func TestLoadPendingSignals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := epochSeconds(time.Now())
	records := []SignalRecord{
		testSignal("sig-old", "BTCUSDT", "stop_hunt", now-3600),
		testSignal("sig-new", "ETHUSDT", "stop_hunt", now-600),
		testSignal("sig-expired", "BTCUSDT", "stop_hunt", now-48*3600),
		testSignal("sig-done", "BTCUSDT", "stop_hunt", now-300),
	}
	for _, rec := range records {
		if err := store.InsertSignal(ctx, rec); err != nil {
			t.Fatalf("InsertSignal failed: %v", err)
		}
	}
	if err := store.UpdateSignalOutcome(ctx, "sig-done", "WIN", 97162, 1.0); err != nil {
		t.Fatalf("UpdateSignalOutcome failed: %v", err)
	}

	rows, err := store.LoadPendingSignals(ctx, 24)
	if err != nil {
		t.Fatalf("LoadPendingSignals failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Should return 2 pending signals, got %d", len(rows))
	}
	if rows[0].ID != "sig-old" || rows[1].ID != "sig-new" {
		t.Errorf("Should order oldest first, got %s..%s", rows[0].ID, rows[1].ID)
	}
}

// TestSignalStats tests the aggregate outcome summary.
func TestSignalStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := epochSeconds(time.Now())
	inserts := []struct {
		id      string
		outcome string
		pnl     float64
	}{
		{"s1", "WIN", 1.2},
		{"s2", "WIN", 0.8},
		{"s3", "LOSS", -0.5},
		{"s4", "", 0},
	}
	for i, in := range inserts {
		rec := testSignal(in.id, "BTCUSDT", "stop_hunt", base+float64(i))
		if err := store.InsertSignal(ctx, rec); err != nil {
			t.Fatalf("InsertSignal failed: %v", err)
		}
		if in.outcome != "" {
			if err := store.UpdateSignalOutcome(ctx, in.id, in.outcome, 0, in.pnl); err != nil {
				t.Fatalf("UpdateSignalOutcome failed: %v", err)
			}
		}
	}

	stats, err := store.SignalStats(ctx)
	if err != nil {
		t.Fatalf("SignalStats failed: %v", err)
	}
	if stats.Total != 4 || stats.Wins != 2 || stats.Losses != 1 || stats.Pending != 1 {
		t.Errorf("Should count outcomes, got total=%d wins=%d losses=%d pending=%d",
			stats.Total, stats.Wins, stats.Losses, stats.Pending)
	}
	if stats.AvgWin == nil || *stats.AvgWin < 0.99 || *stats.AvgWin > 1.01 {
		t.Errorf("Should average winning pnl near 1.0, got %v", stats.AvgWin)
	}
	if stats.AvgLoss == nil || *stats.AvgLoss != -0.5 {
		t.Errorf("Should average losing pnl, got %v", stats.AvgLoss)
	}
	if stats.AvgPnl == nil || *stats.AvgPnl < 0.49 || *stats.AvgPnl > 0.51 {
		t.Errorf("Should average resolved pnl near 0.5, got %v", stats.AvgPnl)
	}
}

// TestSignalStatsByType tests the per-type breakdown.
func TestSignalStatsByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := epochSeconds(time.Now())
	for i, in := range []struct {
		id, signalType, outcome string
	}{
		{"s1", "stop_hunt", "WIN"},
		{"s2", "stop_hunt", "LOSS"},
		{"s3", "accumulation", "WIN"},
	} {
		rec := testSignal(in.id, "BTCUSDT", in.signalType, base+float64(i))
		if err := store.InsertSignal(ctx, rec); err != nil {
			t.Fatalf("InsertSignal failed: %v", err)
		}
		if err := store.UpdateSignalOutcome(ctx, in.id, in.outcome, 0, 0); err != nil {
			t.Fatalf("UpdateSignalOutcome failed: %v", err)
		}
	}

	rows, err := store.SignalStatsByType(ctx)
	if err != nil {
		t.Fatalf("SignalStatsByType failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Should return 2 types, got %d", len(rows))
	}
	if rows[0].SignalType != "stop_hunt" || rows[0].Total != 2 || rows[0].Wins != 1 {
		t.Errorf("Should rank stop_hunt first with 2 signals, got %+v", rows[0])
	}
}

// TestExportSignalsCSV tests header, row content and human-readable UTC
// timestamps.
func TestExportSignalsCSV(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	empty, err := store.ExportSignalsCSV(ctx, 100)
	if err != nil {
		t.Fatalf("ExportSignalsCSV failed: %v", err)
	}
	if empty != "" {
		t.Error("Should return empty string when there are no signals")
	}

	created := float64(time.Date(2025, 6, 1, 12, 5, 23, 0, time.UTC).Unix())
	rec := testSignal("sig-csv", "ETHUSDT", "accumulation", created)
	if err := store.InsertSignal(ctx, rec); err != nil {
		t.Fatalf("InsertSignal failed: %v", err)
	}

	out, err := store.ExportSignalsCSV(ctx, 100)
	if err != nil {
		t.Fatalf("ExportSignalsCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("Should emit header plus 1 row, got %d lines", len(lines))
	}
	if lines[0] != "id,symbol,signal_type,direction,confidence,entry_price,stop_loss,target_price,exit_price,outcome,pnl_pct,created_at,checked_at" {
		t.Errorf("Should emit the fixed header, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "2025-06-01 12:05:23 UTC") {
		t.Errorf("Should format created_at as UTC, got %q", lines[1])
	}
	if !strings.Contains(lines[1], "sig-csv,ETHUSDT,accumulation,LONG,82.5") {
		t.Errorf("Should include signal fields, got %q", lines[1])
	}
}

// TestConfidenceStateRoundTrip tests that learning state persists
// exactly and upserts replace.
func TestConfidenceStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	states := []ConfidenceStateRecord{
		{SignalType: "stop_hunt", WinRate: 0.62, History: []bool{true, false, true}},
		{SignalType: "accumulation", WinRate: 0.48, History: []bool{false}},
	}
	if err := store.SaveConfidenceState(ctx, states); err != nil {
		t.Fatalf("SaveConfidenceState failed: %v", err)
	}

	loaded, err := store.LoadConfidenceState(ctx)
	if err != nil {
		t.Fatalf("LoadConfidenceState failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Should load 2 states, got %d", len(loaded))
	}
	byType := make(map[string]ConfidenceStateRecord)
	for _, st := range loaded {
		byType[st.SignalType] = st
	}
	hunt := byType["stop_hunt"]
	if hunt.WinRate != 0.62 {
		t.Errorf("Should preserve win rate exactly, got %v", hunt.WinRate)
	}
	if len(hunt.History) != 3 || !hunt.History[0] || hunt.History[1] || !hunt.History[2] {
		t.Errorf("Should preserve history exactly, got %v", hunt.History)
	}

	// Upsert replaces rather than duplicating.
	states[0].WinRate = 0.7
	if err := store.SaveConfidenceState(ctx, states); err != nil {
		t.Fatalf("SaveConfidenceState failed: %v", err)
	}
	loaded, err = store.LoadConfidenceState(ctx)
	if err != nil {
		t.Fatalf("LoadConfidenceState failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Should still hold 2 states after upsert, got %d", len(loaded))
	}
}

// TestReplaceDashboardCoins tests the transactional coin swap.
func TestReplaceDashboardCoins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	coins := []CoinRecord{
		{Symbol: "BTCUSDT", Active: true, AddedAt: 1},
		{Symbol: "ETHUSDT", Active: false, AddedAt: 2},
	}
	if err := store.ReplaceDashboardCoins(ctx, coins); err != nil {
		t.Fatalf("ReplaceDashboardCoins failed: %v", err)
	}

	loaded, err := store.LoadDashboardCoins(ctx)
	if err != nil {
		t.Fatalf("LoadDashboardCoins failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Should load 2 coins, got %d", len(loaded))
	}
	if loaded[0].Symbol != "BTCUSDT" || !loaded[0].Active {
		t.Errorf("Should keep insertion order and active flag, got %+v", loaded[0])
	}
	if loaded[1].Active {
		t.Error("Should preserve inactive flag")
	}

	if err := store.ReplaceDashboardCoins(ctx, coins[:1]); err != nil {
		t.Fatalf("ReplaceDashboardCoins failed: %v", err)
	}
	loaded, err = store.LoadDashboardCoins(ctx)
	if err != nil {
		t.Fatalf("LoadDashboardCoins failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("Should replace the whole list, got %d coins", len(loaded))
	}
}

// TestSaveLoadBaselines tests baseline persistence and the hours
// filter.
func TestSaveLoadBaselines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := epochSeconds(time.Now())
	baselines := []BaselineRecord{
		{Symbol: "BTCUSDT", LiqVolume: 100000, TradeVolume: 2000000, RecordedAt: now - 3600},
		{Symbol: "BTCUSDT", LiqVolume: 120000, TradeVolume: 2100000, RecordedAt: now},
		{Symbol: "ETHUSDT", LiqVolume: 50000, TradeVolume: 900000, RecordedAt: now},
		{Symbol: "BTCUSDT", LiqVolume: 90000, TradeVolume: 1800000, RecordedAt: now - 48*3600},
	}
	if err := store.SaveBaselines(ctx, baselines); err != nil {
		t.Fatalf("SaveBaselines failed: %v", err)
	}

	btc, err := store.LoadBaselines(ctx, "BTCUSDT", 24)
	if err != nil {
		t.Fatalf("LoadBaselines failed: %v", err)
	}
	if len(btc) != 2 {
		t.Fatalf("Should return 2 recent BTC baselines, got %d", len(btc))
	}
	if btc[0].RecordedAt > btc[1].RecordedAt {
		t.Error("Should order baselines oldest first")
	}

	all, err := store.LoadBaselines(ctx, "", 24)
	if err != nil {
		t.Fatalf("LoadBaselines failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Should return 3 recent baselines across symbols, got %d", len(all))
	}
}

// TestExportBaselinesCSV tests the baseline export format and symbol
// filter.
func TestExportBaselinesCSV(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recorded := float64(time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC).Unix())
	baselines := []BaselineRecord{
		{Symbol: "BTCUSDT", LiqVolume: 100000, TradeVolume: 2000000, RecordedAt: recorded},
		{Symbol: "ETHUSDT", LiqVolume: 50000, TradeVolume: 900000, RecordedAt: recorded},
	}
	if err := store.SaveBaselines(ctx, baselines); err != nil {
		t.Fatalf("SaveBaselines failed: %v", err)
	}

	out, err := store.ExportBaselinesCSV(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("ExportBaselinesCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("Should emit header plus 1 filtered row, got %d lines", len(lines))
	}
	if lines[0] != "symbol,liq_volume,trade_volume,recorded_at" {
		t.Errorf("Should emit the fixed header, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "BTCUSDT,100000,2000000,2025-06-01 11:00:00 UTC") {
		t.Errorf("Should render the BTC row, got %q", lines[1])
	}

	all, err := store.ExportBaselinesCSV(ctx, "")
	if err != nil {
		t.Fatalf("ExportBaselinesCSV failed: %v", err)
	}
	if len(strings.Split(strings.TrimSpace(all), "\n")) != 3 {
		t.Error("Should include both symbols without a filter")
	}
}

// TestSnapshotsRoundTrip tests OI and funding snapshot persistence with
// the hours filter.
func TestSnapshotsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := epochSeconds(time.Now())
	oi := OISnapshot{
		Symbol: "BTCUSDT", CurrentOIUSD: 5.2e9, PreviousOIUSD: 5.0e9,
		OIHighUSD: 5.3e9, OILowUSD: 4.9e9, OIChangePct: 4.0, RecordedAt: now,
	}
	if err := store.InsertOISnapshot(ctx, oi); err != nil {
		t.Fatalf("InsertOISnapshot failed: %v", err)
	}
	old := oi
	old.RecordedAt = now - 30*3600
	if err := store.InsertOISnapshot(ctx, old); err != nil {
		t.Fatalf("InsertOISnapshot failed: %v", err)
	}

	oiRows, err := store.OIHistory(ctx, "BTCUSDT", 24)
	if err != nil {
		t.Fatalf("OIHistory failed: %v", err)
	}
	if len(oiRows) != 1 {
		t.Fatalf("Should filter old OI snapshots, got %d rows", len(oiRows))
	}
	if oiRows[0].OIChangePct != 4.0 {
		t.Errorf("Should round-trip OI change, got %v", oiRows[0].OIChangePct)
	}

	funding := FundingSnapshot{
		Symbol: "BTCUSDT", CurrentRate: 0.012, PreviousRate: 0.010,
		RateHigh: 0.015, RateLow: 0.008, RecordedAt: now,
	}
	if err := store.InsertFundingSnapshot(ctx, funding); err != nil {
		t.Fatalf("InsertFundingSnapshot failed: %v", err)
	}

	fundingRows, err := store.FundingHistory(ctx, "BTCUSDT", 24)
	if err != nil {
		t.Fatalf("FundingHistory failed: %v", err)
	}
	if len(fundingRows) != 1 {
		t.Fatalf("Should return 1 funding snapshot, got %d", len(fundingRows))
	}
	if fundingRows[0].CurrentRate != 0.012 {
		t.Errorf("Should round-trip funding rate, got %v", fundingRows[0].CurrentRate)
	}
}

// TestCleanupOldData tests the retention windows.
func TestCleanupOldData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := epochSeconds(time.Now())
	baselines := []BaselineRecord{
		{Symbol: "BTCUSDT", LiqVolume: 1, TradeVolume: 1, RecordedAt: now - 80*3600},
		{Symbol: "BTCUSDT", LiqVolume: 2, TradeVolume: 2, RecordedAt: now},
	}
	if err := store.SaveBaselines(ctx, baselines); err != nil {
		t.Fatalf("SaveBaselines failed: %v", err)
	}
	oldOI := OISnapshot{Symbol: "BTCUSDT", CurrentOIUSD: 1, RecordedAt: now - 200*3600}
	if err := store.InsertOISnapshot(ctx, oldOI); err != nil {
		t.Fatalf("InsertOISnapshot failed: %v", err)
	}
	freshOI := OISnapshot{Symbol: "BTCUSDT", CurrentOIUSD: 2, RecordedAt: now}
	if err := store.InsertOISnapshot(ctx, freshOI); err != nil {
		t.Fatalf("InsertOISnapshot failed: %v", err)
	}

	removed, err := store.CleanupOldData(ctx)
	if err != nil {
		t.Fatalf("CleanupOldData failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Should remove 2 expired rows, got %d", removed)
	}

	remaining, err := store.LoadBaselines(ctx, "BTCUSDT", 1000)
	if err != nil {
		t.Fatalf("LoadBaselines failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("Should keep the fresh baseline, got %d rows", len(remaining))
	}
	oiRows, err := store.OIHistory(ctx, "BTCUSDT", 1000)
	if err != nil {
		t.Fatalf("OIHistory failed: %v", err)
	}
	if len(oiRows) != 1 {
		t.Errorf("Should keep the fresh OI snapshot, got %d rows", len(oiRows))
	}
}
