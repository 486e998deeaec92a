package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"teleglas-pro/internal/api"
	"teleglas-pro/internal/buffer"
	"teleglas-pro/internal/coinglass"
	"teleglas-pro/internal/database"
	"teleglas-pro/internal/signals"
)

// restoreState rebuilds in-memory state from storage and the cache.
// Storage being down is logged and ignored; the pipeline starts cold.
func (s *Supervisor) restoreState() {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(s.rootCtx, persistTimeout)
		defer cancel()

		states, err := s.store.LoadConfidenceState(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Learner state load failed")
		} else if len(states) > 0 {
			restored := make([]signals.TypeState, 0, len(states))
			for _, st := range states {
				restored = append(restored, signals.TypeState{
					SignalType: st.SignalType,
					WinRate:    st.WinRate,
					History:    st.History,
				})
			}
			s.scorer.RestoreState(restored)
			s.log.Info().Int("types", len(restored)).Msg("Learner state restored")
		}

		coins, err := s.store.LoadDashboardCoins(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Coin list load failed")
		} else if len(coins) > 0 {
			statuses := make([]api.CoinStatus, 0, len(coins))
			for _, coin := range coins {
				statuses = append(statuses, api.CoinStatus{
					Symbol:     coin.Symbol,
					Active:     coin.Active,
					LastUpdate: "N/A",
				})
			}
			s.bridge.RestoreCoins(statuses)
			s.log.Info().Int("coins", len(statuses)).Msg("Coin list restored")
		}

		baselines, err := s.store.LoadBaselines(ctx, "", baselineKeepHours)
		if err != nil {
			s.log.Warn().Err(err).Msg("Baseline load failed")
		} else if len(baselines) > 0 {
			bySymbol := make(map[string][]buffer.HourlyBaseline)
			for _, rec := range baselines {
				bySymbol[rec.Symbol] = append(bySymbol[rec.Symbol], buffer.HourlyBaseline{
					Timestamp:   int64(rec.RecordedAt * 1000),
					LiqVolume:   rec.LiqVolume,
					TradeVolume: rec.TradeVolume,
				})
			}
			for symbol, entries := range bySymbol {
				s.buffers.RestoreHourlyBaselines(symbol, entries)
			}
			s.log.Info().Int("symbols", len(bySymbol)).Msg("Hourly baselines restored")
		}

		pending, err := s.store.LoadPendingSignals(ctx, pendingKeepHours)
		if err != nil {
			s.log.Warn().Err(err).Msg("Pending signal load failed")
		} else if len(pending) > 0 {
			hold := time.Duration(s.cfg.SignalConfig.CheckIntervalSeconds) * time.Second
			restored := make([]*signals.TrackedSignal, 0, len(pending))
			for _, rec := range pending {
				var meta signals.Metadata
				if rec.MetadataJSON != "" {
					if err := json.Unmarshal([]byte(rec.MetadataJSON), &meta); err != nil {
						s.log.Debug().Err(err).Str("id", rec.ID).Msg("Signal metadata decode failed")
					}
				}
				created := time.Unix(int64(rec.CreatedAt), 0).UTC()
				restored = append(restored, &signals.TrackedSignal{
					Signal: &signals.TradingSignal{
						ID:         rec.ID,
						Symbol:     rec.Symbol,
						Type:       rec.SignalType,
						Direction:  rec.Direction,
						Confidence: rec.Confidence,
						CreatedAt:  created,
						Metadata:   meta,
					},
					EntryPrice:  rec.EntryPrice,
					StopLoss:    rec.StopLoss,
					TargetPrice: rec.TargetPrice,
					Deadline:    created.Add(hold),
				})
			}
			s.tracker.RestorePending(restored)
			s.log.Info().Int("signals", len(restored)).Msg("Pending signals restored")
		}
	}

	if s.bridge.CoinCount() == 0 {
		pairs := append([]string{}, s.cfg.PairsConfig.Primary...)
		pairs = append(pairs, s.cfg.PairsConfig.Secondary...)
		s.bridge.InitializeCoins(pairs)
	}

	s.warmFromCache()
	s.warmMarketContext()
}

// warmFromCache seeds dashboard state from Redis so a restart does not
// blank the UI while the pipeline refills.
func (s *Supervisor) warmFromCache() {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.rootCtx, persistTimeout)
	defer cancel()

	if stats, err := s.cache.LoadStats(ctx); err == nil && stats != nil {
		s.bridge.UpdateStats(stats)
	}

	if raw, err := s.cache.RecentSignals(ctx); err == nil && len(raw) > 0 {
		entries := make([]api.DashboardSignal, 0, len(raw))
		for i := len(raw) - 1; i >= 0; i-- { // cache list is newest first
			var entry api.DashboardSignal
			if json.Unmarshal([]byte(raw[i]), &entry) == nil {
				entries = append(entries, entry)
			}
		}
		if len(entries) > 0 {
			s.bridge.RestoreSignals(entries)
			s.log.Info().Int("signals", len(entries)).Msg("Signal feed warmed from cache")
		}
	}

	if flows, err := s.cache.LoadOrderFlow(ctx); err == nil {
		for symbol, payload := range flows {
			var view api.FlowView
			if json.Unmarshal([]byte(payload), &view) == nil {
				s.bridge.RestoreOrderFlow(symbol, view)
			}
		}
	}
}

// warmMarketContext seeds the OI/funding rings, preferring the cache's
// latest mirror and falling back to stored poll history.
func (s *Supervisor) warmMarketContext() {
	var oi []coinglass.OISnapshot
	var funding []coinglass.FundingSnapshot

	if s.cache != nil {
		if rows, err := s.cache.LoadOISnapshots(s.rootCtx); err == nil {
			for _, raw := range rows {
				var snap coinglass.OISnapshot
				if json.Unmarshal([]byte(raw), &snap) == nil && snap.Symbol != "" {
					oi = append(oi, snap)
				}
			}
		}
		if rows, err := s.cache.LoadFundingSnapshots(s.rootCtx); err == nil {
			for _, raw := range rows {
				var snap coinglass.FundingSnapshot
				if json.Unmarshal([]byte(raw), &snap) == nil && snap.Symbol != "" {
					funding = append(funding, snap)
				}
			}
		}
	}

	if len(oi) == 0 && len(funding) == 0 && s.store != nil {
		ctx, cancel := context.WithTimeout(s.rootCtx, persistTimeout)
		defer cancel()
		for _, base := range s.watchedBases() {
			rows, err := s.store.OIHistory(ctx, base, marketWarmHours)
			if err != nil {
				s.log.Warn().Err(err).Str("symbol", base).Msg("OI history load failed")
			}
			for _, rec := range rows {
				oi = append(oi, coinglass.OISnapshot{
					Symbol:        rec.Symbol,
					CurrentOIUSD:  rec.CurrentOIUSD,
					PreviousOIUSD: rec.PreviousOIUSD,
					OIHighUSD:     rec.OIHighUSD,
					OILowUSD:      rec.OILowUSD,
					ChangePct:     rec.OIChangePct,
					RecordedAt:    int64(rec.RecordedAt * 1000),
				})
			}
			frows, err := s.store.FundingHistory(ctx, base, marketWarmHours)
			if err != nil {
				s.log.Warn().Err(err).Str("symbol", base).Msg("Funding history load failed")
			}
			for _, rec := range frows {
				funding = append(funding, coinglass.FundingSnapshot{
					Symbol:       rec.Symbol,
					CurrentRate:  rec.CurrentRate,
					PreviousRate: rec.PreviousRate,
					RateHigh:     rec.RateHigh,
					RateLow:      rec.RateLow,
					RecordedAt:   int64(rec.RecordedAt * 1000),
				})
			}
		}
	}

	s.marketCtx.WarmStart(oi, funding)
}

// flushState writes learner and watchlist state during shutdown.
func (s *Supervisor) flushState(ctx context.Context) {
	s.persistLearnerState(ctx)
	s.persistCoins(ctx)
}

func (s *Supervisor) persistLearnerState(ctx context.Context) {
	if s.store == nil {
		return
	}
	states := s.scorer.ExportState()
	recs := make([]database.ConfidenceStateRecord, 0, len(states))
	for _, st := range states {
		recs = append(recs, database.ConfidenceStateRecord{
			SignalType: st.SignalType,
			WinRate:    st.WinRate,
			History:    st.History,
		})
	}
	if err := s.store.SaveConfidenceState(ctx, recs); err != nil {
		s.log.Warn().Err(err).Msg("Learner state save failed")
	}
}

func (s *Supervisor) persistCoins(ctx context.Context) {
	if s.store == nil {
		return
	}
	coins := s.bridge.Coins()
	recs := make([]database.CoinRecord, 0, len(coins))
	for _, coin := range coins {
		recs = append(recs, database.CoinRecord{
			Symbol: coin.Symbol,
			Active: coin.Active,
		})
	}
	if err := s.store.ReplaceDashboardCoins(ctx, recs); err != nil {
		s.log.Warn().Err(err).Msg("Coin list save failed")
	}
}

// persistBaselines stores the newest hourly baseline per symbol.
func (s *Supervisor) persistBaselines(ctx context.Context) {
	if s.store == nil {
		return
	}
	var recs []database.BaselineRecord
	for _, symbol := range s.buffers.TrackedSymbols() {
		entries := s.buffers.HourlyBaselines(symbol)
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		recs = append(recs, database.BaselineRecord{
			Symbol:      symbol,
			LiqVolume:   last.LiqVolume,
			TradeVolume: last.TradeVolume,
			RecordedAt:  float64(last.Timestamp) / 1000.0,
		})
	}
	if len(recs) == 0 {
		return
	}
	if err := s.store.SaveBaselines(ctx, recs); err != nil {
		s.log.Warn().Err(err).Msg("Baseline save failed")
	}
}

// persistOutcome is the tracker's resolution hook: publish the outcome
// and update the signal row.
func (s *Supervisor) persistOutcome(tracked *signals.TrackedSignal) {
	s.bus.PublishSignalOutcome(tracked.Signal.Symbol, tracked.Signal.Type, tracked.Outcome, tracked.PnLPct)

	if s.store == nil {
		return
	}
	err := s.store.UpdateSignalOutcome(s.rootCtx, tracked.Signal.ID, tracked.Outcome, tracked.ExitPrice, tracked.PnLPct)
	if err != nil {
		s.log.Warn().Err(err).Str("signal_id", tracked.Signal.ID).Msg("Outcome persist failed")
	}
}

// signalRecord maps a freshly approved signal onto its storage row.
// Untracked signals (no stop-hunt zone) keep zero price levels.
func signalRecord(sig *signals.TradingSignal, tracked *signals.TrackedSignal) database.SignalRecord {
	metadata, err := json.Marshal(sig.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	rec := database.SignalRecord{
		ID:           sig.ID,
		Symbol:       sig.Symbol,
		SignalType:   sig.Type,
		Direction:    sig.Direction,
		Confidence:   sig.Confidence,
		MetadataJSON: string(metadata),
		CreatedAt:    float64(sig.CreatedAt.UnixMilli()) / 1000.0,
	}
	if tracked != nil {
		rec.EntryPrice = tracked.EntryPrice
		rec.StopLoss = tracked.StopLoss
		rec.TargetPrice = tracked.TargetPrice
	}
	return rec
}
