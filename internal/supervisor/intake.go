package supervisor

import (
	"errors"
	"sync/atomic"

	"teleglas-pro/internal/alerts"
	"teleglas-pro/internal/cache"
	"teleglas-pro/internal/coinglass"
	"teleglas-pro/internal/database"
	"teleglas-pro/internal/detectors"
	"teleglas-pro/internal/signals"
)

// handleLiquidations ingests a decoded liquidation batch from the
// firehose channel. Each valid event lands in the buffers; every touched
// symbol gets one analysis pass scheduled.
func (s *Supervisor) handleLiquidations(batch []coinglass.LiquidationEvent) {
	touched := make(map[string]bool, len(batch))
	for _, ev := range batch {
		if err := s.eventValidator.ValidateLiquidation(ev); err != nil {
			atomic.AddInt64(&s.eventsInvalid, 1)
			continue
		}
		s.buffers.AddLiquidation(ev.Symbol, ev)
		atomic.AddInt64(&s.eventsProcessed, 1)
		touched[ev.Symbol] = true
		s.noteDiscovery(ev.Symbol)
	}
	for symbol := range touched {
		s.scheduleAnalysis(symbol)
	}
}

// handleTrades ingests a decoded trade batch from a per-pair channel.
func (s *Supervisor) handleTrades(pair string, batch []coinglass.TradeEvent) {
	ingested := false
	for _, ev := range batch {
		if err := s.eventValidator.ValidateTrade(ev); err != nil {
			atomic.AddInt64(&s.eventsInvalid, 1)
			continue
		}
		s.buffers.AddTrade(pair, ev)
		atomic.AddInt64(&s.eventsProcessed, 1)
		ingested = true
	}
	if ingested {
		s.scheduleAnalysis(pair)
	}
}

// handleOI routes a fresh open-interest snapshot into the market
// context, the cache mirror and, when storage is up, the history table.
func (s *Supervisor) handleOI(snap coinglass.OISnapshot) {
	s.marketCtx.AddOISnapshot(snap)
	s.bus.PublishContext(snap.Symbol, map[string]interface{}{
		"feed":          "open_interest",
		"oi_change_pct": snap.ChangePct,
	})

	if s.cache != nil {
		if err := s.cache.SaveOISnapshot(s.rootCtx, snap.Symbol, snap); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			s.log.Debug().Err(err).Msg("OI cache write failed")
		}
	}
	if s.store == nil {
		return
	}
	rec := database.OISnapshot{
		Symbol:        snap.Symbol,
		CurrentOIUSD:  snap.CurrentOIUSD,
		PreviousOIUSD: snap.PreviousOIUSD,
		OIHighUSD:     snap.OIHighUSD,
		OILowUSD:      snap.OILowUSD,
		OIChangePct:   snap.ChangePct,
		RecordedAt:    float64(snap.RecordedAt) / 1000.0,
	}
	if err := s.store.InsertOISnapshot(s.rootCtx, rec); err != nil {
		s.log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("OI snapshot insert failed")
	}
}

// handleFunding routes a fresh funding-rate snapshot the same way.
func (s *Supervisor) handleFunding(snap coinglass.FundingSnapshot) {
	s.marketCtx.AddFundingSnapshot(snap)
	s.bus.PublishContext(snap.Symbol, map[string]interface{}{
		"feed":         "funding",
		"current_rate": snap.CurrentRate,
	})

	if s.cache != nil {
		if err := s.cache.SaveFundingSnapshot(s.rootCtx, snap.Symbol, snap); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			s.log.Debug().Err(err).Msg("Funding cache write failed")
		}
	}
	if s.store == nil {
		return
	}
	rec := database.FundingSnapshot{
		Symbol:       snap.Symbol,
		CurrentRate:  snap.CurrentRate,
		PreviousRate: snap.PreviousRate,
		RateHigh:     snap.RateHigh,
		RateLow:      snap.RateLow,
		RecordedAt:   float64(snap.RecordedAt) / 1000.0,
	}
	if err := s.store.InsertFundingSnapshot(s.rootCtx, rec); err != nil {
		s.log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Funding snapshot insert failed")
	}
}

// scheduleAnalysis runs symbol analysis on a worker slot. When every
// slot is busy the task is dropped; the next event batch for the symbol
// reschedules it.
func (s *Supervisor) scheduleAnalysis(symbol string) {
	select {
	case s.slots <- struct{}{}:
	default:
		atomic.AddInt64(&s.analysesDropped, 1)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		s.analyzeSymbol(symbol)
	}()
}

// analyzeSymbol runs the detection pipeline for one symbol. Runs are
// serialized per symbol and debounced; a panic in a detector is
// contained to this one pass.
func (s *Supervisor) analyzeSymbol(symbol string) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.analysisPanics, 1)
			s.log.Error().Interface("panic", r).Str("symbol", symbol).Msg("Analysis panicked")
		}
	}()

	st := s.symbolState(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.debounce > 0 && s.now().Sub(st.lastRun) < s.debounce {
		atomic.AddInt64(&s.analysesSkipped, 1)
		return
	}
	st.lastRun = s.now()
	atomic.AddInt64(&s.analysesRun, 1)

	hunt := s.engine.DetectStopHunt(symbol)
	flow := s.engine.AnalyzeOrderFlow(symbol)
	eventSigs := s.engine.DetectEvents(symbol)

	if flow != nil {
		s.publishOrderFlow(symbol, flow)
	}
	if hunt == nil && flow == nil && len(eventSigs) == 0 {
		return
	}

	baseline := s.buffers.GetBaseline(symbol)
	sig := s.generator.Generate(symbol, hunt, flow, eventSigs, &baseline)
	if sig == nil {
		return
	}

	sig.Confidence = s.scorer.Score(sig)

	verdict := s.sigValidator.Validate(sig)
	if !verdict.Approved {
		atomic.AddInt64(&s.signalsRejected, 1)
		s.log.Debug().Str("symbol", symbol).Str("reason", verdict.Reason).Msg("Signal rejected")
		return
	}

	if s.contextFilter != nil {
		result := s.contextFilter.Apply(baseSymbol(symbol), sig.Direction, sig.Confidence)
		if !result.Allowed {
			atomic.AddInt64(&s.signalsFiltered, 1)
			s.log.Debug().
				Str("symbol", symbol).
				Str("alignment", result.Assessment.Overall).
				Msg("Signal blocked by market context")
			return
		}
		sig.Confidence = result.Confidence
	}

	s.emitSignal(sig)
}

// emitSignal tracks an approved signal and fans it out: storage row,
// dashboard feed and cache always, Telegram only while the coin is
// active on the watchlist.
func (s *Supervisor) emitSignal(sig *signals.TradingSignal) {
	tracked := s.tracker.Track(sig)

	if s.store != nil {
		if err := s.store.InsertSignal(s.rootCtx, signalRecord(sig, tracked)); err != nil {
			s.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("Signal insert failed")
		}
	}

	entry := s.bridge.AddSignal(sig)
	if s.cache != nil {
		if err := s.cache.PushSignal(s.rootCtx, entry); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			s.log.Debug().Err(err).Msg("Signal cache push failed")
		}
	}
	s.bus.PublishSignal(sig.Symbol, sig.Type, sig.Direction, sig.Confidence, sig.Priority)
	atomic.AddInt64(&s.signalsEmitted, 1)

	if s.telegram == nil || !s.telegram.Enabled() || !s.bridge.IsActive(sig.Symbol) {
		return
	}
	alert := &alerts.Alert{
		Message:    s.formatter.Format(sig),
		Symbol:     sig.Symbol,
		Priority:   sig.Priority,
		MaxRetries: s.cfg.AlertConfig.MaxRetries,
	}
	if err := s.queue.Put(alert); err != nil {
		atomic.AddInt64(&s.alertsDropped, 1)
		s.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Alert enqueue failed")
	}
}

// publishOrderFlow pushes a computed flow snapshot to the dashboard,
// the cache and the event bus.
func (s *Supervisor) publishOrderFlow(symbol string, flow *detectors.OrderFlowSignal) {
	s.bridge.UpdateOrderFlow(symbol, flow)
	view, ok := s.bridge.OrderFlow(symbol)
	if !ok {
		return
	}

	if s.cache != nil {
		if err := s.cache.SaveOrderFlow(s.rootCtx, symbol, view); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			s.log.Debug().Err(err).Msg("Order-flow cache write failed")
		}
	}
	s.bus.PublishOrderFlow(symbol, map[string]interface{}{
		"buy_ratio":   view.BuyRatio,
		"sell_ratio":  view.SellRatio,
		"buy_volume":  view.BuyVolume,
		"sell_volume": view.SellVolume,
		"net_delta":   view.NetDelta,
		"large_buys":  view.LargeBuys,
		"large_sells": view.LargeSells,
	})
}

// noteDiscovery records a firehose liquidation for a symbol that has no
// trades subscription yet. The discovery loop promotes busy ones.
func (s *Supervisor) noteDiscovery(symbol string) {
	now := s.now()
	cutoff := now.Add(-discoveryWindow)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.tradeSubs[symbol] {
		return
	}
	fresh := s.discovered[symbol][:0]
	for _, t := range s.discovered[symbol] {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	s.discovered[symbol] = append(fresh, now)
}

// subscribeTrades opens (or queues, while disconnected) the per-pair
// trades channel and marks the symbol as covered.
func (s *Supervisor) subscribeTrades(pair string) {
	if err := s.stream.Subscribe(coinglass.TradeChannel(pair)); err != nil {
		s.log.Warn().Err(err).Str("symbol", pair).Msg("Trade subscription failed")
		return
	}
	s.subsMu.Lock()
	s.tradeSubs[pair] = true
	delete(s.discovered, pair)
	s.subsMu.Unlock()
}

func (s *Supervisor) unsubscribeTrades(pair string) {
	if err := s.stream.Unsubscribe(coinglass.TradeChannel(pair)); err != nil {
		s.log.Warn().Err(err).Str("symbol", pair).Msg("Trade unsubscribe failed")
	}
	s.subsMu.Lock()
	delete(s.tradeSubs, pair)
	s.subsMu.Unlock()
}
