package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"teleglas-pro/internal/cache"
	"teleglas-pro/internal/events"
)

// alertLoop drains the priority queue into the Telegram sink. Failed
// sends go back into the queue until the alert's retry budget runs out.
func (s *Supervisor) alertLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		default:
		}

		alert := s.queue.Get(alertPollTimeout)
		if alert == nil {
			continue
		}
		if err := s.telegram.Send(s.rootCtx, alert.Message); err != nil {
			s.log.Warn().
				Err(err).
				Str("symbol", alert.Symbol).
				Int("attempt", alert.RetryCount).
				Msg("Alert delivery failed")
			if !s.queue.Retry(alert) {
				atomic.AddInt64(&s.alertsDropped, 1)
			}
			continue
		}
		atomic.AddInt64(&s.alertsSent, 1)
	}
}

func (s *Supervisor) statsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

// publishStats snapshots every component and pushes the result to the
// dashboard, the cache and the event bus.
func (s *Supervisor) publishStats() {
	stats := s.collectStats()
	s.bridge.UpdateStats(stats)
	if s.cache != nil {
		if err := s.cache.SaveStats(s.rootCtx, stats); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			s.log.Debug().Err(err).Msg("Stats cache write failed")
		}
	}
	s.bus.PublishStats(stats)
}

// GetStats aggregates supervisor counters and per-component snapshots.
func (s *Supervisor) GetStats() map[string]interface{} {
	return s.collectStats()
}

func (s *Supervisor) collectStats() map[string]interface{} {
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()

	uptime := int64(0)
	if !start.IsZero() {
		uptime = int64(s.now().Sub(start).Seconds())
	}

	stats := map[string]interface{}{
		"uptime_seconds":   uptime,
		"events_processed": atomic.LoadInt64(&s.eventsProcessed),
		"events_invalid":   atomic.LoadInt64(&s.eventsInvalid),
		"analyses_run":     atomic.LoadInt64(&s.analysesRun),
		"analyses_skipped": atomic.LoadInt64(&s.analysesSkipped),
		"analyses_dropped": atomic.LoadInt64(&s.analysesDropped),
		"analysis_panics":  atomic.LoadInt64(&s.analysisPanics),
		"signals_emitted":  atomic.LoadInt64(&s.signalsEmitted),
		"signals_rejected": atomic.LoadInt64(&s.signalsRejected),
		"signals_filtered": atomic.LoadInt64(&s.signalsFiltered),
		"alerts_sent":      atomic.LoadInt64(&s.alertsSent),
		"alerts_dropped":   atomic.LoadInt64(&s.alertsDropped),
		"discovered_subs":  atomic.LoadInt64(&s.discoveredSubs),
		"stream":           s.stream.GetStats(),
		"poller":           s.poller.GetStats(),
		"buffers":          s.buffers.GetStats(),
		"market_context":   s.marketCtx.GetStats(),
		"generator":        s.generator.GetStats(),
		"scorer":           s.scorer.GetStats(),
		"validator":        s.sigValidator.GetStats(),
		"tracker":          s.tracker.GetStats(),
		"alert_queue":      s.queue.GetStats(),
	}
	if s.contextFilter != nil {
		stats["context_filter"] = s.contextFilter.GetStats()
	}
	if s.telegram != nil {
		stats["telegram"] = s.telegram.GetStats()
	}
	if s.store != nil {
		stats["storage"] = s.store.GetStats()
	}
	if s.cache != nil {
		stats["cache"] = s.cache.GetStats()
	}
	return stats
}

func (s *Supervisor) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup ages out buffered events, rolls the hourly baselines and
// persists baseline plus learner state.
func (s *Supervisor) runCleanup() {
	maxAge := time.Duration(s.cfg.BufferConfig.MaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	s.buffers.CleanupOldData(maxAge)
	s.buffers.UpdateHourlyBaseline()

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.rootCtx, persistTimeout)
	defer cancel()

	s.persistBaselines(ctx)
	s.persistLearnerState(ctx)

	removed, err := s.store.CleanupOldData(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Storage cleanup failed")
		return
	}
	if removed > 0 {
		s.log.Info().Int64("rows", removed).Msg("Storage cleanup done")
	}
}

func (s *Supervisor) trackerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(trackerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.tracker.CheckPending()
		}
	}
}

func (s *Supervisor) actionsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(actionsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.drainActions()
		}
	}
}

// drainActions applies pending watchlist subscription changes and keeps
// the poller and the persisted coin list in sync.
func (s *Supervisor) drainActions() {
	for _, action := range s.bridge.DrainActions() {
		switch action.Action {
		case "subscribe":
			s.subscribeTrades(action.Symbol)
		case "unsubscribe":
			s.unsubscribeTrades(action.Symbol)
		default:
			s.log.Warn().Str("action", action.Action).Str("symbol", action.Symbol).Msg("Unknown subscription action")
		}
	}
	s.syncCoins()
}

// syncCoins reacts to any watchlist change, including active toggles
// that queue no subscription action. Changes are mirrored to the poller
// symbol list, the persisted coin table and the event bus.
func (s *Supervisor) syncCoins() {
	cur := s.coinsSnapshot()

	s.coinsMu.Lock()
	prev := s.coinsPrev
	s.coinsPrev = cur
	s.coinsMu.Unlock()

	changed := false
	for symbol, active := range cur {
		was, known := prev[symbol]
		switch {
		case !known:
			changed = true
			s.bus.PublishCoinChange(events.EventCoinAdded, symbol, active)
		case was != active:
			changed = true
			s.bus.PublishCoinChange(events.EventCoinToggled, symbol, active)
		}
	}
	for symbol, active := range prev {
		if _, known := cur[symbol]; !known {
			changed = true
			s.bus.PublishCoinChange(events.EventCoinRemoved, symbol, active)
		}
	}
	if !changed {
		return
	}

	s.poller.UpdateSymbols(s.watchedBases())
	if s.store != nil {
		ctx, cancel := context.WithTimeout(s.rootCtx, persistTimeout)
		s.persistCoins(ctx)
		cancel()
	}
}

func (s *Supervisor) coinsSnapshot() map[string]bool {
	coins := s.bridge.Coins()
	snap := make(map[string]bool, len(coins))
	for _, coin := range coins {
		snap[coin.Symbol] = coin.Active
	}
	return snap
}

func (s *Supervisor) discoveryLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.promoteDiscovered()
		}
	}
}

// promoteDiscovered subscribes to trades for unwatched symbols that kept
// hitting the liquidation firehose during the window.
func (s *Supervisor) promoteDiscovered() {
	cutoff := s.now().Add(-discoveryWindow)

	s.subsMu.Lock()
	var promote []string
	for symbol, times := range s.discovered {
		fresh := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(s.discovered, symbol)
			continue
		}
		s.discovered[symbol] = fresh
		if len(fresh) >= discoveryMinLiqs {
			promote = append(promote, symbol)
		}
	}
	s.subsMu.Unlock()

	for _, symbol := range promote {
		s.subscribeTrades(symbol)
		atomic.AddInt64(&s.discoveredSubs, 1)
		s.log.Info().Str("symbol", symbol).Msg("Subscribing to trades for liquidation-heavy symbol")
	}
}
