// Package buffer holds the per-symbol in-memory event rings and hourly
// volume baselines that feed the detectors.
package buffer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/coinglass"
)

const (
	hourlyEntriesCap = 24
	hourlyMaxAge     = 72 * time.Hour
	baselineWindow   = 30 * time.Minute
	overflowLogEvery = 100
)

// HourlyBaseline is one summarized hour of volume for a symbol.
type HourlyBaseline struct {
	Timestamp   int64   `json:"timestamp"` // hour-end, ms
	LiqVolume   float64 `json:"liq_volume"`
	TradeVolume float64 `json:"trade_volume"`
}

// Baseline compares current activity for a symbol against its stored
// hourly averages. Attached to outgoing signals as context only.
type Baseline struct {
	AvgHourlyLiqVolume   float64 `json:"avg_hourly_liq_volume"`
	AvgHourlyTradeVolume float64 `json:"avg_hourly_trade_volume"`
	CurrentLiqVolume     float64 `json:"current_liq_volume"` // 30 min sum scaled to hourly
	CurrentTradeVolume   float64 `json:"current_trade_volume"`
	LiqMultiplier        float64 `json:"liq_multiplier"`
	TradeMultiplier      float64 `json:"trade_multiplier"`
	Hours                int     `json:"hours"`
}

type symbolBuffer struct {
	liquidations []coinglass.LiquidationEvent
	trades       []coinglass.TradeEvent
	liqOverflow  int64
	trdOverflow  int64
	hourly       []HourlyBaseline
}

// Manager owns the per-symbol rings. All access is serialized by one
// mutex; readers receive copies.
type Manager struct {
	mu sync.Mutex

	log             zerolog.Logger
	maxLiquidations int
	maxTrades       int
	buffers         map[string]*symbolBuffer

	now func() time.Time
}

// NewManager creates a buffer manager with the given ring capacities.
func NewManager(maxLiquidations, maxTrades int, logger zerolog.Logger) *Manager {
	if maxLiquidations <= 0 {
		maxLiquidations = 1000
	}
	if maxTrades <= 0 {
		maxTrades = 500
	}
	return &Manager{
		log:             logger.With().Str("component", "buffers").Logger(),
		maxLiquidations: maxLiquidations,
		maxTrades:       maxTrades,
		buffers:         make(map[string]*symbolBuffer),
		now:             time.Now,
	}
}

func (m *Manager) buffer(symbol string) *symbolBuffer {
	b, ok := m.buffers[symbol]
	if !ok {
		b = &symbolBuffer{}
		m.buffers[symbol] = b
	}
	return b
}

// AddLiquidation appends a liquidation to the symbol's ring, evicting the
// oldest entry when full. A missing timestamp is stamped with arrival time.
func (m *Manager) AddLiquidation(symbol string, ev coinglass.LiquidationEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = m.nowMillis()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buffer(symbol)
	if len(b.liquidations) >= m.maxLiquidations {
		b.liquidations = b.liquidations[1:]
		b.liqOverflow++
		if b.liqOverflow%overflowLogEvery == 0 {
			m.log.Warn().Str("symbol", symbol).Int64("dropped", b.liqOverflow).
				Msg("liquidation ring overflow")
		}
	}
	b.liquidations = append(b.liquidations, ev)
}

// AddTrade appends a trade to the symbol's ring.
func (m *Manager) AddTrade(symbol string, ev coinglass.TradeEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = m.nowMillis()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buffer(symbol)
	if len(b.trades) >= m.maxTrades {
		b.trades = b.trades[1:]
		b.trdOverflow++
		if b.trdOverflow%overflowLogEvery == 0 {
			m.log.Warn().Str("symbol", symbol).Int64("dropped", b.trdOverflow).
				Msg("trade ring overflow")
		}
	}
	b.trades = append(b.trades, ev)
}

// GetLiquidations returns a copy of the liquidations within the window,
// newest last. maxCount > 0 keeps only the most recent entries.
func (m *Manager) GetLiquidations(symbol string, window time.Duration, maxCount int) []coinglass.LiquidationEvent {
	cutoff := m.nowMillis() - window.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[symbol]
	if !ok {
		return nil
	}
	out := make([]coinglass.LiquidationEvent, 0, len(b.liquidations))
	for _, ev := range b.liquidations {
		if ev.Timestamp >= cutoff {
			out = append(out, ev)
		}
	}
	if maxCount > 0 && len(out) > maxCount {
		out = out[len(out)-maxCount:]
	}
	return out
}

// GetTrades returns a copy of the trades within the window, newest last.
func (m *Manager) GetTrades(symbol string, window time.Duration, maxCount int) []coinglass.TradeEvent {
	cutoff := m.nowMillis() - window.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[symbol]
	if !ok {
		return nil
	}
	out := make([]coinglass.TradeEvent, 0, len(b.trades))
	for _, ev := range b.trades {
		if ev.Timestamp >= cutoff {
			out = append(out, ev)
		}
	}
	if maxCount > 0 && len(out) > maxCount {
		out = out[len(out)-maxCount:]
	}
	return out
}

// TrackedSymbols returns every symbol that has a buffer.
func (m *Manager) TrackedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.buffers))
	for symbol := range m.buffers {
		out = append(out, symbol)
	}
	return out
}

// UpdateHourlyBaseline summarizes the trailing hour of volume for every
// tracked symbol into its hourly ring.
func (m *Manager) UpdateHourlyBaseline() {
	now := m.nowMillis()
	cutoff := now - time.Hour.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, b := range m.buffers {
		var liqVol, tradeVol float64
		for _, ev := range b.liquidations {
			if ev.Timestamp >= cutoff {
				liqVol += ev.VolumeUSD
			}
		}
		for _, ev := range b.trades {
			if ev.Timestamp >= cutoff {
				tradeVol += ev.VolumeUSD
			}
		}

		if len(b.hourly) >= hourlyEntriesCap {
			b.hourly = b.hourly[1:]
		}
		b.hourly = append(b.hourly, HourlyBaseline{
			Timestamp:   now,
			LiqVolume:   liqVol,
			TradeVolume: tradeVol,
		})
		m.log.Debug().Str("symbol", symbol).Float64("liq_volume", liqVol).
			Float64("trade_volume", tradeVol).Msg("hourly baseline updated")
	}
}

// GetBaseline compares the current 30-minute activity, scaled to an hourly
// rate, against the stored hourly averages.
func (m *Manager) GetBaseline(symbol string) Baseline {
	now := m.nowMillis()
	cutoff := now - baselineWindow.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[symbol]
	if !ok {
		return Baseline{}
	}

	var base Baseline
	base.Hours = len(b.hourly)
	for _, h := range b.hourly {
		base.AvgHourlyLiqVolume += h.LiqVolume
		base.AvgHourlyTradeVolume += h.TradeVolume
	}
	if base.Hours > 0 {
		base.AvgHourlyLiqVolume /= float64(base.Hours)
		base.AvgHourlyTradeVolume /= float64(base.Hours)
	}

	for _, ev := range b.liquidations {
		if ev.Timestamp >= cutoff {
			base.CurrentLiqVolume += ev.VolumeUSD
		}
	}
	for _, ev := range b.trades {
		if ev.Timestamp >= cutoff {
			base.CurrentTradeVolume += ev.VolumeUSD
		}
	}
	base.CurrentLiqVolume *= 2
	base.CurrentTradeVolume *= 2

	base.LiqMultiplier = safeDivide(base.CurrentLiqVolume, base.AvgHourlyLiqVolume)
	base.TradeMultiplier = safeDivide(base.CurrentTradeVolume, base.AvgHourlyTradeVolume)
	return base
}

// HourlyBaselines returns a copy of the hourly ring for persistence.
func (m *Manager) HourlyBaselines(symbol string) []HourlyBaseline {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[symbol]
	if !ok {
		return nil
	}
	out := make([]HourlyBaseline, len(b.hourly))
	copy(out, b.hourly)
	return out
}

// RestoreHourlyBaselines seeds a symbol's hourly ring, oldest first. Used
// at boot to carry baselines across restarts.
func (m *Manager) RestoreHourlyBaselines(symbol string, entries []HourlyBaseline) {
	if len(entries) > hourlyEntriesCap {
		entries = entries[len(entries)-hourlyEntriesCap:]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buffer(symbol)
	b.hourly = make([]HourlyBaseline, len(entries))
	copy(b.hourly, entries)
}

// CleanupOldData rebuilds every ring keeping only entries younger than
// maxAge. Hourly entries beyond their own retention are pruned too.
// Calling it twice back to back is a no-op the second time.
func (m *Manager) CleanupOldData(maxAge time.Duration) {
	now := m.nowMillis()
	cutoff := now - maxAge.Milliseconds()
	hourlyCutoff := now - hourlyMaxAge.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped int
	for _, b := range m.buffers {
		liqs := make([]coinglass.LiquidationEvent, 0, len(b.liquidations))
		for _, ev := range b.liquidations {
			if ev.Timestamp >= cutoff {
				liqs = append(liqs, ev)
			}
		}
		dropped += len(b.liquidations) - len(liqs)
		b.liquidations = liqs

		trades := make([]coinglass.TradeEvent, 0, len(b.trades))
		for _, ev := range b.trades {
			if ev.Timestamp >= cutoff {
				trades = append(trades, ev)
			}
		}
		dropped += len(b.trades) - len(trades)
		b.trades = trades

		hourly := make([]HourlyBaseline, 0, len(b.hourly))
		for _, h := range b.hourly {
			if h.Timestamp >= hourlyCutoff {
				hourly = append(hourly, h)
			}
		}
		b.hourly = hourly
	}
	if dropped > 0 {
		m.log.Info().Int("dropped", dropped).Msg("old events cleaned up")
	}
}

// GetStats returns aggregate buffer statistics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var liqs, trades int
	var overflow int64
	for _, b := range m.buffers {
		liqs += len(b.liquidations)
		trades += len(b.trades)
		overflow += b.liqOverflow + b.trdOverflow
	}
	return map[string]interface{}{
		"symbols":        len(m.buffers),
		"liquidations":   liqs,
		"trades":         trades,
		"overflow_total": overflow,
	}
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}

func safeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
