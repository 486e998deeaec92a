package detectors

import (
	"fmt"
	"time"

	"teleglas-pro/internal/coinglass"
)

const spikeWindow = 60 * time.Second

// DetectEvents runs the discrete event detectors (liquidation cascade,
// whale window, volume spike) and returns whatever fired.
func (e *Engine) DetectEvents(symbol string) []EventSignal {
	var events []EventSignal
	if ev := e.detectCascadeEvent(symbol); ev != nil {
		events = append(events, *ev)
	}
	if ev := e.detectWhaleWindow(symbol); ev != nil {
		events = append(events, *ev)
	}
	if ev := e.detectVolumeSpike(symbol); ev != nil {
		events = append(events, *ev)
	}
	return events
}

func (e *Engine) detectCascadeEvent(symbol string) *EventSignal {
	liqs := e.buffers.GetLiquidations(symbol, e.opts.StopHuntWindow, 0)
	if len(liqs) == 0 {
		return nil
	}
	var total float64
	for _, liq := range liqs {
		total += liq.VolumeUSD
	}
	threshold := e.tiers.CascadeThreshold(symbol)
	if total < threshold {
		return nil
	}

	ratio := 0.0
	if threshold > 0 {
		ratio = total / threshold
	}
	confidence := 65.0
	switch {
	case ratio > 5:
		confidence = 95
	case ratio > 2.5:
		confidence = 85
	case ratio > 1.5:
		confidence = 75
	}

	return &EventSignal{
		Symbol:     symbol,
		Timestamp:  e.now().UnixMilli(),
		Confidence: confidence,
		Type:       EventLiquidationCascade,
		Description: fmt.Sprintf("Liquidation cascade: %s across %d orders in %ds",
			FormatUSD(total), len(liqs), int(e.opts.StopHuntWindow.Seconds())),
		Data: map[string]float64{
			"total_volume": total,
			"count":        float64(len(liqs)),
			"ratio":        ratio,
		},
	}
}

func (e *Engine) detectWhaleWindow(symbol string) *EventSignal {
	trades := e.buffers.GetTrades(symbol, e.opts.WhaleWindow, 0)
	if len(trades) < 20 {
		return nil
	}

	threshold := e.opts.LargeOrderUSD * e.tiers.LargeOrderScale(symbol)
	var largeBuyVol, largeSellVol float64
	var largeCount int
	for _, trade := range trades {
		if trade.VolumeUSD < threshold {
			continue
		}
		largeCount++
		switch trade.Side {
		case coinglass.SideBuy:
			largeBuyVol += trade.VolumeUSD
		case coinglass.SideSell:
			largeSellVol += trade.VolumeUSD
		}
	}
	if largeCount < 5 {
		return nil
	}

	largeTotal := largeBuyVol + largeSellVol
	buyRatio := 0.0
	if largeTotal > 0 {
		buyRatio = largeBuyVol / largeTotal
	}

	var eventType string
	var dominant float64
	switch {
	case buyRatio >= 0.6:
		eventType = EventWhaleAccumulation
		dominant = buyRatio
	case buyRatio <= 0.4:
		eventType = EventWhaleDistribution
		dominant = 1 - buyRatio
	default:
		return nil
	}

	return &EventSignal{
		Symbol:     symbol,
		Timestamp:  e.now().UnixMilli(),
		Confidence: capConfidence(50 + dominant*40),
		Type:       eventType,
		Description: fmt.Sprintf("Whale activity: %d orders >= %s, buy ratio %.0f%%",
			largeCount, FormatUSD(threshold), buyRatio*100),
		Data: map[string]float64{
			"large_orders": float64(largeCount),
			"buy_ratio":    buyRatio,
			"threshold":    threshold,
		},
	}
}

func (e *Engine) detectVolumeSpike(symbol string) *EventSignal {
	trades := e.buffers.GetTrades(symbol, e.opts.OrderFlowWindow, 0)
	if len(trades) == 0 {
		return nil
	}

	// Baseline excludes the spike window itself so a burst cannot
	// dilute its own reference average.
	cutoff := e.now().UnixMilli() - spikeWindow.Milliseconds()
	var current, baseline float64
	oldest := int64(0)
	for _, trade := range trades {
		if trade.Timestamp >= cutoff {
			current += trade.VolumeUSD
			continue
		}
		baseline += trade.VolumeUSD
		if oldest == 0 || trade.Timestamp < oldest {
			oldest = trade.Timestamp
		}
	}
	if baseline <= 0 {
		return nil
	}

	minutes := float64(cutoff-oldest) / 60_000
	if minutes < 1 {
		minutes = 1
	}
	avgPerMinute := baseline / minutes
	ratio := current / avgPerMinute
	if ratio < e.opts.VolumeSpikeMultiplier {
		return nil
	}

	confidence := 50 + ratio*10
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	return &EventSignal{
		Symbol:     symbol,
		Timestamp:  e.now().UnixMilli(),
		Confidence: confidence,
		Type:       EventVolumeSpike,
		Description: fmt.Sprintf("Volume spike: %s in 60s vs %s/min baseline (%.1fx)",
			FormatUSD(current), FormatUSD(avgPerMinute), ratio),
		Data: map[string]float64{
			"current_volume":   current,
			"baseline_per_min": avgPerMinute,
			"ratio":            ratio,
		},
	}
}
