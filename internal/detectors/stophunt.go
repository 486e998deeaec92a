package detectors

import (
	"teleglas-pro/internal/coinglass"
)

// DetectStopHunt looks for a liquidation cascade inside the stop-hunt
// window and measures how much of it was absorbed by opposing trades.
// Returns nil when the cascade volume stays under the symbol's tier
// threshold.
func (e *Engine) DetectStopHunt(symbol string) *StopHuntSignal {
	liqs := e.buffers.GetLiquidations(symbol, e.opts.StopHuntWindow, 0)
	if len(liqs) == 0 {
		return nil
	}

	var total, longLiqVol, shortLiqVol float64
	zoneLow, zoneHigh := 0.0, 0.0
	for _, liq := range liqs {
		total += liq.VolumeUSD
		switch liq.Side {
		case coinglass.SideLongLiquidated:
			longLiqVol += liq.VolumeUSD
		case coinglass.SideShortLiquidated:
			shortLiqVol += liq.VolumeUSD
		}
		if liq.Price > 0 {
			if zoneLow == 0 || liq.Price < zoneLow {
				zoneLow = liq.Price
			}
			if liq.Price > zoneHigh {
				zoneHigh = liq.Price
			}
		}
	}

	threshold := e.tiers.CascadeThreshold(symbol)
	if total < threshold {
		return nil
	}

	// Longs getting liquidated means price was driven down into their
	// stops, so the hunt targets the short side of the book next.
	direction := DirectionUnknown
	directionalPct := 0.5
	if total > 0 {
		if longLiqVol >= shortLiqVol {
			direction = ShortHunt
			directionalPct = longLiqVol / total
		} else {
			direction = LongHunt
			directionalPct = shortLiqVol / total
		}
	}

	absorptionSide := coinglass.SideBuy
	if direction == LongHunt {
		absorptionSide = coinglass.SideSell
	}
	var absorption float64
	for _, trade := range e.buffers.GetTrades(symbol, e.opts.AbsorptionWindow, 0) {
		if trade.Side != absorptionSide {
			continue
		}
		if trade.VolumeUSD < e.opts.AbsorptionMinOrderUSD {
			continue
		}
		absorption += trade.VolumeUSD
	}
	absorbed := absorption >= e.tiers.AbsorptionThreshold(symbol)

	confidence := 50.0
	ratio := 0.0
	if threshold > 0 {
		ratio = total / threshold
	}
	switch {
	case ratio > 5:
		confidence += 25
	case ratio > 2.5:
		confidence += 20
	case ratio > 1.5:
		confidence += 15
	default:
		confidence += 10
	}
	absorptionPct := 0.0
	if total > 0 {
		absorptionPct = absorption / total * 100
	}
	switch {
	case absorptionPct > 30:
		confidence += 25
	case absorptionPct > 20:
		confidence += 20
	case absorptionPct > 10:
		confidence += 15
	case absorptionPct > 5:
		confidence += 10
	}
	switch {
	case directionalPct > 0.9:
		confidence += 15
	case directionalPct > 0.8:
		confidence += 12
	case directionalPct > 0.7:
		confidence += 8
	}
	switch {
	case len(liqs) > 100:
		confidence += 5
	case len(liqs) > 50:
		confidence += 3
	}

	signal := &StopHuntSignal{
		Symbol:             symbol,
		Timestamp:          e.now().UnixMilli(),
		Confidence:         capConfidence(confidence),
		TotalVolume:        total,
		Count:              len(liqs),
		Direction:          direction,
		DirectionalPct:     directionalPct,
		ZoneLow:            zoneLow,
		ZoneHigh:           zoneHigh,
		AbsorptionVolume:   absorption,
		AbsorptionDetected: absorbed,
	}

	e.log.Debug().
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("total_volume", total).
		Float64("absorption", absorption).
		Float64("confidence", signal.Confidence).
		Msg("Stop-hunt cascade detected")

	return signal
}
