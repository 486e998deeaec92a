package detectors

import (
	"teleglas-pro/internal/coinglass"
)

// AnalyzeOrderFlow classifies sustained buy or sell pressure over the
// order-flow window. A side has to dominate both by volume ratio and by
// large-order count before anything is emitted.
func (e *Engine) AnalyzeOrderFlow(symbol string) *OrderFlowSignal {
	trades := e.buffers.GetTrades(symbol, e.opts.OrderFlowWindow, 0)
	if len(trades) < 10 {
		return nil
	}

	var buyVol, sellVol float64
	var largeBuys, largeSells int
	for _, trade := range trades {
		switch trade.Side {
		case coinglass.SideBuy:
			buyVol += trade.VolumeUSD
			if trade.VolumeUSD >= e.opts.LargeOrderUSD {
				largeBuys++
			}
		case coinglass.SideSell:
			sellVol += trade.VolumeUSD
			if trade.VolumeUSD >= e.opts.LargeOrderUSD {
				largeSells++
			}
		}
	}

	total := buyVol + sellVol
	buyRatio := 0.0
	if total > 0 {
		buyRatio = buyVol / total
	}

	var flowType string
	var dominantLarge int
	switch {
	case buyRatio >= 0.65 && largeBuys >= 3:
		flowType = Accumulation
		dominantLarge = largeBuys
	case buyRatio <= 0.35 && largeSells >= 3:
		flowType = Distribution
		dominantLarge = largeSells
	default:
		return nil
	}

	confidence := 50.0
	switch {
	case buyRatio > 0.8 || buyRatio < 0.2:
		confidence += 20
	case buyRatio > 0.75 || buyRatio < 0.25:
		confidence += 15
	case buyRatio > 0.7 || buyRatio < 0.3:
		confidence += 10
	case buyRatio > 0.65 || buyRatio < 0.35:
		confidence += 5
	}
	switch {
	case dominantLarge >= 10:
		confidence += 20
	case dominantLarge >= 7:
		confidence += 15
	case dominantLarge >= 5:
		confidence += 10
	case dominantLarge >= 3:
		confidence += 5
	}
	if threshold := e.tiers.CascadeThreshold(symbol); threshold > 0 {
		switch ratio := total / threshold; {
		case ratio > 5:
			confidence += 15
		case ratio > 2.5:
			confidence += 10
		case ratio > 1:
			confidence += 5
		}
	}
	switch {
	case len(trades) > 100:
		confidence += 5
	case len(trades) > 50:
		confidence += 3
	}

	signal := &OrderFlowSignal{
		Symbol:        symbol,
		Timestamp:     e.now().UnixMilli(),
		Confidence:    capConfidence(confidence),
		Type:          flowType,
		WindowSeconds: int(e.opts.OrderFlowWindow.Seconds()),
		BuyVolume:     buyVol,
		SellVolume:    sellVol,
		BuyRatio:      buyRatio,
		LargeBuys:     largeBuys,
		LargeSells:    largeSells,
		NetDelta:      buyVol - sellVol,
		TotalTrades:   len(trades),
	}

	e.log.Debug().
		Str("symbol", symbol).
		Str("type", flowType).
		Float64("buy_ratio", buyRatio).
		Int("large_buys", largeBuys).
		Int("large_sells", largeSells).
		Float64("confidence", signal.Confidence).
		Msg("Order-flow imbalance detected")

	return signal
}
