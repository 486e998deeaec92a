package signals

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teleglas-pro/internal/buffer"
	"teleglas-pro/internal/detectors"
)

// Fusion weights per detector family.
const (
	weightStopHunt  = 0.50
	weightOrderFlow = 0.35
	weightEvents    = 0.15

	alignmentBonus = 10
	maxConfidence  = 99
)

// Generator fuses per-symbol detector outputs into at most one trading
// signal per analysis pass.
type Generator struct {
	minConfidence float64
	log           zerolog.Logger

	generated  int64
	suppressed int64

	now func() time.Time
}

func NewGenerator(minConfidence float64, logger zerolog.Logger) *Generator {
	if minConfidence <= 0 {
		minConfidence = 65
	}
	return &Generator{
		minConfidence: minConfidence,
		log:           logger.With().Str("component", "generator").Logger(),
		now:           time.Now,
	}
}

// Generate fuses the detector outputs for one symbol. Returns nil when no
// detector fired or the fused confidence stays under the minimum.
func (g *Generator) Generate(symbol string, hunt *detectors.StopHuntSignal, flow *detectors.OrderFlowSignal, events []detectors.EventSignal, baseline *buffer.Baseline) *TradingSignal {
	if hunt == nil && flow == nil && len(events) == 0 {
		return nil
	}

	var weightedSum, weightTotal float64
	var sources []string
	if hunt != nil {
		weightedSum += hunt.Confidence * weightStopHunt
		weightTotal += weightStopHunt
		sources = append(sources, "stop_hunt")
	}
	if flow != nil {
		weightedSum += flow.Confidence * weightOrderFlow
		weightTotal += weightOrderFlow
		sources = append(sources, "order_flow")
	}
	if len(events) > 0 {
		var sum float64
		for _, ev := range events {
			sum += ev.Confidence
		}
		weightedSum += sum / float64(len(events)) * weightEvents
		weightTotal += weightEvents
		sources = append(sources, "events")
	}
	confidence := weightedSum / weightTotal

	// A long-liquidation sweep met by aggressive buying is the same
	// story told twice; reward the agreement.
	if hunt != nil && flow != nil {
		aligned := (hunt.Direction == detectors.ShortHunt && flow.Type == detectors.Accumulation) ||
			(hunt.Direction == detectors.LongHunt && flow.Type == detectors.Distribution)
		if aligned {
			confidence += alignmentBonus
		}
	}
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	signalType, direction := classify(hunt, flow)

	if confidence < g.minConfidence {
		atomic.AddInt64(&g.suppressed, 1)
		g.log.Debug().
			Str("symbol", symbol).
			Str("type", signalType).
			Float64("confidence", confidence).
			Msg("Fused signal under minimum confidence")
		return nil
	}

	present := len(sources)
	priority := 3
	switch {
	case present == 3 || (present >= 2 && confidence >= 80):
		priority = 1
	case (hunt != nil || flow != nil) && confidence >= 70:
		priority = 2
	}

	signal := &TradingSignal{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Type:       signalType,
		Direction:  direction,
		Confidence: confidence,
		Sources:    sources,
		Priority:   priority,
		CreatedAt:  g.now(),
		Metadata: Metadata{
			StopHunt:  hunt,
			OrderFlow: flow,
			Events:    events,
			Baseline:  baseline,
		},
	}
	atomic.AddInt64(&g.generated, 1)

	g.log.Info().
		Str("symbol", symbol).
		Str("type", signalType).
		Str("direction", direction).
		Float64("confidence", confidence).
		Int("priority", priority).
		Msg("Trading signal generated")

	return signal
}

// classify picks the fused type and direction. The stop-hunt read wins:
// liquidated longs clear the way for a long entry, so SHORT_HUNT maps to
// LONG and LONG_HUNT to SHORT.
func classify(hunt *detectors.StopHuntSignal, flow *detectors.OrderFlowSignal) (string, string) {
	if hunt != nil {
		switch hunt.Direction {
		case detectors.ShortHunt:
			return TypeStopHunt, DirectionLong
		case detectors.LongHunt:
			return TypeStopHunt, DirectionShort
		}
	}
	if flow != nil {
		if flow.Type == detectors.Accumulation {
			return TypeAccumulation, DirectionLong
		}
		return TypeDistribution, DirectionShort
	}
	return TypeEvent, DirectionNeutral
}

func (g *Generator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"generated":      atomic.LoadInt64(&g.generated),
		"suppressed":     atomic.LoadInt64(&g.suppressed),
		"min_confidence": g.minConfidence,
	}
}
