// Package signals fuses detector output into trading signals and owns
// the downstream signal lifecycle: confidence scoring against learned
// win rates, validation (dedup, cooldown, rate limit) and outcome
// tracking.
package signals

import (
	"fmt"
	"time"

	"teleglas-pro/internal/buffer"
	"teleglas-pro/internal/detectors"
)

// Trading directions.
const (
	DirectionLong    = "LONG"
	DirectionShort   = "SHORT"
	DirectionNeutral = "NEUTRAL"
)

// Fused signal types.
const (
	TypeStopHunt     = "STOP_HUNT"
	TypeAccumulation = "ACCUMULATION"
	TypeDistribution = "DISTRIBUTION"
	TypeEvent        = "EVENT"
)

// Tracked outcomes.
const (
	OutcomeWin     = "WIN"
	OutcomeLoss    = "LOSS"
	OutcomeNeutral = "NEUTRAL"
)

// Metadata carries the detector outputs that contributed to a fused
// signal, plus the baseline context at generation time.
type Metadata struct {
	StopHunt  *detectors.StopHuntSignal  `json:"stop_hunt,omitempty"`
	OrderFlow *detectors.OrderFlowSignal `json:"order_flow,omitempty"`
	Events    []detectors.EventSignal    `json:"events,omitempty"`
	Baseline  *buffer.Baseline           `json:"baseline,omitempty"`
}

// TradingSignal is the fused, prioritized signal the pipeline emits.
type TradingSignal struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Type       string    `json:"type"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	Metadata   Metadata  `json:"metadata"`
}

// Key returns the cooldown key: one slot per (symbol, type, direction).
func (s *TradingSignal) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Symbol, s.Type, s.Direction)
}
