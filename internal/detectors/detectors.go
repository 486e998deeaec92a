// Package detectors holds the pure per-symbol analyzers: stop-hunt
// cascades, order-flow imbalance and discrete market events. Every
// detector reads the buffers, never mutates them, and returns nil (or an
// empty list) when nothing qualifies.
package detectors

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/buffer"
)

// Signal direction and type labels.
const (
	ShortHunt        = "SHORT_HUNT"
	LongHunt         = "LONG_HUNT"
	DirectionUnknown = "UNKNOWN"

	Accumulation = "ACCUMULATION"
	Distribution = "DISTRIBUTION"

	EventLiquidationCascade = "LIQUIDATION_CASCADE"
	EventWhaleAccumulation  = "WHALE_ACCUMULATION"
	EventWhaleDistribution  = "WHALE_DISTRIBUTION"
	EventVolumeSpike        = "VOLUME_SPIKE"
)

const maxConfidence = 99

// StopHuntSignal reports a liquidation cascade and any absorption of it.
type StopHuntSignal struct {
	Symbol             string  `json:"symbol"`
	Timestamp          int64   `json:"timestamp"`
	Confidence         float64 `json:"confidence"`
	TotalVolume        float64 `json:"total_volume"`
	Count              int     `json:"count"`
	Direction          string  `json:"direction"`
	DirectionalPct     float64 `json:"directional_pct"`
	ZoneLow            float64 `json:"zone_low"`
	ZoneHigh           float64 `json:"zone_high"`
	AbsorptionVolume   float64 `json:"absorption_volume"`
	AbsorptionDetected bool    `json:"absorption_detected"`
}

// OrderFlowSignal reports sustained directional aggression in trades.
type OrderFlowSignal struct {
	Symbol        string  `json:"symbol"`
	Timestamp     int64   `json:"timestamp"`
	Confidence    float64 `json:"confidence"`
	Type          string  `json:"type"`
	WindowSeconds int     `json:"window_seconds"`
	BuyVolume     float64 `json:"buy_volume"`
	SellVolume    float64 `json:"sell_volume"`
	BuyRatio      float64 `json:"buy_ratio"`
	LargeBuys     int     `json:"large_buys"`
	LargeSells    int     `json:"large_sells"`
	NetDelta      float64 `json:"net_delta"`
	TotalTrades   int     `json:"total_trades"`
}

// EventSignal is a discrete market event with a human description.
type EventSignal struct {
	Symbol      string             `json:"symbol"`
	Timestamp   int64              `json:"timestamp"`
	Confidence  float64            `json:"confidence"`
	Type        string             `json:"type"`
	Description string             `json:"description"`
	Data        map[string]float64 `json:"data"`
}

// Options carries the detection windows and base thresholds.
type Options struct {
	StopHuntWindow        time.Duration
	AbsorptionWindow      time.Duration
	OrderFlowWindow       time.Duration
	WhaleWindow           time.Duration
	LargeOrderUSD         float64
	AbsorptionMinOrderUSD float64
	VolumeSpikeMultiplier float64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.StopHuntWindow == 0 {
		opts.StopHuntWindow = 30 * time.Second
	}
	if opts.AbsorptionWindow == 0 {
		opts.AbsorptionWindow = 30 * time.Second
	}
	if opts.OrderFlowWindow == 0 {
		opts.OrderFlowWindow = 300 * time.Second
	}
	if opts.WhaleWindow == 0 {
		opts.WhaleWindow = 300 * time.Second
	}
	if opts.LargeOrderUSD == 0 {
		opts.LargeOrderUSD = 10_000
	}
	if opts.AbsorptionMinOrderUSD == 0 {
		opts.AbsorptionMinOrderUSD = 5_000
	}
	if opts.VolumeSpikeMultiplier == 0 {
		opts.VolumeSpikeMultiplier = 3.0
	}
	return opts
}

// Engine runs the detectors against the shared buffers.
type Engine struct {
	buffers *buffer.Manager
	tiers   Tiers
	opts    Options
	log     zerolog.Logger

	now func() time.Time
}

func NewEngine(buffers *buffer.Manager, tiers Tiers, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		buffers: buffers,
		tiers:   tiers,
		opts:    opts.withDefaults(),
		log:     logger.With().Str("component", "detectors").Logger(),
		now:     time.Now,
	}
}

// FormatUSD renders a quote-currency amount compactly: $1.2B, $3.5M,
// $240.0K, $950.
func FormatUSD(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%s$%.1fB", sign, v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%s$%.1fM", sign, v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%s$%.1fK", sign, v/1e3)
	default:
		return fmt.Sprintf("%s$%.0f", sign, v)
	}
}

func capConfidence(c float64) float64 {
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}
