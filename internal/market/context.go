// Package market tracks slow-moving derivatives context per base symbol,
// open interest and funding snapshots, and filters signals against it.
package market

import (
	"sync"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/coinglass"
)

// snapshotCap is 6 hours of history at the 5 minute poll cadence.
const snapshotCap = 72

// Alignment labels shared by the context assessment and the filter.
const (
	AlignFavorable    = "FAVORABLE"
	AlignNeutral      = "NEUTRAL"
	AlignCaution      = "CAUTION"
	AlignUnfavorable  = "UNFAVORABLE"
	AlignSqueezeRisk  = "SQUEEZE_RISK"
	AlignConfirmation = "CONFIRMATION"
	AlignWeak         = "WEAK"
)

// Assessment thresholds. Funding rates are decimal fractions
// (0.0001 = 0.01%); OI changes are percentages.
const (
	fundingNeutralBand = 0.0001
	fundingCautionRate = 0.0005
	oiSqueezePct       = 5.0
	oiConfirmPct       = 2.0
	oiWeakPct          = -1.0
)

// Assessment is the derived market context for one (symbol, direction).
type Assessment struct {
	Symbol           string  `json:"symbol"`
	Direction        string  `json:"direction"`
	Overall          string  `json:"overall"`
	FundingAlignment string  `json:"funding_alignment"`
	OIAlignment      string  `json:"oi_alignment"`
	FundingRate      float64 `json:"funding_rate"`
	OIChangePct      float64 `json:"oi_change_pct"`
	HasData          bool    `json:"has_data"`
}

// Context buffers OI and funding snapshots per base symbol and assesses
// how the latest values align with a proposed trade direction.
type Context struct {
	mu sync.Mutex

	log     zerolog.Logger
	oi      map[string][]coinglass.OISnapshot
	funding map[string][]coinglass.FundingSnapshot
}

func NewContext(logger zerolog.Logger) *Context {
	return &Context{
		log:     logger.With().Str("component", "market_context").Logger(),
		oi:      make(map[string][]coinglass.OISnapshot),
		funding: make(map[string][]coinglass.FundingSnapshot),
	}
}

// AddOISnapshot appends an OI snapshot, evicting the oldest past capacity.
func (c *Context) AddOISnapshot(snap coinglass.OISnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.oi[snap.Symbol]
	if len(ring) >= snapshotCap {
		ring = ring[1:]
	}
	c.oi[snap.Symbol] = append(ring, snap)
}

// AddFundingSnapshot appends a funding snapshot.
func (c *Context) AddFundingSnapshot(snap coinglass.FundingSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.funding[snap.Symbol]
	if len(ring) >= snapshotCap {
		ring = ring[1:]
	}
	c.funding[snap.Symbol] = append(ring, snap)
}

// WarmStart seeds the rings from persisted snapshots, oldest first, so
// a restart does not open a context-blind window. Live poller updates
// layer on top.
func (c *Context) WarmStart(oi []coinglass.OISnapshot, funding []coinglass.FundingSnapshot) {
	for _, snap := range oi {
		c.AddOISnapshot(snap)
	}
	for _, snap := range funding {
		c.AddFundingSnapshot(snap)
	}
	if len(oi) > 0 || len(funding) > 0 {
		c.log.Info().
			Int("oi", len(oi)).
			Int("funding", len(funding)).
			Msg("Market context warmed from persisted snapshots")
	}
}

// LatestOI returns the most recent OI snapshot for a base symbol.
func (c *Context) LatestOI(symbol string) (coinglass.OISnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.oi[symbol]
	if len(ring) == 0 {
		return coinglass.OISnapshot{}, false
	}
	return ring[len(ring)-1], true
}

// LatestFunding returns the most recent funding snapshot for a base symbol.
func (c *Context) LatestFunding(symbol string) (coinglass.FundingSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.funding[symbol]
	if len(ring) == 0 {
		return coinglass.FundingSnapshot{}, false
	}
	return ring[len(ring)-1], true
}

// Assess derives funding and OI alignment for a direction ("LONG" or
// "SHORT"). HasData is false when neither feed has reported the symbol yet.
func (c *Context) Assess(symbol, direction string) Assessment {
	oiSnap, hasOI := c.LatestOI(symbol)
	fundingSnap, hasFunding := c.LatestFunding(symbol)

	a := Assessment{
		Symbol:           symbol,
		Direction:        direction,
		Overall:          AlignNeutral,
		FundingAlignment: AlignNeutral,
		OIAlignment:      AlignNeutral,
		HasData:          hasOI || hasFunding,
	}
	if !a.HasData {
		return a
	}

	if hasFunding {
		a.FundingRate = fundingSnap.CurrentRate
		a.FundingAlignment = fundingAlignment(fundingSnap.CurrentRate, direction)
	}
	if hasOI {
		a.OIChangePct = oiSnap.ChangePct
		a.OIAlignment = oiAlignment(oiSnap.ChangePct)
	}

	a.Overall = combineAlignment(a.FundingAlignment, a.OIAlignment)
	return a
}

// GetStats returns context buffer statistics.
func (c *Context) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	var oiTotal, fundingTotal int
	for _, ring := range c.oi {
		oiTotal += len(ring)
	}
	for _, ring := range c.funding {
		fundingTotal += len(ring)
	}
	return map[string]interface{}{
		"oi_symbols":        len(c.oi),
		"funding_symbols":   len(c.funding),
		"oi_snapshots":      oiTotal,
		"funding_snapshots": fundingTotal,
	}
}

// fundingAlignment reads the latest rate against the trade direction.
// Paying funding against the position is caution; negative funding on a
// long (shorts pay longs) is favorable.
func fundingAlignment(rate float64, direction string) string {
	if rate > -fundingNeutralBand && rate < fundingNeutralBand {
		return AlignNeutral
	}
	switch direction {
	case "LONG":
		if rate > fundingCautionRate {
			return AlignCaution
		}
		if rate > 0 {
			return AlignNeutral
		}
		return AlignFavorable
	case "SHORT":
		if rate < -fundingCautionRate {
			return AlignCaution
		}
		if rate < 0 {
			return AlignNeutral
		}
		return AlignFavorable
	default:
		return AlignNeutral
	}
}

// oiAlignment classifies the open-interest change. A sharp OI rise with a
// fresh signal risks a squeeze; a mild rise confirms participation.
func oiAlignment(changePct float64) string {
	switch {
	case changePct > oiSqueezePct:
		return AlignSqueezeRisk
	case changePct > oiConfirmPct:
		return AlignConfirmation
	case changePct < oiWeakPct:
		return AlignWeak
	default:
		return AlignNeutral
	}
}

func combineAlignment(funding, oi string) string {
	if funding == AlignCaution {
		return AlignUnfavorable
	}
	if oi == AlignSqueezeRisk {
		return AlignNeutral
	}
	if funding == AlignFavorable && (oi == AlignConfirmation || oi == AlignNeutral) {
		return AlignFavorable
	}
	return AlignNeutral
}
