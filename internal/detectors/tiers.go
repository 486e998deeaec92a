package detectors

// Symbol tiers scale detection thresholds: majors need a far larger
// cascade to matter than a thin tier-3 alt.
const (
	Tier1 = 1
	Tier2 = 2
	Tier3 = 3
)

// Large-order threshold scaling per tier, used by the whale detector.
const (
	tier1LargeScale = 1.0
	tier2LargeScale = 0.5
	tier3LargeScale = 0.2
)

// Tiers classifies symbols and carries per-tier thresholds in quote
// currency. Symbols absent from both explicit sets are tier 3.
type Tiers struct {
	tier1 map[string]bool
	tier2 map[string]bool

	cascade    [4]float64
	absorption [4]float64
}

// NewTiers builds the tier table from explicit symbol sets and per-tier
// thresholds, indexed tier 1 to 3.
func NewTiers(tier1, tier2 []string, cascade, absorption [3]float64) Tiers {
	t := Tiers{
		tier1: make(map[string]bool, len(tier1)),
		tier2: make(map[string]bool, len(tier2)),
	}
	for _, s := range tier1 {
		t.tier1[s] = true
	}
	for _, s := range tier2 {
		t.tier2[s] = true
	}
	for i := 0; i < 3; i++ {
		t.cascade[i+1] = cascade[i]
		t.absorption[i+1] = absorption[i]
	}
	return t
}

// TierOf returns the tier of a pair symbol.
func (t Tiers) TierOf(symbol string) int {
	if t.tier1[symbol] {
		return Tier1
	}
	if t.tier2[symbol] {
		return Tier2
	}
	return Tier3
}

// CascadeThreshold returns the liquidation-volume threshold for a symbol.
func (t Tiers) CascadeThreshold(symbol string) float64 {
	return t.cascade[t.TierOf(symbol)]
}

// AbsorptionThreshold returns the opposing-volume threshold for a symbol.
func (t Tiers) AbsorptionThreshold(symbol string) float64 {
	return t.absorption[t.TierOf(symbol)]
}

// LargeOrderScale returns the tier scaling applied to the whale detector's
// large-order threshold.
func (t Tiers) LargeOrderScale(symbol string) float64 {
	switch t.TierOf(symbol) {
	case Tier1:
		return tier1LargeScale
	case Tier2:
		return tier2LargeScale
	default:
		return tier3LargeScale
	}
}
