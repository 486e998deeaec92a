package market

import (
	"sync"

	"github.com/rs/zerolog"
)

// Filter modes.
const (
	ModeStrict     = "strict"
	ModeNormal     = "normal"
	ModePermissive = "permissive"
)

// FilterResult is the outcome of running one signal through the context
// filter.
type FilterResult struct {
	Allowed    bool       `json:"allowed"`
	Confidence float64    `json:"confidence"`
	Adjustment float64    `json:"adjustment"`
	Assessment Assessment `json:"assessment"`
}

// Filter gates signals on market context. Strict mode passes only
// favorable context, normal blocks unfavorable, permissive never blocks.
// Symbols with no context yet always pass untouched.
type Filter struct {
	mu sync.Mutex

	log    zerolog.Logger
	ctx    *Context
	mode   string
	adjust bool

	checked int64
	blocked int64
}

func NewFilter(ctx *Context, mode string, adjustConfidence bool, logger zerolog.Logger) *Filter {
	if mode != ModeStrict && mode != ModeNormal && mode != ModePermissive {
		mode = ModeNormal
	}
	return &Filter{
		log:    logger.With().Str("component", "context_filter").Logger(),
		ctx:    ctx,
		mode:   mode,
		adjust: adjustConfidence,
	}
}

// Apply assesses the (base symbol, direction) context and decides whether
// the signal passes, with an optional confidence adjustment.
func (f *Filter) Apply(baseSymbol, direction string, confidence float64) FilterResult {
	f.mu.Lock()
	f.checked++
	f.mu.Unlock()

	assessment := f.ctx.Assess(baseSymbol, direction)
	result := FilterResult{
		Allowed:    true,
		Confidence: confidence,
		Assessment: assessment,
	}
	if !assessment.HasData {
		return result
	}

	switch f.mode {
	case ModeStrict:
		result.Allowed = assessment.Overall == AlignFavorable
	case ModeNormal:
		result.Allowed = assessment.Overall != AlignUnfavorable
	case ModePermissive:
		result.Allowed = true
	}

	if f.adjust {
		result.Adjustment = adjustment(assessment)
		result.Confidence = clamp(confidence+result.Adjustment, 0, 99)
	}

	if !result.Allowed {
		f.mu.Lock()
		f.blocked++
		f.mu.Unlock()
		f.log.Info().Str("symbol", baseSymbol).Str("direction", direction).
			Str("overall", assessment.Overall).Msg("signal blocked by market context")
	}
	return result
}

// GetStats returns filter counters.
func (f *Filter) GetStats() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{
		"mode":    f.mode,
		"checked": f.checked,
		"blocked": f.blocked,
	}
}

// adjustment converts the assessment into a confidence delta. Sub-factor
// credit applies only when the overall read is neutral.
func adjustment(a Assessment) float64 {
	switch a.Overall {
	case AlignFavorable:
		return 5
	case AlignUnfavorable:
		return -10
	}

	var adj float64
	if a.FundingAlignment == AlignFavorable || a.OIAlignment == AlignConfirmation {
		adj += 2
	}
	if a.OIAlignment == AlignSqueezeRisk {
		adj -= 3
	}
	return adj
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
