package signals

import (
	"sync"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/detectors"
)

const (
	historyCap     = 100
	trendWindow    = 10
	minScore       = 50
	maxScore       = 99
	maxQualityAdj  = 5
	defaultWinRate = 0.5
)

type typeState struct {
	history []bool
	winRate float64
}

// TypeState is the persistable snapshot of one signal type's learning
// state.
type TypeState struct {
	SignalType string  `json:"signal_type"`
	WinRate    float64 `json:"win_rate"`
	History    []bool  `json:"history"`
}

// Scorer adjusts fused confidence using the learned per-type win rate,
// the recent outcome trend and quality features from the detector
// metadata.
type Scorer struct {
	mu    sync.Mutex
	state map[string]*typeState

	tiers        detectors.Tiers
	learningRate float64
	log          zerolog.Logger

	scored   int64
	recorded int64
}

func NewScorer(tiers detectors.Tiers, learningRate float64, logger zerolog.Logger) *Scorer {
	if learningRate <= 0 || learningRate > 1 {
		learningRate = 0.1
	}
	return &Scorer{
		state:        make(map[string]*typeState),
		tiers:        tiers,
		learningRate: learningRate,
		log:          logger.With().Str("component", "scorer").Logger(),
	}
}

func (s *Scorer) typeState(signalType string) *typeState {
	st, ok := s.state[signalType]
	if !ok {
		st = &typeState{winRate: defaultWinRate}
		s.state[signalType] = st
	}
	return st
}

// Score rewrites the signal's confidence in place and returns the final
// value, clamped to [50, 99].
func (s *Scorer) Score(sig *TradingSignal) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.typeState(sig.Type)
	confidence := sig.Confidence

	switch {
	case st.winRate > 0.7:
		confidence += 5
	case st.winRate > 0.6:
		confidence += 3
	case st.winRate < 0.4:
		confidence -= 5
	case st.winRate < 0.5:
		confidence -= 3
	}

	if window := len(st.history); window > 0 {
		if window > trendWindow {
			window = trendWindow
		}
		wins := 0
		for _, won := range st.history[len(st.history)-window:] {
			if won {
				wins++
			}
		}
		trend := float64(wins) / float64(window)
		if trend > 0.75 {
			confidence += 3
		} else if trend < 0.25 {
			confidence -= 3
		}
	}

	confidence += s.qualityAdjustment(sig)

	if confidence < minScore {
		confidence = minScore
	}
	if confidence > maxScore {
		confidence = maxScore
	}

	sig.Confidence = confidence
	s.scored++
	return confidence
}

// qualityAdjustment rewards strong detector metadata, capped at +-5.
func (s *Scorer) qualityAdjustment(sig *TradingSignal) float64 {
	adj := 0.0

	if hunt := sig.Metadata.StopHunt; hunt != nil {
		if threshold := s.tiers.AbsorptionThreshold(sig.Symbol); threshold > 0 {
			switch ratio := hunt.AbsorptionVolume / threshold; {
			case ratio > 5:
				adj += 2
			case ratio > 2:
				adj += 1
			}
		}
		if hunt.DirectionalPct > 0.85 {
			adj += 2
		}
	}

	if flow := sig.Metadata.OrderFlow; flow != nil {
		clarity := flow.BuyRatio
		if clarity < 0.5 {
			clarity = 1 - clarity
		}
		if clarity > 0.8 {
			adj += 1.5
		} else if clarity > 0.7 {
			adj += 0.5
		}
		switch large := flow.LargeBuys + flow.LargeSells; {
		case large >= 10:
			adj += 1.5
		case large >= 5:
			adj += 0.5
		}
	}

	if len(sig.Metadata.Events) >= 2 {
		adj += 1
	}

	if adj > maxQualityAdj {
		adj = maxQualityAdj
	}
	if adj < -maxQualityAdj {
		adj = -maxQualityAdj
	}
	return adj
}

// RecordResult appends one outcome to the type's bounded history and
// blends the window's empirical win rate into the smoothed rate.
func (s *Scorer) RecordResult(signalType string, won bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.typeState(signalType)
	st.history = append(st.history, won)
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}

	wins := 0
	for _, w := range st.history {
		if w {
			wins++
		}
	}
	empirical := float64(wins) / float64(len(st.history))
	st.winRate += s.learningRate * (empirical - st.winRate)
	s.recorded++

	s.log.Debug().
		Str("signal_type", signalType).
		Bool("won", won).
		Float64("win_rate", st.winRate).
		Int("history", len(st.history)).
		Msg("Outcome recorded")
}

// WinRate returns the smoothed win rate for a signal type.
func (s *Scorer) WinRate(signalType string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[signalType]; ok {
		return st.winRate
	}
	return defaultWinRate
}

// ExportState snapshots every signal type's learning state for
// persistence.
func (s *Scorer) ExportState() []TypeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TypeState, 0, len(s.state))
	for signalType, st := range s.state {
		history := make([]bool, len(st.history))
		copy(history, st.history)
		out = append(out, TypeState{
			SignalType: signalType,
			WinRate:    st.winRate,
			History:    history,
		})
	}
	return out
}

// RestoreState replaces the learning state for the listed signal types.
func (s *Scorer) RestoreState(states []TypeState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range states {
		history := make([]bool, len(state.History))
		copy(history, state.History)
		if len(history) > historyCap {
			history = history[len(history)-historyCap:]
		}
		s.state[state.SignalType] = &typeState{
			history: history,
			winRate: state.WinRate,
		}
	}
}

func (s *Scorer) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	rates := make(map[string]float64, len(s.state))
	for signalType, st := range s.state {
		rates[signalType] = st.winRate
	}
	return map[string]interface{}{
		"scored":        s.scored,
		"recorded":      s.recorded,
		"win_rates":     rates,
		"learning_rate": s.learningRate,
	}
}
