package signals

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/buffer"
)

const (
	stopMargin    = 0.3
	rewardRatio   = 2.0
	maxExtensions = 3

	// How far back to look for an exit price before extending the
	// deadline.
	priceLookback = time.Hour
)

// TrackedSignal is a fused signal with entry levels and, once resolved,
// its outcome.
type TrackedSignal struct {
	Signal      *TradingSignal `json:"signal"`
	EntryPrice  float64        `json:"entry_price"`
	StopLoss    float64        `json:"stop_loss"`
	TargetPrice float64        `json:"target_price"`
	Deadline    time.Time      `json:"deadline"`
	Extensions  int            `json:"extensions"`
	Outcome     string         `json:"outcome"`
	ExitPrice   float64        `json:"exit_price"`
	PnLPct      float64        `json:"pnl_pct"`
}

// PersistOutcomeFunc receives every resolved signal for storage. The
// tracker never talks to the store directly.
type PersistOutcomeFunc func(ts *TrackedSignal)

// Tracker holds approved signals through their hold window and labels
// them WIN, LOSS or NEUTRAL against the price afterwards.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*TrackedSignal

	buffers    *buffer.Manager
	scorer     *Scorer
	holdPeriod time.Duration
	persist    PersistOutcomeFunc
	log        zerolog.Logger

	wins     int64
	losses   int64
	neutrals int64

	now func() time.Time
}

func NewTracker(buffers *buffer.Manager, scorer *Scorer, holdPeriod time.Duration, logger zerolog.Logger) *Tracker {
	if holdPeriod <= 0 {
		holdPeriod = 900 * time.Second
	}
	return &Tracker{
		pending:    make(map[string]*TrackedSignal),
		buffers:    buffers,
		scorer:     scorer,
		holdPeriod: holdPeriod,
		log:        logger.With().Str("component", "tracker").Logger(),
		now:        time.Now,
	}
}

// SetPersistFunc installs the storage hook for resolved signals.
func (t *Tracker) SetPersistFunc(fn PersistOutcomeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persist = fn
}

// Track computes entry, stop and target from the signal's stop-hunt
// price zone and starts the hold window. Signals without a usable zone
// or with a neutral direction are not trackable and return nil.
func (t *Tracker) Track(sig *TradingSignal) *TrackedSignal {
	hunt := sig.Metadata.StopHunt
	if hunt == nil || hunt.ZoneHigh <= 0 {
		return nil
	}
	if sig.Direction != DirectionLong && sig.Direction != DirectionShort {
		return nil
	}

	spread := hunt.ZoneHigh - hunt.ZoneLow
	if spread < 0 {
		spread = -spread
	}

	var entry, stop, target float64
	if sig.Direction == DirectionLong {
		entry = hunt.ZoneHigh
		stop = hunt.ZoneLow - stopMargin*spread
		target = entry + rewardRatio*(entry-stop)
	} else {
		entry = hunt.ZoneLow
		stop = hunt.ZoneHigh + stopMargin*spread
		target = entry - rewardRatio*(stop-entry)
	}

	tracked := &TrackedSignal{
		Signal:      sig,
		EntryPrice:  entry,
		StopLoss:    stop,
		TargetPrice: target,
		Deadline:    t.now().Add(t.holdPeriod),
	}

	t.mu.Lock()
	t.pending[sig.ID] = tracked
	t.mu.Unlock()

	t.log.Info().
		Str("symbol", sig.Symbol).
		Str("direction", sig.Direction).
		Float64("entry", entry).
		Float64("stop", stop).
		Float64("target", target).
		Msg("Signal tracking started")

	return tracked
}

// CheckPending resolves every signal whose deadline has passed and
// returns the batch resolved in this call. Signals with no observable
// price get their deadline extended a bounded number of times, then
// resolve NEUTRAL. The learner and storage hooks run after the lock is
// released.
func (t *Tracker) CheckPending() []*TrackedSignal {
	t.mu.Lock()
	now := t.now()
	var resolved []*TrackedSignal
	for id, tracked := range t.pending {
		if now.Before(tracked.Deadline) {
			continue
		}

		price := t.latestPrice(tracked.Signal.Symbol)
		if price <= 0 {
			if tracked.Extensions < maxExtensions {
				tracked.Extensions++
				tracked.Deadline = now.Add(t.holdPeriod)
				continue
			}
			tracked.Outcome = OutcomeNeutral
		} else {
			tracked.ExitPrice = price
			tracked.Outcome = t.resolve(tracked, price)
			tracked.PnLPct = realizedPct(tracked.Signal.Direction, tracked.EntryPrice, price)
		}

		delete(t.pending, id)
		resolved = append(resolved, tracked)

		switch tracked.Outcome {
		case OutcomeWin:
			t.wins++
		case OutcomeLoss:
			t.losses++
		default:
			t.neutrals++
		}
	}
	persist := t.persist
	t.mu.Unlock()

	for _, tracked := range resolved {
		if tracked.Outcome == OutcomeWin || tracked.Outcome == OutcomeLoss {
			t.scorer.RecordResult(tracked.Signal.Type, tracked.Outcome == OutcomeWin)
		}
		if persist != nil {
			persist(tracked)
		}
		t.log.Info().
			Str("symbol", tracked.Signal.Symbol).
			Str("type", tracked.Signal.Type).
			Str("outcome", tracked.Outcome).
			Float64("exit", tracked.ExitPrice).
			Float64("pnl_pct", tracked.PnLPct).
			Msg("Signal resolved")
	}
	return resolved
}

// latestPrice reads the freshest trade print, falling back to the
// freshest liquidation price.
func (t *Tracker) latestPrice(symbol string) float64 {
	if trades := t.buffers.GetTrades(symbol, priceLookback, 1); len(trades) > 0 {
		return trades[len(trades)-1].Price
	}
	if liqs := t.buffers.GetLiquidations(symbol, priceLookback, 1); len(liqs) > 0 {
		return liqs[len(liqs)-1].Price
	}
	return 0
}

func (t *Tracker) resolve(tracked *TrackedSignal, price float64) string {
	entry, stop, target := tracked.EntryPrice, tracked.StopLoss, tracked.TargetPrice
	if tracked.Signal.Direction == DirectionLong {
		switch {
		case price >= target:
			return OutcomeWin
		case price <= stop:
			return OutcomeLoss
		case price >= (entry+target)/2:
			return OutcomeWin
		case price < entry:
			return OutcomeLoss
		default:
			return OutcomeNeutral
		}
	}
	switch {
	case price <= target:
		return OutcomeWin
	case price >= stop:
		return OutcomeLoss
	case price <= (entry+target)/2:
		return OutcomeWin
	case price > entry:
		return OutcomeLoss
	default:
		return OutcomeNeutral
	}
}

func realizedPct(direction string, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	if direction == DirectionShort {
		return (entry - exit) / entry * 100
	}
	return (exit - entry) / entry * 100
}

// RestorePending re-registers tracked signals loaded from storage at
// boot. Deadlines already in the past resolve on the next check.
func (t *Tracker) RestorePending(tracked []*TrackedSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range tracked {
		if ts.Signal == nil || ts.Signal.ID == "" || ts.Outcome != "" {
			continue
		}
		t.pending[ts.Signal.ID] = ts
	}
}

// Pending snapshots the unresolved signals, newest deadline last.
func (t *Tracker) Pending() []*TrackedSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*TrackedSignal, 0, len(t.pending))
	for _, ts := range t.pending {
		copied := *ts
		out = append(out, &copied)
	}
	return out
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.wins + t.losses
	winRate := 0.0
	if total > 0 {
		winRate = float64(t.wins) / float64(total)
	}
	return map[string]interface{}{
		"pending":  len(t.pending),
		"wins":     t.wins,
		"losses":   t.losses,
		"neutrals": t.neutrals,
		"win_rate": winRate,
	}
}
