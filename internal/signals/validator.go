package signals

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rejection reasons, also used as stats counter keys.
const (
	ReasonApproved      = "approved"
	ReasonLowConfidence = "low_confidence"
	ReasonDuplicate     = "duplicate"
	ReasonCooldown      = "cooldown"
	ReasonRateLimit     = "rate_limit"
)

const rateWindow = time.Hour

// Verdict is the validator's decision for one signal.
type Verdict struct {
	Approved bool
	Reason   string
}

// ValidatorOptions carries the validation thresholds.
type ValidatorOptions struct {
	MinConfidence   float64
	Cooldown        time.Duration
	DuplicateWindow time.Duration
	MaxPerHour      int
}

func (o *ValidatorOptions) withDefaults() ValidatorOptions {
	opts := *o
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 65
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = 10 * time.Minute
	}
	if opts.MaxPerHour <= 0 {
		opts.MaxPerHour = 50
	}
	return opts
}

// Validator gates fused signals behind a minimum confidence, a
// confidence-banded duplicate window, a per-key cooldown and an hourly
// rate limit. A single mutex makes each decision atomic.
type Validator struct {
	mu sync.Mutex

	opts      ValidatorOptions
	cooldowns map[string]time.Time
	seen      map[string]time.Time
	approvals []time.Time
	counters  map[string]int64
	log       zerolog.Logger

	now func() time.Time
}

func NewValidator(opts ValidatorOptions, logger zerolog.Logger) *Validator {
	return &Validator{
		opts:      opts.withDefaults(),
		cooldowns: make(map[string]time.Time),
		seen:      make(map[string]time.Time),
		counters:  make(map[string]int64),
		log:       logger.With().Str("component", "validator").Logger(),
		now:       time.Now,
	}
}

// bandedHash buckets confidence to the nearest 5 points so a re-detected
// signal with a marginally different score still dedups.
func bandedHash(sig *TradingSignal) string {
	band := int(math.Round(sig.Confidence/5)) * 5
	return fmt.Sprintf("%s|%s|%s|%d", sig.Symbol, sig.Type, sig.Direction, band)
}

// Validate decides one signal. On approval the rate window, cooldown and
// duplicate hash are all recorded before the lock is released.
func (v *Validator) Validate(sig *TradingSignal) Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	v.prune(now)

	if sig.Confidence < v.opts.MinConfidence {
		return v.reject(sig, ReasonLowConfidence)
	}

	hash := bandedHash(sig)
	if seenAt, ok := v.seen[hash]; ok && now.Sub(seenAt) < v.opts.DuplicateWindow {
		return v.reject(sig, ReasonDuplicate)
	}

	key := sig.Key()
	if expiry, ok := v.cooldowns[key]; ok && now.Before(expiry) {
		return v.reject(sig, ReasonCooldown)
	}

	if len(v.approvals) >= v.opts.MaxPerHour {
		return v.reject(sig, ReasonRateLimit)
	}

	v.approvals = append(v.approvals, now)
	v.cooldowns[key] = now.Add(v.opts.Cooldown)
	v.seen[hash] = now
	v.counters[ReasonApproved]++

	return Verdict{Approved: true, Reason: ReasonApproved}
}

func (v *Validator) reject(sig *TradingSignal, reason string) Verdict {
	v.counters[reason]++
	v.log.Debug().
		Str("symbol", sig.Symbol).
		Str("type", sig.Type).
		Str("reason", reason).
		Float64("confidence", sig.Confidence).
		Msg("Signal rejected")
	return Verdict{Approved: false, Reason: reason}
}

// prune drops expired cooldowns, stale duplicate hashes and approvals
// that left the rate window.
func (v *Validator) prune(now time.Time) {
	for key, expiry := range v.cooldowns {
		if now.After(expiry) {
			delete(v.cooldowns, key)
		}
	}
	for hash, seenAt := range v.seen {
		if now.Sub(seenAt) >= v.opts.DuplicateWindow {
			delete(v.seen, hash)
		}
	}
	cutoff := now.Add(-rateWindow)
	kept := v.approvals[:0]
	for _, at := range v.approvals {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	v.approvals = kept
}

// ApprovedInWindow reports how many approvals sit inside the trailing
// rate window.
func (v *Validator) ApprovedInWindow() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prune(v.now())
	return len(v.approvals)
}

func (v *Validator) GetStats() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	counters := make(map[string]int64, len(v.counters))
	for reason, n := range v.counters {
		counters[reason] = n
	}
	return map[string]interface{}{
		"counters":         counters,
		"active_cooldowns": len(v.cooldowns),
		"rate_window_used": len(v.approvals),
		"max_per_hour":     v.opts.MaxPerHour,
	}
}
