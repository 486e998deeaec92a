package signals

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestValidator(opts ValidatorOptions) (*Validator, *time.Time) {
	v := NewValidator(opts, zerolog.Nop())
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return current }
	return v, &current
}

func validSignal(symbol string, confidence float64) *TradingSignal {
	return &TradingSignal{
		ID:         "test",
		Symbol:     symbol,
		Type:       TypeStopHunt,
		Direction:  DirectionLong,
		Confidence: confidence,
	}
}

// TestValidateApproves tests the happy path.
func TestValidateApproves(t *testing.T) {
	v, _ := newTestValidator(ValidatorOptions{})

	verdict := v.Validate(validSignal("BTCUSDT", 70))
	if !verdict.Approved || verdict.Reason != ReasonApproved {
		t.Errorf("Expected approval, got %+v", verdict)
	}
	if v.ApprovedInWindow() != 1 {
		t.Errorf("Expected 1 approval in window, got %d", v.ApprovedInWindow())
	}
}

// TestValidateLowConfidence tests the confidence floor.
func TestValidateLowConfidence(t *testing.T) {
	v, _ := newTestValidator(ValidatorOptions{})

	verdict := v.Validate(validSignal("BTCUSDT", 60))
	if verdict.Approved || verdict.Reason != ReasonLowConfidence {
		t.Errorf("Expected low_confidence rejection, got %+v", verdict)
	}
}

// TestValidateDuplicateAndCooldown tests that a same-band resubmission
// dedups while a different band on the same key hits the cooldown.
func TestValidateDuplicateAndCooldown(t *testing.T) {
	v, _ := newTestValidator(ValidatorOptions{})

	if verdict := v.Validate(validSignal("BTCUSDT", 71)); !verdict.Approved {
		t.Fatalf("First signal should approve, got %+v", verdict)
	}
	// 71 and 72 both round into the 70 band.
	if verdict := v.Validate(validSignal("BTCUSDT", 72)); verdict.Reason != ReasonDuplicate {
		t.Errorf("Same band should dedup, got %+v", verdict)
	}
	// 74 rounds to 75: new band, but the key is cooling down.
	if verdict := v.Validate(validSignal("BTCUSDT", 74)); verdict.Reason != ReasonCooldown {
		t.Errorf("New band on a cooling key should hit cooldown, got %+v", verdict)
	}
}

// TestValidateCooldownExpires tests re-approval after the cooldown.
func TestValidateCooldownExpires(t *testing.T) {
	v, current := newTestValidator(ValidatorOptions{})

	if verdict := v.Validate(validSignal("BTCUSDT", 71)); !verdict.Approved {
		t.Fatalf("First signal should approve, got %+v", verdict)
	}
	*current = current.Add(6 * time.Minute)
	// A different confidence band avoids the 10-minute duplicate window.
	if verdict := v.Validate(validSignal("BTCUSDT", 90)); !verdict.Approved {
		t.Errorf("Cooldown should have expired, got %+v", verdict)
	}
}

// TestValidateDuplicateWindowExpires tests that the banded hash ages out.
func TestValidateDuplicateWindowExpires(t *testing.T) {
	v, current := newTestValidator(ValidatorOptions{})

	if verdict := v.Validate(validSignal("BTCUSDT", 71)); !verdict.Approved {
		t.Fatalf("First signal should approve, got %+v", verdict)
	}
	*current = current.Add(11 * time.Minute)
	if verdict := v.Validate(validSignal("BTCUSDT", 71)); !verdict.Approved {
		t.Errorf("Hash should age out after 10 minutes, got %+v", verdict)
	}
}

// TestValidateRateLimit tests the hourly approval cap and its sliding
// window.
func TestValidateRateLimit(t *testing.T) {
	v, current := newTestValidator(ValidatorOptions{MaxPerHour: 5})

	for i := 0; i < 5; i++ {
		sig := validSignal(fmt.Sprintf("COIN%dUSDT", i), 70)
		if verdict := v.Validate(sig); !verdict.Approved {
			t.Fatalf("Signal %d should approve, got %+v", i, verdict)
		}
	}
	if verdict := v.Validate(validSignal("EXTRAUSDT", 70)); verdict.Reason != ReasonRateLimit {
		t.Errorf("Sixth signal should rate-limit, got %+v", verdict)
	}
	if v.ApprovedInWindow() != 5 {
		t.Errorf("Window should hold 5 approvals, got %d", v.ApprovedInWindow())
	}

	*current = current.Add(61 * time.Minute)
	if verdict := v.Validate(validSignal("LATEUSDT", 70)); !verdict.Approved {
		t.Errorf("Window should slide empty after an hour, got %+v", verdict)
	}
	if v.ApprovedInWindow() != 1 {
		t.Errorf("Window should hold 1 approval after sliding, got %d", v.ApprovedInWindow())
	}
}

// TestValidateWindowNeverExceedsCap tests the rate invariant across a
// burst of distinct signals.
func TestValidateWindowNeverExceedsCap(t *testing.T) {
	v, current := newTestValidator(ValidatorOptions{MaxPerHour: 10})

	for i := 0; i < 60; i++ {
		sig := validSignal(fmt.Sprintf("SYM%dUSDT", i), 70)
		v.Validate(sig)
		if got := v.ApprovedInWindow(); got > 10 {
			t.Fatalf("Rate window exceeded cap: %d", got)
		}
		*current = current.Add(time.Minute)
	}
}

// TestValidateStatsCounters tests the per-reason counters.
func TestValidateStatsCounters(t *testing.T) {
	v, _ := newTestValidator(ValidatorOptions{})

	v.Validate(validSignal("BTCUSDT", 71))
	v.Validate(validSignal("BTCUSDT", 72))
	v.Validate(validSignal("ETHUSDT", 40))

	stats := v.GetStats()
	counters := stats["counters"].(map[string]int64)
	if counters[ReasonApproved] != 1 {
		t.Errorf("Expected 1 approval, got %d", counters[ReasonApproved])
	}
	if counters[ReasonDuplicate] != 1 {
		t.Errorf("Expected 1 duplicate, got %d", counters[ReasonDuplicate])
	}
	if counters[ReasonLowConfidence] != 1 {
		t.Errorf("Expected 1 low-confidence, got %d", counters[ReasonLowConfidence])
	}
}
