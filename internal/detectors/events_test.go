package detectors

import (
	"math"
	"testing"
	"time"

	"teleglas-pro/internal/coinglass"
)

// TestCascadeEventConfidenceBuckets tests the stepped confidence of the
// liquidation-cascade event against the volume ratio.
func TestCascadeEventConfidenceBuckets(t *testing.T) {
	cases := []struct {
		total      float64
		confidence float64
	}{
		{11_000_000, 95}, // 5.5x
		{6_000_000, 85},  // 3x
		{3_500_000, 75},  // 1.75x
		{2_500_000, 65},  // 1.25x
	}
	for _, tc := range cases {
		engine, buffers := newTestEngine()
		for i := 0; i < 10; i++ {
			addLiquidation(buffers, "BTCUSDT", coinglass.SideLongLiquidated, tc.total/10, 96_000, 5*time.Second)
		}

		event := engine.detectCascadeEvent("BTCUSDT")
		if event == nil {
			t.Fatalf("Should emit cascade event at %v", tc.total)
		}
		if event.Type != EventLiquidationCascade {
			t.Errorf("Expected cascade type, got %s", event.Type)
		}
		if event.Confidence != tc.confidence {
			t.Errorf("Total %v: expected confidence %v, got %v", tc.total, tc.confidence, event.Confidence)
		}
	}
}

// TestCascadeEventBelowThreshold tests that small cascades emit nothing.
func TestCascadeEventBelowThreshold(t *testing.T) {
	engine, buffers := newTestEngine()

	addLiquidation(buffers, "BTCUSDT", coinglass.SideLongLiquidated, 1_000_000, 96_000, 5*time.Second)

	if event := engine.detectCascadeEvent("BTCUSDT"); event != nil {
		t.Errorf("Should not emit below threshold, got %+v", event)
	}
}

// TestWhaleWindowAccumulation tests large-order dominance on the buy side.
func TestWhaleWindowAccumulation(t *testing.T) {
	engine, buffers := newTestEngine()

	// Tier-2 scaling halves the $10k base threshold, so $10k prints
	// qualify while $100 fillers do not.
	for i := 0; i < 8; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 10_000, 60*time.Second)
	}
	for i := 0; i < 2; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideSell, 10_000, 60*time.Second)
	}
	for i := 0; i < 15; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 100, 60*time.Second)
	}

	event := engine.detectWhaleWindow("SOLUSDT")
	if event == nil {
		t.Fatal("Should emit whale accumulation")
	}
	if event.Type != EventWhaleAccumulation {
		t.Errorf("Expected WHALE_ACCUMULATION, got %s", event.Type)
	}
	if event.Data["large_orders"] != 10 {
		t.Errorf("Expected 10 large orders, got %v", event.Data["large_orders"])
	}
	// 50 + 0.8 * 40.
	if math.Abs(event.Confidence-82) > 1e-6 {
		t.Errorf("Expected confidence 82, got %v", event.Confidence)
	}
}

// TestWhaleWindowDistribution tests the sell-side mirror.
func TestWhaleWindowDistribution(t *testing.T) {
	engine, buffers := newTestEngine()

	for i := 0; i < 9; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideSell, 10_000, 60*time.Second)
	}
	addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 10_000, 60*time.Second)
	for i := 0; i < 15; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideSell, 100, 60*time.Second)
	}

	event := engine.detectWhaleWindow("SOLUSDT")
	if event == nil {
		t.Fatal("Should emit whale distribution")
	}
	if event.Type != EventWhaleDistribution {
		t.Errorf("Expected WHALE_DISTRIBUTION, got %s", event.Type)
	}
	// 50 + 0.9 * 40.
	if math.Abs(event.Confidence-86) > 1e-6 {
		t.Errorf("Expected confidence 86, got %v", event.Confidence)
	}
}

// TestWhaleWindowMinimums tests the trade-count and large-count floors.
func TestWhaleWindowMinimums(t *testing.T) {
	engine, buffers := newTestEngine()

	// 19 trades total: below the window minimum.
	for i := 0; i < 19; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 10_000, 60*time.Second)
	}
	if event := engine.detectWhaleWindow("SOLUSDT"); event != nil {
		t.Error("Should skip windows under 20 trades")
	}

	// 25 trades but only 4 large.
	for i := 0; i < 4; i++ {
		addTrade(buffers, "BNBUSDT", coinglass.SideBuy, 10_000, 60*time.Second)
	}
	for i := 0; i < 21; i++ {
		addTrade(buffers, "BNBUSDT", coinglass.SideBuy, 100, 60*time.Second)
	}
	if event := engine.detectWhaleWindow("BNBUSDT"); event != nil {
		t.Error("Should require at least 5 large orders")
	}
}

// TestWhaleWindowTierScaling tests that a mid-size print counts as large
// only where the tier scale lowers the threshold.
func TestWhaleWindowTierScaling(t *testing.T) {
	engine, buffers := newTestEngine()

	// $6k prints: under the $10k tier-1 threshold, over the $5k tier-2
	// and $2k tier-3 ones.
	for i := 0; i < 25; i++ {
		addTrade(buffers, "BTCUSDT", coinglass.SideBuy, 6_000, 60*time.Second)
		addTrade(buffers, "PEPEUSDT", coinglass.SideBuy, 6_000, 60*time.Second)
	}

	if event := engine.detectWhaleWindow("BTCUSDT"); event != nil {
		t.Error("Tier-1 threshold should exclude $6k prints")
	}
	if event := engine.detectWhaleWindow("PEPEUSDT"); event == nil {
		t.Error("Tier-3 threshold should include $6k prints")
	}
}

// TestVolumeSpike tests the baseline-excluding spike computation: $100k
// spread over the baseline band, then $400k in the last minute.
func TestVolumeSpike(t *testing.T) {
	engine, buffers := newTestEngine()

	for i := 0; i < 10; i++ {
		ago := 70*time.Second + time.Duration(i)*22*time.Second
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 10_000, ago)
	}
	for i := 0; i < 8; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 50_000, 30*time.Second)
	}

	event := engine.detectVolumeSpike("SOLUSDT")
	if event == nil {
		t.Fatal("Should emit volume spike")
	}
	if event.Type != EventVolumeSpike {
		t.Errorf("Expected VOLUME_SPIKE, got %s", event.Type)
	}
	if event.Data["ratio"] < 10 {
		t.Errorf("Expected ratio well above 10, got %v", event.Data["ratio"])
	}
	if event.Confidence != 99 {
		t.Errorf("Expected capped confidence 99, got %v", event.Confidence)
	}
}

// TestVolumeSpikeNoBaseline tests that a burst with no prior activity
// cannot spike against an empty baseline.
func TestVolumeSpikeNoBaseline(t *testing.T) {
	engine, buffers := newTestEngine()

	for i := 0; i < 10; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 100_000, 10*time.Second)
	}

	if event := engine.detectVolumeSpike("SOLUSDT"); event != nil {
		t.Errorf("Should not spike without a baseline, got %+v", event)
	}
}

// TestVolumeSpikeBelowMultiplier tests that steady flow does not spike.
func TestVolumeSpikeBelowMultiplier(t *testing.T) {
	engine, buffers := newTestEngine()

	for i := 0; i < 10; i++ {
		ago := 70*time.Second + time.Duration(i)*22*time.Second
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 10_000, ago)
	}
	// Well under the 3x multiplier.
	addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 50_000, 30*time.Second)

	if event := engine.detectVolumeSpike("SOLUSDT"); event != nil {
		t.Errorf("2x flow should not spike, got %+v", event)
	}
}

// TestDetectEventsCombined tests that one call surfaces every firing
// sub-detector.
func TestDetectEventsCombined(t *testing.T) {
	engine, buffers := newTestEngine()

	for i := 0; i < 30; i++ {
		addLiquidation(buffers, "SOLUSDT", coinglass.SideLongLiquidated, 10_000, 150, 5*time.Second)
	}
	for i := 0; i < 25; i++ {
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 10_000, 30*time.Second)
	}
	for i := 0; i < 10; i++ {
		ago := 70*time.Second + time.Duration(i)*22*time.Second
		addTrade(buffers, "SOLUSDT", coinglass.SideBuy, 1_000, ago)
	}

	events := engine.DetectEvents("SOLUSDT")
	types := make(map[string]bool, len(events))
	for _, ev := range events {
		types[ev.Type] = true
	}
	if !types[EventLiquidationCascade] {
		t.Error("Should include the liquidation cascade")
	}
	if !types[EventWhaleAccumulation] {
		t.Error("Should include the whale accumulation")
	}
	if !types[EventVolumeSpike] {
		t.Error("Should include the volume spike")
	}
}
