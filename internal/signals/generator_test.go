package signals

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/detectors"
)

func testHunt(direction string, confidence float64) *detectors.StopHuntSignal {
	return &detectors.StopHuntSignal{
		Symbol:         "BTCUSDT",
		Confidence:     confidence,
		TotalVolume:    3_500_000,
		Count:          175,
		Direction:      direction,
		DirectionalPct: 1.0,
		ZoneLow:        95_800,
		ZoneHigh:       96_200,
	}
}

func testFlow(flowType string, confidence float64) *detectors.OrderFlowSignal {
	buyRatio := 0.85
	if flowType == detectors.Distribution {
		buyRatio = 0.15
	}
	return &detectors.OrderFlowSignal{
		Symbol:     "BTCUSDT",
		Confidence: confidence,
		Type:       flowType,
		BuyRatio:   buyRatio,
		LargeBuys:  8,
		LargeSells: 2,
	}
}

func testEvent(confidence float64) detectors.EventSignal {
	return detectors.EventSignal{
		Symbol:     "BTCUSDT",
		Confidence: confidence,
		Type:       detectors.EventLiquidationCascade,
	}
}

// TestGenerateFullFusion tests weighting, alignment and priority with
// all three detector families present.
func TestGenerateFullFusion(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	hunt := testHunt(detectors.ShortHunt, 99)
	flow := testFlow(detectors.Accumulation, 80)
	events := []detectors.EventSignal{testEvent(75)}

	signal := gen.Generate("BTCUSDT", hunt, flow, events, nil)
	if signal == nil {
		t.Fatal("Should generate a fused signal")
	}
	if signal.Type != TypeStopHunt {
		t.Errorf("Stop-hunt should dominate, got %s", signal.Type)
	}
	if signal.Direction != DirectionLong {
		t.Errorf("SHORT_HUNT should map to LONG, got %s", signal.Direction)
	}
	// 99*0.5 + 80*0.35 + 75*0.15 = 88.75, +10 alignment.
	if math.Abs(signal.Confidence-98.75) > 1e-9 {
		t.Errorf("Expected fused confidence 98.75, got %v", signal.Confidence)
	}
	if signal.Priority != 1 {
		t.Errorf("All three sources should give priority 1, got %d", signal.Priority)
	}
	if len(signal.Sources) != 3 {
		t.Errorf("Expected 3 sources, got %v", signal.Sources)
	}
	if signal.ID == "" {
		t.Error("Signal should carry an ID")
	}
	if signal.Metadata.StopHunt != hunt || signal.Metadata.OrderFlow != flow {
		t.Error("Metadata should embed the contributing detectors")
	}
}

// TestGenerateStopHuntDominates tests that a LONG_HUNT outranks an
// opposing order-flow read.
func TestGenerateStopHuntDominates(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	signal := gen.Generate("BTCUSDT", testHunt(detectors.LongHunt, 90), testFlow(detectors.Accumulation, 90), nil, nil)
	if signal == nil {
		t.Fatal("Should generate a fused signal")
	}
	if signal.Type != TypeStopHunt || signal.Direction != DirectionShort {
		t.Errorf("LONG_HUNT should map to (STOP_HUNT, SHORT), got (%s, %s)", signal.Type, signal.Direction)
	}
	// Disagreeing detectors get no alignment bonus.
	if math.Abs(signal.Confidence-90) > 1e-9 {
		t.Errorf("Expected confidence 90, got %v", signal.Confidence)
	}
	if signal.Priority != 1 {
		t.Errorf("Two sources at 90 should give priority 1, got %d", signal.Priority)
	}
}

// TestGenerateOrderFlowOnly tests the flow-only path.
func TestGenerateOrderFlowOnly(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	signal := gen.Generate("BTCUSDT", nil, testFlow(detectors.Distribution, 80), nil, nil)
	if signal == nil {
		t.Fatal("Should generate a fused signal")
	}
	if signal.Type != TypeDistribution || signal.Direction != DirectionShort {
		t.Errorf("Expected (DISTRIBUTION, SHORT), got (%s, %s)", signal.Type, signal.Direction)
	}
	if math.Abs(signal.Confidence-80) > 1e-9 {
		t.Errorf("Single source should pass through, got %v", signal.Confidence)
	}
	if signal.Priority != 2 {
		t.Errorf("Flow-only at 80 should give priority 2, got %d", signal.Priority)
	}
}

// TestGenerateEventsOnly tests the neutral events-only path.
func TestGenerateEventsOnly(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	events := []detectors.EventSignal{testEvent(70), testEvent(80)}
	signal := gen.Generate("BTCUSDT", nil, nil, events, nil)
	if signal == nil {
		t.Fatal("Should generate an event signal")
	}
	if signal.Type != TypeEvent || signal.Direction != DirectionNeutral {
		t.Errorf("Expected (EVENT, NEUTRAL), got (%s, %s)", signal.Type, signal.Direction)
	}
	// Mean of 70 and 80.
	if math.Abs(signal.Confidence-75) > 1e-9 {
		t.Errorf("Expected mean confidence 75, got %v", signal.Confidence)
	}
	if signal.Priority != 3 {
		t.Errorf("Events-only should give priority 3, got %d", signal.Priority)
	}
}

// TestGenerateBelowMinimum tests suppression under the confidence floor.
func TestGenerateBelowMinimum(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	if signal := gen.Generate("BTCUSDT", nil, nil, []detectors.EventSignal{testEvent(60)}, nil); signal != nil {
		t.Errorf("Should suppress under minimum, got %+v", signal)
	}
	if stats := gen.GetStats(); stats["suppressed"].(int64) != 1 {
		t.Error("Suppression should be counted")
	}
}

// TestGenerateNoDetectors tests that silence in means silence out.
func TestGenerateNoDetectors(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	if signal := gen.Generate("BTCUSDT", nil, nil, nil, nil); signal != nil {
		t.Errorf("Should not generate from nothing, got %+v", signal)
	}
}

// TestGenerateAlignmentBonus tests that agreement between the stop-hunt
// and order-flow reads is worth exactly 10 points.
func TestGenerateAlignmentBonus(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	aligned := gen.Generate("BTCUSDT", testHunt(detectors.ShortHunt, 70), testFlow(detectors.Accumulation, 70), nil, nil)
	opposed := gen.Generate("BTCUSDT", testHunt(detectors.ShortHunt, 70), testFlow(detectors.Distribution, 70), nil, nil)
	if aligned == nil || opposed == nil {
		t.Fatal("Both fusions should generate")
	}
	if diff := aligned.Confidence - opposed.Confidence; math.Abs(diff-10) > 1e-9 {
		t.Errorf("Alignment should add exactly 10, got %v", diff)
	}
}

// TestGenerateMonotonicConfidence tests that fused confidence never
// decreases as one input confidence rises.
func TestGenerateMonotonicConfidence(t *testing.T) {
	gen := NewGenerator(1, zerolog.Nop())

	prev := -1.0
	for conf := 50.0; conf <= 99; conf++ {
		signal := gen.Generate("BTCUSDT", testHunt(detectors.ShortHunt, conf), testFlow(detectors.Accumulation, 70), nil, nil)
		if signal == nil {
			t.Fatalf("Should generate at stop-hunt confidence %v", conf)
		}
		if signal.Confidence < prev {
			t.Fatalf("Fused confidence decreased: %v after %v", signal.Confidence, prev)
		}
		prev = signal.Confidence
	}
}

// TestGenerateConfidenceCap tests the 99 ceiling.
func TestGenerateConfidenceCap(t *testing.T) {
	gen := NewGenerator(65, zerolog.Nop())

	signal := gen.Generate("BTCUSDT", testHunt(detectors.ShortHunt, 99), testFlow(detectors.Accumulation, 99), nil, nil)
	if signal == nil {
		t.Fatal("Should generate")
	}
	if signal.Confidence != 99 {
		t.Errorf("Expected cap at 99, got %v", signal.Confidence)
	}
}
