package coinglass

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func validLiquidation() LiquidationEvent {
	return LiquidationEvent{
		Symbol:    "BTCUSDT",
		Exchange:  "Binance",
		Price:     96000,
		Side:      SideLongLiquidated,
		VolumeUSD: 250000,
		Timestamp: 1700000000000,
	}
}

// TestValidateLiquidationAccepts tests that a well-formed event passes
func TestValidateLiquidationAccepts(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	if err := v.ValidateLiquidation(validLiquidation()); err != nil {
		t.Errorf("Valid event should pass, got %v", err)
	}
}

// TestValidateLiquidationRejects tests each hard failure mode
func TestValidateLiquidationRejects(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	cases := []struct {
		name   string
		mutate func(*LiquidationEvent)
		want   error
	}{
		{"empty symbol", func(e *LiquidationEvent) { e.Symbol = "" }, ErrMissingSymbol},
		{"empty exchange", func(e *LiquidationEvent) { e.Exchange = "" }, ErrMissingExchange},
		{"negative price", func(e *LiquidationEvent) { e.Price = -1 }, ErrNegativePrice},
		{"side zero", func(e *LiquidationEvent) { e.Side = 0 }, ErrInvalidSide},
		{"side three", func(e *LiquidationEvent) { e.Side = 3 }, ErrInvalidSide},
		{"negative volume", func(e *LiquidationEvent) { e.VolumeUSD = -5 }, ErrNegativeVolume},
		{"zero timestamp", func(e *LiquidationEvent) { e.Timestamp = 0 }, ErrInvalidTime},
	}

	for _, tc := range cases {
		ev := validLiquidation()
		tc.mutate(&ev)
		err := v.ValidateLiquidation(ev)
		if err == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

// TestValidateTrade tests the trade path shares the common checks
func TestValidateTrade(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	ok := TradeEvent{
		Symbol:    "ETHUSDT",
		Exchange:  "OKX",
		Price:     3450,
		Side:      SideBuy,
		VolumeUSD: 12000,
		Timestamp: 1700000000000,
	}
	if err := v.ValidateTrade(ok); err != nil {
		t.Errorf("Valid trade should pass, got %v", err)
	}

	bad := ok
	bad.Side = 7
	if err := v.ValidateTrade(bad); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("Expected ErrInvalidSide, got %v", err)
	}
}

// TestValidateOutsizedValuesStillPass tests that sanity warnings do not
// reject events
func TestValidateOutsizedValuesStillPass(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	huge := validLiquidation()
	huge.VolumeUSD = 500_000_000
	huge.Price = 2_000_000
	if err := v.ValidateLiquidation(huge); err != nil {
		t.Errorf("Outsized values should warn, not reject: %v", err)
	}

	dust := validLiquidation()
	dust.VolumeUSD = 50
	if err := v.ValidateLiquidation(dust); err != nil {
		t.Errorf("Dust liquidation should still pass: %v", err)
	}

	unknownVenue := validLiquidation()
	unknownVenue.Exchange = "SomeNewVenue"
	if err := v.ValidateLiquidation(unknownVenue); err != nil {
		t.Errorf("Unlisted exchange should still pass: %v", err)
	}
}
