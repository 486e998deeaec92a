package coinglass

import (
	"errors"

	"github.com/rs/zerolog"
)

var (
	ErrMissingSymbol   = errors.New("event symbol is empty")
	ErrMissingExchange = errors.New("event exchange is empty")
	ErrNegativePrice   = errors.New("event price is negative")
	ErrInvalidSide     = errors.New("event side must be 1 or 2")
	ErrNegativeVolume  = errors.New("event volume is negative")
	ErrInvalidTime     = errors.New("event timestamp must be positive")
)

// Sanity bounds. Values past these are accepted but logged, since a burst
// of absurd numbers usually means an upstream feed problem.
const (
	warnLiquidationMaxUSD = 100_000_000
	warnLiquidationMinUSD = 1_000
	warnTradeMaxUSD       = 50_000_000
	warnPriceMaxUSD       = 1_000_000
)

var knownExchanges = map[string]bool{
	"Binance":  true,
	"OKX":      true,
	"Bybit":    true,
	"Bitget":   true,
	"dYdX":     true,
	"BitMEX":   true,
	"Kraken":   true,
	"Huobi":    true,
	"Coinbase": true,
}

// Validator checks decoded events before they enter the buffers. Hard
// failures reject the event; soft anomalies only log.
type Validator struct {
	log zerolog.Logger
}

func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		log: logger.With().Str("component", "validator").Logger(),
	}
}

// ValidateLiquidation rejects malformed liquidation events.
func (v *Validator) ValidateLiquidation(ev LiquidationEvent) error {
	if err := v.checkCommon(ev.Symbol, ev.Exchange, ev.Price, ev.Side, ev.VolumeUSD, ev.Timestamp); err != nil {
		return err
	}

	if ev.VolumeUSD > warnLiquidationMaxUSD {
		v.log.Warn().Str("symbol", ev.Symbol).Float64("volume_usd", ev.VolumeUSD).
			Msg("liquidation volume unusually large")
	} else if ev.VolumeUSD > 0 && ev.VolumeUSD < warnLiquidationMinUSD {
		v.log.Debug().Str("symbol", ev.Symbol).Float64("volume_usd", ev.VolumeUSD).
			Msg("dust liquidation")
	}
	v.warnCommon(ev.Symbol, ev.Exchange, ev.Price)
	return nil
}

// ValidateTrade rejects malformed trade events.
func (v *Validator) ValidateTrade(ev TradeEvent) error {
	if err := v.checkCommon(ev.Symbol, ev.Exchange, ev.Price, ev.Side, ev.VolumeUSD, ev.Timestamp); err != nil {
		return err
	}

	if ev.VolumeUSD > warnTradeMaxUSD {
		v.log.Warn().Str("symbol", ev.Symbol).Float64("volume_usd", ev.VolumeUSD).
			Msg("trade volume unusually large")
	}
	v.warnCommon(ev.Symbol, ev.Exchange, ev.Price)
	return nil
}

func (v *Validator) checkCommon(symbol, exchange string, price float64, side int, vol float64, ts int64) error {
	if symbol == "" {
		return ErrMissingSymbol
	}
	if exchange == "" {
		return ErrMissingExchange
	}
	if price < 0 {
		return ErrNegativePrice
	}
	if side != 1 && side != 2 {
		return ErrInvalidSide
	}
	if vol < 0 {
		return ErrNegativeVolume
	}
	if ts <= 0 {
		return ErrInvalidTime
	}
	return nil
}

func (v *Validator) warnCommon(symbol, exchange string, price float64) {
	if price > warnPriceMaxUSD {
		v.log.Warn().Str("symbol", symbol).Float64("price", price).Msg("price unusually high")
	}
	if len(symbol) < 3 {
		v.log.Warn().Str("symbol", symbol).Msg("symbol shorter than expected")
	}
	if exchange != "" && !knownExchanges[exchange] {
		v.log.Debug().Str("exchange", exchange).Msg("event from unlisted exchange")
	}
}
