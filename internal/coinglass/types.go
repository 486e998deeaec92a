// Package coinglass implements the CoinGlass market data feeds: the push
// stream carrying liquidation and trade events and the REST poller for
// open interest and funding rate history.
package coinglass

import (
	"encoding/json"
	"strings"
)

// Event sides on the wire. Liquidations: 1 = long position liquidated,
// 2 = short position liquidated. Trades: 1 = sell, 2 = buy.
const (
	SideLongLiquidated  = 1
	SideShortLiquidated = 2
	SideSell            = 1
	SideBuy             = 2
)

// LiquidationEvent is a single forced-close reported by the stream.
// Immutable once accepted into a buffer.
type LiquidationEvent struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Price     float64 `json:"price"`
	Side      int     `json:"side"`
	VolumeUSD float64 `json:"volume_usd"`
	Timestamp int64   `json:"timestamp"` // ms since epoch, server clock
}

// TradeEvent is a single aggregated futures trade from the stream.
type TradeEvent struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Price     float64 `json:"price"`
	Side      int     `json:"side"`
	VolumeUSD float64 `json:"volume_usd"`
	Timestamp int64   `json:"timestamp"`
}

// OISnapshot holds the latest two hourly open-interest closes for a base
// symbol, produced by the REST poller.
type OISnapshot struct {
	Symbol        string  `json:"symbol"`
	CurrentOIUSD  float64 `json:"current_oi_usd"`
	PreviousOIUSD float64 `json:"previous_oi_usd"`
	OIHighUSD     float64 `json:"oi_high_usd"`
	OILowUSD      float64 `json:"oi_low_usd"`
	ChangePct     float64 `json:"oi_change_pct"`
	RecordedAt    int64   `json:"recorded_at"` // ms, wall clock at poll
}

// FundingSnapshot holds the latest two hourly funding-rate closes for a
// base symbol.
type FundingSnapshot struct {
	Symbol       string  `json:"symbol"`
	CurrentRate  float64 `json:"current_rate"`
	PreviousRate float64 `json:"previous_rate"`
	RateHigh     float64 `json:"rate_high"`
	RateLow      float64 `json:"rate_low"`
	RecordedAt   int64   `json:"recorded_at"`
}

// MessageType classifies an inbound stream frame.
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageLogin
	MessagePing
	MessagePong
	MessageSubscribe
	MessageUnsubscribe
	MessageLiquidation
	MessageTrade
)

func (m MessageType) String() string {
	switch m {
	case MessageLogin:
		return "login"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	case MessageSubscribe:
		return "subscribe"
	case MessageUnsubscribe:
		return "unsubscribe"
	case MessageLiquidation:
		return "liquidation"
	case MessageTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Stream channels.
const (
	ChannelLiquidations = "liquidationOrders"
	tradeChannelPrefix  = "futures_trades@all_"
	tradeChannelSuffix  = "@0"
)

// TradeChannel returns the per-pair aggregated trades channel name.
func TradeChannel(pair string) string {
	return tradeChannelPrefix + strings.ToUpper(pair) + tradeChannelSuffix
}

// PairFromTradeChannel extracts the pair symbol from a trades channel name.
// Returns "" if the channel is not a trades channel.
func PairFromTradeChannel(channel string) string {
	if !strings.HasPrefix(channel, tradeChannelPrefix) {
		return ""
	}
	pair := strings.TrimPrefix(channel, tradeChannelPrefix)
	return strings.TrimSuffix(pair, tradeChannelSuffix)
}

// normalizeSymbol upper-cases and trims a symbol.
func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// BaseSymbol converts a pair symbol to the base symbol used by the REST
// endpoints, stripping a single quote-currency suffix.
func BaseSymbol(pair string) string {
	pair = strings.ToUpper(pair)
	for _, suffix := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(pair, suffix) && len(pair) > len(suffix) {
			return strings.TrimSuffix(pair, suffix)
		}
	}
	return pair
}

// Client→server frames.

type loginFrame struct {
	Event  string      `json:"event"`
	Params loginParams `json:"params"`
}

type loginParams struct {
	APIKey string `json:"apiKey"`
}

type pingFrame struct {
	Event string `json:"event"`
}

type channelFrame struct {
	Method   string   `json:"method"`
	Channels []string `json:"channels"`
}

// serverFrame is the inbound frame envelope. Control frames carry event and
// code; data frames carry channel and data. Data may be a single object or
// a list, so it stays raw until routed. Codes arrive as numbers or strings
// depending on the endpoint.
type serverFrame struct {
	Event   string          `json:"event"`
	Code    flexNumber      `json:"code"`
	Msg     string          `json:"msg"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}
