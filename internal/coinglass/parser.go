package coinglass

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flexNumber accepts both JSON numbers and numeric strings. The upstream
// mixes the two freely across exchanges.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*f = flexNumber(v)
	return nil
}

// rawEvent is the flat wire schema shared by liquidation and trade frames.
// Volume arrives under the key "vol".
type rawEvent struct {
	Symbol   string     `json:"symbol"`
	Exchange string     `json:"exchange"`
	Price    flexNumber `json:"price"`
	Side     int        `json:"side"`
	Vol      flexNumber `json:"vol"`
	Time     int64      `json:"time"`
}

// classifyFrame inspects a decoded frame and reports what it carries.
func classifyFrame(frame *serverFrame) MessageType {
	if frame.Channel != "" {
		if frame.Channel == ChannelLiquidations {
			return MessageLiquidation
		}
		if PairFromTradeChannel(frame.Channel) != "" {
			return MessageTrade
		}
		return MessageUnknown
	}
	switch strings.ToLower(frame.Event) {
	case "login":
		return MessageLogin
	case "ping":
		return MessagePing
	case "pong":
		return MessagePong
	case "subscribe":
		return MessageSubscribe
	case "unsubscribe":
		return MessageUnsubscribe
	default:
		return MessageUnknown
	}
}

// decodeFrame parses one inbound frame envelope.
func decodeFrame(raw []byte) (*serverFrame, MessageType, error) {
	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, MessageUnknown, fmt.Errorf("decoding frame: %w", err)
	}
	return &frame, classifyFrame(&frame), nil
}

// decodeRawEvents unwraps a data payload into raw events. The upstream
// sends either a single object or a list.
func decodeRawEvents(data json.RawMessage) ([]rawEvent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var events []rawEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decoding event list: %w", err)
		}
		return events, nil
	}
	var event rawEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return []rawEvent{event}, nil
}

// ParseLiquidations converts a liquidation data payload into events.
// Symbols are normalized to upper case; malformed payloads error as a unit.
func ParseLiquidations(data json.RawMessage) ([]LiquidationEvent, error) {
	raws, err := decodeRawEvents(data)
	if err != nil {
		return nil, err
	}
	events := make([]LiquidationEvent, 0, len(raws))
	for _, r := range raws {
		events = append(events, LiquidationEvent{
			Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
			Exchange:  r.Exchange,
			Price:     float64(r.Price),
			Side:      r.Side,
			VolumeUSD: float64(r.Vol),
			Timestamp: r.Time,
		})
	}
	return events, nil
}

// ParseTrades converts a trades data payload into events.
func ParseTrades(data json.RawMessage) ([]TradeEvent, error) {
	raws, err := decodeRawEvents(data)
	if err != nil {
		return nil, err
	}
	events := make([]TradeEvent, 0, len(raws))
	for _, r := range raws {
		events = append(events, TradeEvent{
			Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
			Exchange:  r.Exchange,
			Price:     float64(r.Price),
			Side:      r.Side,
			VolumeUSD: float64(r.Vol),
			Timestamp: r.Time,
		})
	}
	return events, nil
}
