package database

// SignalRecord is one persisted signal row. Nullable columns map to
// pointers so pending signals serialize without zero-value noise.
type SignalRecord struct {
	ID           string   `db:"id" json:"id"`
	Symbol       string   `db:"symbol" json:"symbol"`
	SignalType   string   `db:"signal_type" json:"signal_type"`
	Direction    string   `db:"direction" json:"direction"`
	Confidence   float64  `db:"confidence" json:"confidence"`
	EntryPrice   float64  `db:"entry_price" json:"entry_price"`
	StopLoss     float64  `db:"stop_loss" json:"stop_loss"`
	TargetPrice  float64  `db:"target_price" json:"target_price"`
	ExitPrice    *float64 `db:"exit_price" json:"exit_price,omitempty"`
	Outcome      *string  `db:"outcome" json:"outcome,omitempty"`
	PnlPct       *float64 `db:"pnl_pct" json:"pnl_pct,omitempty"`
	MetadataJSON string   `db:"metadata_json" json:"metadata_json,omitempty"`
	CreatedAt    float64  `db:"created_at" json:"created_at"`
	CheckedAt    *float64 `db:"checked_at" json:"checked_at,omitempty"`
}

// SignalStats is the aggregate outcome summary across all signals.
type SignalStats struct {
	Total   int64    `db:"total" json:"total"`
	Wins    int64    `db:"wins" json:"wins"`
	Losses  int64    `db:"losses" json:"losses"`
	Neutral int64    `db:"neutral" json:"neutral"`
	Pending int64    `db:"pending" json:"pending"`
	AvgPnl  *float64 `db:"avg_pnl" json:"avg_pnl"`
	AvgWin  *float64 `db:"avg_win" json:"avg_win"`
	AvgLoss *float64 `db:"avg_loss" json:"avg_loss"`
}

// TypeStats is the outcome summary for one signal type.
type TypeStats struct {
	SignalType string   `db:"signal_type" json:"signal_type"`
	Total      int64    `db:"total" json:"total"`
	Wins       int64    `db:"wins" json:"wins"`
	Losses     int64    `db:"losses" json:"losses"`
	AvgPnl     *float64 `db:"avg_pnl" json:"avg_pnl"`
}

// ConfidenceStateRecord is the persisted learning state for one signal
// type. History is marshaled to history_json on write.
type ConfidenceStateRecord struct {
	SignalType string  `json:"signal_type"`
	WinRate    float64 `json:"win_rate"`
	History    []bool  `json:"history"`
}

// CoinRecord is one persisted dashboard coin.
type CoinRecord struct {
	Symbol  string  `db:"symbol" json:"symbol"`
	Active  bool    `db:"active" json:"active"`
	AddedAt float64 `db:"added_at" json:"added_at"`
}

// BaselineRecord is one persisted hourly volume baseline.
type BaselineRecord struct {
	ID          int64   `db:"id" json:"id"`
	Symbol      string  `db:"symbol" json:"symbol"`
	LiqVolume   float64 `db:"liq_volume" json:"liq_volume"`
	TradeVolume float64 `db:"trade_volume" json:"trade_volume"`
	RecordedAt  float64 `db:"recorded_at" json:"recorded_at"`
}

// OISnapshot is one open-interest poll result.
type OISnapshot struct {
	ID            int64   `db:"id" json:"id"`
	Symbol        string  `db:"symbol" json:"symbol"`
	CurrentOIUSD  float64 `db:"current_oi_usd" json:"current_oi_usd"`
	PreviousOIUSD float64 `db:"previous_oi_usd" json:"previous_oi_usd"`
	OIHighUSD     float64 `db:"oi_high_usd" json:"oi_high_usd"`
	OILowUSD      float64 `db:"oi_low_usd" json:"oi_low_usd"`
	OIChangePct   float64 `db:"oi_change_pct" json:"oi_change_pct"`
	RecordedAt    float64 `db:"recorded_at" json:"recorded_at"`
}

// FundingSnapshot is one funding-rate poll result.
type FundingSnapshot struct {
	ID           int64   `db:"id" json:"id"`
	Symbol       string  `db:"symbol" json:"symbol"`
	CurrentRate  float64 `db:"current_rate" json:"current_rate"`
	PreviousRate float64 `db:"previous_rate" json:"previous_rate"`
	RateHigh     float64 `db:"rate_high" json:"rate_high"`
	RateLow      float64 `db:"rate_low" json:"rate_low"`
	RecordedAt   float64 `db:"recorded_at" json:"recorded_at"`
}
