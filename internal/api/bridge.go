package api

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/detectors"
	"teleglas-pro/internal/signals"
)

// Dashboard keeps the most recent signals only; older ones live in storage.
const maxDashboardSignals = 200

// Subscription actions queued for the supervisor.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Push event types streamed to dashboard clients.
const (
	eventInitialState    = "initial_state"
	eventStatsUpdate     = "stats_update"
	eventNewSignal       = "new_signal"
	eventOrderFlowUpdate = "order_flow_update"
	eventCoinAdded       = "coin_added"
	eventCoinRemoved     = "coin_removed"
	eventCoinToggled     = "coin_toggled"
)

var (
	ErrCoinExists   = errors.New("coin already monitored")
	ErrCoinNotFound = errors.New("coin not found")
)

// CoinStatus is one monitored coin as shown on the dashboard.
type CoinStatus struct {
	Symbol     string  `json:"symbol"`
	Active     bool    `json:"active"`
	BuyRatio   float64 `json:"buy_ratio"`
	SellRatio  float64 `json:"sell_ratio"`
	LargeBuys  int     `json:"large_buys"`
	LargeSells int     `json:"large_sells"`
	LastUpdate string  `json:"last_update"`
}

// FlowView is the latest order-flow snapshot for one symbol.
type FlowView struct {
	Symbol     string  `json:"symbol"`
	BuyRatio   float64 `json:"buy_ratio"`
	SellRatio  float64 `json:"sell_ratio"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	LargeBuys  int     `json:"large_buys"`
	LargeSells int     `json:"large_sells"`
	NetDelta   float64 `json:"net_delta"`
	LastUpdate string  `json:"last_update"`
}

// DashboardSignal is the trimmed signal view kept in memory for the UI.
type DashboardSignal struct {
	ID         int64   `json:"id"`
	Time       string  `json:"time"`
	Timestamp  string  `json:"timestamp"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Priority   int     `json:"priority"`
}

// SubscriptionRequest asks the supervisor to change stream subscriptions.
type SubscriptionRequest struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// BroadcastFunc pushes a state delta to connected dashboard clients.
type BroadcastFunc func(eventType string, data interface{})

// Bridge is the shared state between the analysis pipeline and the
// dashboard. All reads return copies; broadcasts happen after the lock
// is released so a slow socket can never stall the pipeline.
type Bridge struct {
	mu        sync.Mutex
	stats     map[string]interface{}
	coins     []CoinStatus
	signals   []DashboardSignal
	orderFlow map[string]FlowView
	signalSeq int64
	actions   []SubscriptionRequest

	broadcast BroadcastFunc
	log       zerolog.Logger
	now       func() time.Time
}

func NewBridge(logger zerolog.Logger) *Bridge {
	return &Bridge{
		stats:     make(map[string]interface{}),
		orderFlow: make(map[string]FlowView),
		log:       logger.With().Str("component", "dashboard_bridge").Logger(),
		now:       time.Now,
	}
}

// SetBroadcastFunc registers the push-socket fanout.
func (b *Bridge) SetBroadcastFunc(fn BroadcastFunc) {
	b.mu.Lock()
	b.broadcast = fn
	b.mu.Unlock()
}

// InitializeCoins seeds the coin list at startup.
func (b *Bridge) InitializeCoins(symbols []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coins = b.coins[:0]
	for _, symbol := range symbols {
		b.coins = append(b.coins, CoinStatus{
			Symbol:     symbol,
			Active:     true,
			LastUpdate: "N/A",
		})
	}
}

// RestoreCoins reloads a persisted coin list, keeping stored active flags.
func (b *Bridge) RestoreCoins(coins []CoinStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coins = append(b.coins[:0], coins...)
}

// RestoreSignals seeds the signal feed from a cached snapshot, oldest
// first. The ID sequence continues from the highest restored ID.
func (b *Bridge) RestoreSignals(entries []DashboardSignal) {
	if len(entries) > maxDashboardSignals {
		entries = entries[len(entries)-maxDashboardSignals:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals[:0], entries...)
	for _, entry := range entries {
		if entry.ID > b.signalSeq {
			b.signalSeq = entry.ID
		}
	}
}

// RestoreOrderFlow seeds one symbol's flow snapshot from a cached copy
// without notifying clients.
func (b *Bridge) RestoreOrderFlow(symbol string, view FlowView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderFlow[symbol] = view
	for i := range b.coins {
		if b.coins[i].Symbol == symbol {
			b.coins[i].BuyRatio = view.BuyRatio
			b.coins[i].SellRatio = view.SellRatio
			b.coins[i].LargeBuys = view.LargeBuys
			b.coins[i].LargeSells = view.LargeSells
			b.coins[i].LastUpdate = view.LastUpdate
			break
		}
	}
}

// UpdateStats replaces the stats snapshot and pushes it to clients.
func (b *Bridge) UpdateStats(stats map[string]interface{}) {
	snapshot := copyMap(stats)

	b.mu.Lock()
	b.stats = snapshot
	fn := b.broadcast
	b.mu.Unlock()

	if fn != nil {
		fn(eventStatsUpdate, copyMap(snapshot))
	}
}

// Stats returns a copy of the current stats snapshot.
func (b *Bridge) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyMap(b.stats)
}

// AddSignal records a signal for the dashboard and pushes it to clients.
func (b *Bridge) AddSignal(sig *signals.TradingSignal) DashboardSignal {
	now := b.now().UTC()

	b.mu.Lock()
	b.signalSeq++
	entry := DashboardSignal{
		ID:         b.signalSeq,
		Time:       now.Format("15:04:05"),
		Timestamp:  now.Format(time.RFC3339),
		Symbol:     sig.Symbol,
		Type:       sig.Type,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Priority:   sig.Priority,
	}
	b.signals = append(b.signals, entry)
	if len(b.signals) > maxDashboardSignals {
		b.signals = b.signals[len(b.signals)-maxDashboardSignals:]
	}
	fn := b.broadcast
	b.mu.Unlock()

	if fn != nil {
		fn(eventNewSignal, entry)
	}
	return entry
}

// Signals returns up to limit recent signals, most recent first.
func (b *Bridge) Signals(limit int) []DashboardSignal {
	if limit < 1 {
		limit = 1
	}
	if limit > maxDashboardSignals {
		limit = maxDashboardSignals
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := len(b.signals) - limit
	if start < 0 {
		start = 0
	}
	out := make([]DashboardSignal, 0, len(b.signals)-start)
	for i := len(b.signals) - 1; i >= start; i-- {
		out = append(out, b.signals[i])
	}
	return out
}

// UpdateOrderFlow publishes the latest flow analysis for a symbol and
// refreshes the coin row if the symbol is monitored.
func (b *Bridge) UpdateOrderFlow(symbol string, flow *detectors.OrderFlowSignal) {
	view := FlowView{
		Symbol:     symbol,
		BuyRatio:   flow.BuyRatio,
		SellRatio:  1 - flow.BuyRatio,
		BuyVolume:  flow.BuyVolume,
		SellVolume: flow.SellVolume,
		LargeBuys:  flow.LargeBuys,
		LargeSells: flow.LargeSells,
		NetDelta:   flow.NetDelta,
		LastUpdate: b.now().UTC().Format("15:04:05"),
	}

	b.mu.Lock()
	b.orderFlow[symbol] = view
	for i := range b.coins {
		if b.coins[i].Symbol == symbol {
			b.coins[i].BuyRatio = view.BuyRatio
			b.coins[i].SellRatio = view.SellRatio
			b.coins[i].LargeBuys = view.LargeBuys
			b.coins[i].LargeSells = view.LargeSells
			b.coins[i].LastUpdate = "just now"
			break
		}
	}
	fn := b.broadcast
	b.mu.Unlock()

	if fn != nil {
		fn(eventOrderFlowUpdate, view)
	}
}

// OrderFlow returns the latest flow snapshot for a symbol.
func (b *Bridge) OrderFlow(symbol string) (FlowView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	view, ok := b.orderFlow[symbol]
	return view, ok
}

// Coins returns a copy of the monitored coin list.
func (b *Bridge) Coins() []CoinStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CoinStatus, len(b.coins))
	copy(out, b.coins)
	return out
}

// CoinCount returns the number of monitored coins.
func (b *Bridge) CoinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.coins)
}

// AddCoin starts monitoring a new symbol and queues a subscribe request.
func (b *Bridge) AddCoin(symbol string) (CoinStatus, error) {
	coin := CoinStatus{
		Symbol:     symbol,
		Active:     true,
		LastUpdate: "just added",
	}

	b.mu.Lock()
	for _, existing := range b.coins {
		if existing.Symbol == symbol {
			b.mu.Unlock()
			return CoinStatus{}, ErrCoinExists
		}
	}
	b.coins = append(b.coins, coin)
	b.actions = append(b.actions, SubscriptionRequest{Action: ActionSubscribe, Symbol: symbol})
	fn := b.broadcast
	b.mu.Unlock()

	b.log.Info().Str("symbol", symbol).Msg("Coin added to monitoring")
	if fn != nil {
		fn(eventCoinAdded, coin)
	}
	return coin, nil
}

// RemoveCoin stops monitoring a symbol and queues an unsubscribe request.
func (b *Bridge) RemoveCoin(symbol string) {
	b.mu.Lock()
	kept := b.coins[:0]
	for _, coin := range b.coins {
		if coin.Symbol != symbol {
			kept = append(kept, coin)
		}
	}
	b.coins = kept
	delete(b.orderFlow, symbol)
	b.actions = append(b.actions, SubscriptionRequest{Action: ActionUnsubscribe, Symbol: symbol})
	fn := b.broadcast
	b.mu.Unlock()

	b.log.Info().Str("symbol", symbol).Msg("Coin removed from monitoring")
	if fn != nil {
		fn(eventCoinRemoved, map[string]string{"symbol": symbol})
	}
}

// ToggleCoin flips alert delivery for a monitored symbol.
func (b *Bridge) ToggleCoin(symbol string, active bool) (CoinStatus, error) {
	b.mu.Lock()
	var updated *CoinStatus
	for i := range b.coins {
		if b.coins[i].Symbol == symbol {
			b.coins[i].Active = active
			coin := b.coins[i]
			updated = &coin
			break
		}
	}
	fn := b.broadcast
	b.mu.Unlock()

	if updated == nil {
		return CoinStatus{}, ErrCoinNotFound
	}
	if fn != nil {
		fn(eventCoinToggled, *updated)
	}
	return *updated, nil
}

// IsActive reports whether alerts are enabled for a symbol.
func (b *Bridge) IsActive(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, coin := range b.coins {
		if coin.Symbol == symbol {
			return coin.Active
		}
	}
	return false
}

// ActiveCoins returns the symbols with alerts enabled.
func (b *Bridge) ActiveCoins() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.coins))
	for _, coin := range b.coins {
		if coin.Active {
			out = append(out, coin.Symbol)
		}
	}
	return out
}

// DrainActions empties and returns the pending subscription requests.
func (b *Bridge) DrainActions() []SubscriptionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.actions) == 0 {
		return nil
	}
	out := make([]SubscriptionRequest, len(b.actions))
	copy(out, b.actions)
	b.actions = b.actions[:0]
	return out
}

// Snapshot returns the full dashboard state for a newly connected client.
func (b *Bridge) Snapshot() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	coins := make([]CoinStatus, len(b.coins))
	copy(coins, b.coins)
	sigs := make([]DashboardSignal, len(b.signals))
	copy(sigs, b.signals)
	flows := make(map[string]FlowView, len(b.orderFlow))
	for symbol, view := range b.orderFlow {
		flows[symbol] = view
	}

	return map[string]interface{}{
		"stats":      copyMap(b.stats),
		"coins":      coins,
		"signals":    sigs,
		"order_flow": flows,
	}
}

func (b *Bridge) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"coins":           len(b.coins),
		"signals_held":    len(b.signals),
		"pending_actions": len(b.actions),
	}
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
