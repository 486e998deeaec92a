package coinglass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	oiHistoryPath      = "/api/futures/open-interest/aggregated-history"
	fundingHistoryPath = "/api/futures/funding-rate/oi-weight-history"

	apiKeyHeader = "CG-API-KEY"
)

var ErrTooFewCandles = errors.New("upstream returned fewer than two candles")

// ohlcResponse is the REST OHLC envelope. Numeric values arrive as strings.
type ohlcResponse struct {
	Code flexNumber   `json:"code"`
	Msg  string       `json:"msg"`
	Data []ohlcCandle `json:"data"`
}

type ohlcCandle struct {
	Time  int64      `json:"time"`
	Open  flexNumber `json:"open"`
	High  flexNumber `json:"high"`
	Low   flexNumber `json:"low"`
	Close flexNumber `json:"close"`
}

// PollerOptions configures the REST poller.
type PollerOptions struct {
	BaseURL      string
	APIKey       string
	Interval     time.Duration
	Jitter       time.Duration
	RequestDelay time.Duration
	Symbols      []string // base symbols
}

func (o *PollerOptions) withDefaults() PollerOptions {
	opts := *o
	if opts.Interval == 0 {
		opts.Interval = 300 * time.Second
	}
	if opts.Jitter == 0 {
		opts.Jitter = 10 * time.Second
	}
	if opts.RequestDelay == 0 {
		opts.RequestDelay = 2 * time.Second
	}
	return opts
}

// Poller fetches hourly OI and funding OHLC per base symbol on a fixed
// interval and emits snapshots through callbacks. All failures are soft:
// the poll is skipped and counted, stale context stays in place.
type Poller struct {
	mu sync.Mutex

	opts    PollerOptions
	log     zerolog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	symbols []string

	onOI      func(OISnapshot)
	onFunding func(FundingSnapshot)

	polls  int64
	errors int64
}

// NewPoller creates a REST poller. Run starts the loop.
func NewPoller(opts PollerOptions, logger zerolog.Logger) *Poller {
	log := logger.With().Str("component", "rest_poller").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coinglass-rest",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	o := opts.withDefaults()
	return &Poller{
		opts:    o,
		log:     log,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: breaker,
		symbols: dedupeUpper(o.Symbols),
	}
}

// SetOICallback sets the handler for fresh open-interest snapshots.
func (p *Poller) SetOICallback(cb func(OISnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOI = cb
}

// SetFundingCallback sets the handler for fresh funding snapshots.
func (p *Poller) SetFundingCallback(cb func(FundingSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFunding = cb
}

// UpdateSymbols replaces the polled base-symbol set. Takes effect on the
// next cycle.
func (p *Poller) UpdateSymbols(symbols []string) {
	deduped := dedupeUpper(symbols)
	p.mu.Lock()
	p.symbols = deduped
	p.mu.Unlock()
	p.log.Info().Int("symbols", len(deduped)).Msg("poll symbol set updated")
}

// Symbols returns a copy of the current base-symbol set.
func (p *Poller) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.symbols))
	copy(out, p.symbols)
	return out
}

// GetStats returns poller statistics for the dashboard.
func (p *Poller) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"polls":         p.polls,
		"errors":        p.errors,
		"symbols":       len(p.symbols),
		"breaker_state": p.breaker.State().String(),
	}
}

// Run polls until the context is cancelled. The first cycle starts
// immediately so market context is available soon after boot.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.pollOnce(ctx)

		delay := p.opts.Interval
		if p.opts.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(p.opts.Jitter)))
		}
		select {
		case <-ctx.Done():
			p.log.Info().Msg("rest poller stopped")
			return
		case <-time.After(delay):
		}
	}
}

// pollOnce walks the symbol set, fetching OI then funding per symbol with
// the configured pacing delays.
func (p *Poller) pollOnce(ctx context.Context) {
	symbols := p.Symbols()
	if len(symbols) == 0 {
		return
	}

	p.mu.Lock()
	p.polls++
	p.mu.Unlock()

	for i, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}

		if snap, err := p.fetchOI(ctx, symbol); err != nil {
			p.countError()
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("oi poll failed")
		} else {
			p.mu.Lock()
			cb := p.onOI
			p.mu.Unlock()
			if cb != nil {
				cb(snap)
			}
		}

		if !sleepCtx(ctx, p.opts.RequestDelay/2) {
			return
		}

		if snap, err := p.fetchFunding(ctx, symbol); err != nil {
			p.countError()
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("funding poll failed")
		} else {
			p.mu.Lock()
			cb := p.onFunding
			p.mu.Unlock()
			if cb != nil {
				cb(snap)
			}
		}

		if i < len(symbols)-1 {
			if !sleepCtx(ctx, p.opts.RequestDelay) {
				return
			}
		}
	}
}

func (p *Poller) fetchOI(ctx context.Context, symbol string) (OISnapshot, error) {
	last, prev, err := p.fetchOHLC(ctx, oiHistoryPath, symbol)
	if err != nil {
		return OISnapshot{}, err
	}
	cur, previous := float64(last.Close), float64(prev.Close)
	return OISnapshot{
		Symbol:        symbol,
		CurrentOIUSD:  cur,
		PreviousOIUSD: previous,
		OIHighUSD:     float64(last.High),
		OILowUSD:      float64(last.Low),
		ChangePct:     percentChange(cur, previous),
		RecordedAt:    time.Now().UnixMilli(),
	}, nil
}

func (p *Poller) fetchFunding(ctx context.Context, symbol string) (FundingSnapshot, error) {
	last, prev, err := p.fetchOHLC(ctx, fundingHistoryPath, symbol)
	if err != nil {
		return FundingSnapshot{}, err
	}
	return FundingSnapshot{
		Symbol:       symbol,
		CurrentRate:  float64(last.Close),
		PreviousRate: float64(prev.Close),
		RateHigh:     float64(last.High),
		RateLow:      float64(last.Low),
		RecordedAt:   time.Now().UnixMilli(),
	}, nil
}

// fetchOHLC requests the latest two hourly candles through the circuit
// breaker and returns (latest, previous).
func (p *Poller) fetchOHLC(ctx context.Context, path, symbol string) (ohlcCandle, ohlcCandle, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doFetch(ctx, path, symbol)
	})
	if err != nil {
		return ohlcCandle{}, ohlcCandle{}, err
	}
	candles := result.([]ohlcCandle)
	return candles[len(candles)-1], candles[len(candles)-2], nil
}

func (p *Poller) doFetch(ctx context.Context, path, symbol string) ([]ohlcCandle, error) {
	u := fmt.Sprintf("%s%s?symbol=%s&interval=1h&limit=2",
		p.opts.BaseURL, path, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(apiKeyHeader, p.opts.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("upstream status %d for %s", resp.StatusCode, path)
	}

	var body ohlcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", path, err)
	}
	if body.Code != 0 {
		return nil, fmt.Errorf("upstream code %v (%s) for %s", float64(body.Code), body.Msg, path)
	}
	if len(body.Data) < 2 {
		return nil, ErrTooFewCandles
	}
	return body.Data, nil
}

func (p *Poller) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func percentChange(current, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

func dedupeUpper(symbols []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = normalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
