// Package cache mirrors live pipeline state into Redis so a restart
// can warm the dashboard before the stream catches up. Redis is
// optional; when it is unreachable the service degrades and callers
// fall back to the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"teleglas-pro/config"
)

// Cache keys. Order flow and market snapshots are hashes keyed by
// symbol, recent signals a capped list with the newest entry first.
const (
	keyStats         = "teleglas:stats"
	keyOrderFlow     = "teleglas:orderflow"
	keyRecentSignals = "teleglas:signals:recent"
	keyMarketOI      = "teleglas:market:oi"
	keyMarketFunding = "teleglas:market:funding"
)

const (
	snapshotTTL      = 10 * time.Minute
	marketTTL        = 30 * time.Minute
	recentSignalsCap = 50
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// Snapshots provides Redis-backed state snapshots with graceful
// degradation. When Redis is unavailable, operations return
// ErrUnavailable and callers should continue without the cache.
type Snapshots struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewSnapshots connects to Redis and verifies connectivity. A failed
// initial ping returns the service in degraded mode, not an error.
func NewSnapshots(cfg config.RedisConfig, logger zerolog.Logger) (*Snapshots, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Snapshots{
		client:        client,
		log:           logger.With().Str("component", "snapshot_cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Initial Redis connection failed, cache degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.log.Info().Str("address", cfg.Address).Msg("Redis connected")
	return s, nil
}

// IsHealthy returns whether Redis is currently available.
func (s *Snapshots) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Snapshots) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.log.Warn().Int("failures", s.failureCount).Msg("Circuit breaker OPEN, Redis marked unhealthy")
		}
		s.healthy = false
	}
}

func (s *Snapshots) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.log.Info().Msg("Circuit breaker CLOSED, Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth schedules a background ping once the breaker has been
// open for checkInterval.
func (s *Snapshots) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if shouldCheck {
		s.lastCheck = time.Now()
	}
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// SaveStats stores the latest stats snapshot.
func (s *Snapshots) SaveStats(ctx context.Context, stats map[string]interface{}) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := s.client.Set(ctx, keyStats, data, snapshotTTL).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// LoadStats returns the cached stats snapshot, or nil on a cache miss.
func (s *Snapshots) LoadStats(ctx context.Context) (map[string]interface{}, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return nil, ErrUnavailable
	}

	raw, err := s.client.Get(ctx, keyStats).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()
	var stats map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return stats, nil
}

// SaveOrderFlow stores the latest flow view for one symbol.
func (s *Snapshots) SaveOrderFlow(ctx context.Context, symbol string, view interface{}) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal order flow: %w", err)
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyOrderFlow, symbol, data)
		pipe.Expire(ctx, keyOrderFlow, snapshotTTL)
		return nil
	})
	if err != nil {
		s.recordFailure()
		return fmt.Errorf("redis hset failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// LoadOrderFlow returns every cached flow view as raw JSON keyed by
// symbol.
func (s *Snapshots) LoadOrderFlow(ctx context.Context) (map[string]string, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return nil, ErrUnavailable
	}

	views, err := s.client.HGetAll(ctx, keyOrderFlow).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	s.recordSuccess()
	return views, nil
}

// SaveOISnapshot stores the latest open-interest snapshot for one base
// symbol.
func (s *Snapshots) SaveOISnapshot(ctx context.Context, symbol string, snap interface{}) error {
	return s.saveMarketSnapshot(ctx, keyMarketOI, symbol, snap)
}

// SaveFundingSnapshot stores the latest funding snapshot for one base
// symbol.
func (s *Snapshots) SaveFundingSnapshot(ctx context.Context, symbol string, snap interface{}) error {
	return s.saveMarketSnapshot(ctx, keyMarketFunding, symbol, snap)
}

func (s *Snapshots) saveMarketSnapshot(ctx context.Context, key, symbol string, snap interface{}) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal market snapshot: %w", err)
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, symbol, data)
		pipe.Expire(ctx, key, marketTTL)
		return nil
	})
	if err != nil {
		s.recordFailure()
		return fmt.Errorf("redis hset failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// LoadOISnapshots returns every cached open-interest snapshot as raw
// JSON keyed by base symbol.
func (s *Snapshots) LoadOISnapshots(ctx context.Context) (map[string]string, error) {
	return s.loadMarketSnapshots(ctx, keyMarketOI)
}

// LoadFundingSnapshots returns every cached funding snapshot as raw
// JSON keyed by base symbol.
func (s *Snapshots) LoadFundingSnapshots(ctx context.Context) (map[string]string, error) {
	return s.loadMarketSnapshots(ctx, keyMarketFunding)
}

func (s *Snapshots) loadMarketSnapshots(ctx context.Context, key string) (map[string]string, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return nil, ErrUnavailable
	}

	rows, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	s.recordSuccess()
	return rows, nil
}

// PushSignal prepends one signal to the capped recent list.
func (s *Snapshots) PushSignal(ctx context.Context, sig interface{}) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, keyRecentSignals, data)
		pipe.LTrim(ctx, keyRecentSignals, 0, recentSignalsCap-1)
		pipe.Expire(ctx, keyRecentSignals, snapshotTTL)
		return nil
	})
	if err != nil {
		s.recordFailure()
		return fmt.Errorf("redis lpush failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// RecentSignals returns the cached signal list as raw JSON, newest
// first.
func (s *Snapshots) RecentSignals(ctx context.Context) ([]string, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return nil, ErrUnavailable
	}

	rows, err := s.client.LRange(ctx, keyRecentSignals, 0, -1).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	s.recordSuccess()
	return rows, nil
}

// Close closes the Redis connection.
func (s *Snapshots) Close() error {
	return s.client.Close()
}

func (s *Snapshots) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"healthy":       s.healthy,
		"failure_count": s.failureCount,
	}
}
