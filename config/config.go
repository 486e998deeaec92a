package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	PairsConfig     PairsConfig     `json:"pairs"`
	ThresholdConfig ThresholdConfig `json:"thresholds"`
	SignalConfig    SignalConfig    `json:"signals"`
	AlertConfig     AlertConfig     `json:"alerts"`
	BufferConfig    BufferConfig    `json:"buffers"`
	WebsocketConfig WebsocketConfig `json:"websocket"`
	Monitoring      Monitoring      `json:"monitoring"`
	AnalysisConfig  AnalysisConfig  `json:"analysis"`
	ContextConfig   ContextConfig   `json:"context"`
	DashboardConfig DashboardConfig `json:"dashboard"`
	StorageConfig   StorageConfig   `json:"storage"`
	CoinglassConfig CoinglassConfig `json:"coinglass"`
	TelegramConfig  TelegramConfig  `json:"telegram"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// PairsConfig lists the trade channels subscribed at startup. Primary pairs
// are always watched; secondary pairs are watched but start lower priority
// on the dashboard.
type PairsConfig struct {
	Primary   []string `json:"primary"`
	Secondary []string `json:"secondary"`
}

// ThresholdConfig holds the base USD thresholds shared by the detectors.
// Tiered cascade/absorption overrides live in Monitoring.
type ThresholdConfig struct {
	StopHuntUSD           float64 `json:"stop_hunt_usd"`            // Cascade volume to trigger stop hunt
	AbsorptionUSD         float64 `json:"absorption_usd"`           // Opposing volume to flag absorption
	LargeOrderUSD         float64 `json:"large_order_usd"`          // Single trade counted as "large"
	AbsorptionMinOrderUSD float64 `json:"absorption_min_order_usd"` // Smallest trade counted toward absorption
}

type SignalConfig struct {
	MinConfidence          float64 `json:"min_confidence"`           // Below this the generator emits nothing
	MaxSignalsPerHour      int     `json:"max_signals_per_hour"`     // Validator sliding-window cap
	CooldownMinutes        int     `json:"cooldown_minutes"`         // Per (symbol,type,direction) suppression
	DuplicateWindowMinutes int     `json:"duplicate_window_minutes"` // Confidence-banded dedup window
	LearningRate           float64 `json:"learning_rate"`            // EMA weight for the win-rate learner
	CheckIntervalSeconds   int     `json:"check_interval_seconds"`   // Tracker hold window
}

type AlertConfig struct {
	QueueSize      int     `json:"queue_size"`
	MaxRetries     int     `json:"max_retries"`
	RateLimitDelay float64 `json:"rate_limit_delay"` // Seconds between chat sends
}

type BufferConfig struct {
	MaxLiquidations int `json:"max_liquidations"` // Ring capacity per symbol
	MaxTrades       int `json:"max_trades"`
	MaxAgeSeconds   int `json:"max_age_seconds"` // Cleanup cutoff
}

type WebsocketConfig struct {
	URL                  string `json:"url"`
	PingIntervalSeconds  int    `json:"ping_interval_seconds"`
	ReadTimeoutSeconds   int    `json:"read_timeout_seconds"`
	LoginTimeoutSeconds  int    `json:"login_timeout_seconds"`
	MaxBackoffSeconds    int    `json:"max_backoff_seconds"`
	MaxTimeoutStrikes    int    `json:"max_timeout_strikes"`
}

// Monitoring holds symbol tiering and the analysis concurrency cap. Tier 1
// and tier 2 are explicit sets; everything else is tier 3.
type Monitoring struct {
	Mode                  string   `json:"mode"` // strict, normal, permissive
	Tier1Symbols          []string `json:"tier1_symbols"`
	Tier2Symbols          []string `json:"tier2_symbols"`
	Tier1Cascade          float64  `json:"tier1_cascade"`
	Tier2Cascade          float64  `json:"tier2_cascade"`
	Tier3Cascade          float64  `json:"tier3_cascade"`
	Tier1Absorption       float64  `json:"tier1_absorption"`
	Tier2Absorption       float64  `json:"tier2_absorption"`
	Tier3Absorption       float64  `json:"tier3_absorption"`
	MaxConcurrentAnalysis int      `json:"max_concurrent_analysis"`
}

type AnalysisConfig struct {
	StopHuntWindowSeconds   int     `json:"stop_hunt_window_seconds"`
	AbsorptionWindowSeconds int     `json:"absorption_window_seconds"`
	OrderFlowWindowSeconds  int     `json:"order_flow_window_seconds"`
	WhaleWindowSeconds      int     `json:"whale_window_seconds"`
	VolumeSpikeMultiplier   float64 `json:"volume_spike_multiplier"`
	DebounceSeconds         float64 `json:"debounce_seconds"`
}

// ContextConfig controls the OI/funding market-context filter.
type ContextConfig struct {
	Enabled          bool   `json:"enabled"`
	FilterMode       string `json:"filter_mode"` // strict, normal, permissive
	AdjustConfidence bool   `json:"adjust_confidence"`
}

type DashboardConfig struct {
	Enabled     bool     `json:"enabled"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	APIToken    string   `json:"api_token"`
	CORSOrigins []string `json:"cors_origins"`
}

type StorageConfig struct {
	Enabled      bool   `json:"enabled"`
	DatabasePath string `json:"database_path"`
}

type CoinglassConfig struct {
	APIKey              string  `json:"api_key"`
	RESTBaseURL         string  `json:"rest_base_url"`
	PollIntervalSeconds int     `json:"poll_interval_seconds"`
	PollJitterSeconds   int     `json:"poll_jitter_seconds"`
	RequestDelaySeconds float64 `json:"request_delay_seconds"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// RedisConfig holds the optional hot-cache connection. Disabled by default;
// when unreachable the system degrades to store-only warm starts.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds the optional secret source. When enabled, the CoinGlass
// API key and Telegram credentials are read from Vault instead of the file.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON lines instead of console output
}

func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file: start from defaults, env fills in the secrets
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero values with production defaults so a minimal
// config file (just the API key) runs the full pipeline.
func applyDefaults(cfg *Config) {
	if len(cfg.PairsConfig.Primary) == 0 {
		cfg.PairsConfig.Primary = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}

	if cfg.ThresholdConfig.StopHuntUSD == 0 {
		cfg.ThresholdConfig.StopHuntUSD = 2_000_000
	}
	if cfg.ThresholdConfig.AbsorptionUSD == 0 {
		cfg.ThresholdConfig.AbsorptionUSD = 100_000
	}
	if cfg.ThresholdConfig.LargeOrderUSD == 0 {
		cfg.ThresholdConfig.LargeOrderUSD = 10_000
	}
	if cfg.ThresholdConfig.AbsorptionMinOrderUSD == 0 {
		cfg.ThresholdConfig.AbsorptionMinOrderUSD = 5_000
	}

	if cfg.SignalConfig.MinConfidence == 0 {
		cfg.SignalConfig.MinConfidence = 65
	}
	if cfg.SignalConfig.MaxSignalsPerHour == 0 {
		cfg.SignalConfig.MaxSignalsPerHour = 50
	}
	if cfg.SignalConfig.CooldownMinutes == 0 {
		cfg.SignalConfig.CooldownMinutes = 5
	}
	if cfg.SignalConfig.DuplicateWindowMinutes == 0 {
		cfg.SignalConfig.DuplicateWindowMinutes = 10
	}
	if cfg.SignalConfig.LearningRate == 0 {
		cfg.SignalConfig.LearningRate = 0.1
	}
	if cfg.SignalConfig.CheckIntervalSeconds == 0 {
		cfg.SignalConfig.CheckIntervalSeconds = 900
	}

	if cfg.AlertConfig.QueueSize == 0 {
		cfg.AlertConfig.QueueSize = 200
	}
	if cfg.AlertConfig.MaxRetries == 0 {
		cfg.AlertConfig.MaxRetries = 3
	}
	if cfg.AlertConfig.RateLimitDelay == 0 {
		cfg.AlertConfig.RateLimitDelay = 3.0
	}

	if cfg.BufferConfig.MaxLiquidations == 0 {
		cfg.BufferConfig.MaxLiquidations = 1000
	}
	if cfg.BufferConfig.MaxTrades == 0 {
		cfg.BufferConfig.MaxTrades = 500
	}
	if cfg.BufferConfig.MaxAgeSeconds == 0 {
		cfg.BufferConfig.MaxAgeSeconds = 7200
	}

	if cfg.WebsocketConfig.URL == "" {
		cfg.WebsocketConfig.URL = "wss://open-ws.coinglass.com/ws-api"
	}
	if cfg.WebsocketConfig.PingIntervalSeconds == 0 {
		cfg.WebsocketConfig.PingIntervalSeconds = 20
	}
	if cfg.WebsocketConfig.ReadTimeoutSeconds == 0 {
		cfg.WebsocketConfig.ReadTimeoutSeconds = 60
	}
	if cfg.WebsocketConfig.LoginTimeoutSeconds == 0 {
		cfg.WebsocketConfig.LoginTimeoutSeconds = 10
	}
	if cfg.WebsocketConfig.MaxBackoffSeconds == 0 {
		cfg.WebsocketConfig.MaxBackoffSeconds = 60
	}
	if cfg.WebsocketConfig.MaxTimeoutStrikes == 0 {
		cfg.WebsocketConfig.MaxTimeoutStrikes = 3
	}

	if cfg.Monitoring.Mode == "" {
		cfg.Monitoring.Mode = "normal"
	}
	if len(cfg.Monitoring.Tier1Symbols) == 0 {
		cfg.Monitoring.Tier1Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if len(cfg.Monitoring.Tier2Symbols) == 0 {
		cfg.Monitoring.Tier2Symbols = []string{"SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT"}
	}
	if cfg.Monitoring.Tier1Cascade == 0 {
		cfg.Monitoring.Tier1Cascade = 2_000_000
	}
	if cfg.Monitoring.Tier2Cascade == 0 {
		cfg.Monitoring.Tier2Cascade = 200_000
	}
	if cfg.Monitoring.Tier3Cascade == 0 {
		cfg.Monitoring.Tier3Cascade = 50_000
	}
	if cfg.Monitoring.Tier1Absorption == 0 {
		cfg.Monitoring.Tier1Absorption = 100_000
	}
	if cfg.Monitoring.Tier2Absorption == 0 {
		cfg.Monitoring.Tier2Absorption = 20_000
	}
	if cfg.Monitoring.Tier3Absorption == 0 {
		cfg.Monitoring.Tier3Absorption = 5_000
	}
	if cfg.Monitoring.MaxConcurrentAnalysis == 0 {
		cfg.Monitoring.MaxConcurrentAnalysis = 30
	}

	if cfg.AnalysisConfig.StopHuntWindowSeconds == 0 {
		cfg.AnalysisConfig.StopHuntWindowSeconds = 30
	}
	if cfg.AnalysisConfig.AbsorptionWindowSeconds == 0 {
		cfg.AnalysisConfig.AbsorptionWindowSeconds = 30
	}
	if cfg.AnalysisConfig.OrderFlowWindowSeconds == 0 {
		cfg.AnalysisConfig.OrderFlowWindowSeconds = 300
	}
	if cfg.AnalysisConfig.WhaleWindowSeconds == 0 {
		cfg.AnalysisConfig.WhaleWindowSeconds = 300
	}
	if cfg.AnalysisConfig.VolumeSpikeMultiplier == 0 {
		cfg.AnalysisConfig.VolumeSpikeMultiplier = 3.0
	}
	if cfg.AnalysisConfig.DebounceSeconds == 0 {
		cfg.AnalysisConfig.DebounceSeconds = 5.0
	}

	if cfg.ContextConfig.FilterMode == "" {
		cfg.ContextConfig.FilterMode = "normal"
	}

	if cfg.DashboardConfig.Host == "" {
		cfg.DashboardConfig.Host = "0.0.0.0"
	}
	if cfg.DashboardConfig.Port == 0 {
		cfg.DashboardConfig.Port = 8080
	}
	if len(cfg.DashboardConfig.CORSOrigins) == 0 {
		cfg.DashboardConfig.CORSOrigins = []string{"http://localhost:3000"}
	}

	if cfg.StorageConfig.DatabasePath == "" {
		cfg.StorageConfig.DatabasePath = "data/teleglas.db"
	}

	if cfg.CoinglassConfig.RESTBaseURL == "" {
		cfg.CoinglassConfig.RESTBaseURL = "https://open-api-v4.coinglass.com"
	}
	if cfg.CoinglassConfig.PollIntervalSeconds == 0 {
		cfg.CoinglassConfig.PollIntervalSeconds = 300
	}
	if cfg.CoinglassConfig.PollJitterSeconds == 0 {
		cfg.CoinglassConfig.PollJitterSeconds = 10
	}
	if cfg.CoinglassConfig.RequestDelaySeconds == 0 {
		cfg.CoinglassConfig.RequestDelaySeconds = 2.0
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "teleglas/credentials"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Secrets always win from the environment so config files can be committed
// without credentials.
func applyEnvOverrides(cfg *Config) {
	cfg.CoinglassConfig.APIKey = getEnvOrDefault("COINGLASS_API_KEY", cfg.CoinglassConfig.APIKey)
	cfg.CoinglassConfig.RESTBaseURL = getEnvOrDefault("COINGLASS_REST_URL", cfg.CoinglassConfig.RESTBaseURL)
	cfg.CoinglassConfig.RequestDelaySeconds = getEnvFloatOrDefault("COINGLASS_REQUEST_DELAY", cfg.CoinglassConfig.RequestDelaySeconds)

	cfg.WebsocketConfig.URL = getEnvOrDefault("COINGLASS_WS_URL", cfg.WebsocketConfig.URL)

	cfg.TelegramConfig.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.TelegramConfig.Enabled)
	cfg.TelegramConfig.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.TelegramConfig.BotToken)
	cfg.TelegramConfig.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.TelegramConfig.ChatID)

	cfg.DashboardConfig.Enabled = getEnvBoolOrDefault("DASHBOARD_ENABLED", cfg.DashboardConfig.Enabled)
	cfg.DashboardConfig.Host = getEnvOrDefault("DASHBOARD_HOST", cfg.DashboardConfig.Host)
	cfg.DashboardConfig.Port = getEnvIntOrDefault("PORT", cfg.DashboardConfig.Port)
	cfg.DashboardConfig.APIToken = getEnvOrDefault("DASHBOARD_API_TOKEN", cfg.DashboardConfig.APIToken)

	cfg.StorageConfig.Enabled = getEnvBoolOrDefault("STORAGE_ENABLED", cfg.StorageConfig.Enabled)
	cfg.StorageConfig.DatabasePath = getEnvOrDefault("DATABASE_PATH", cfg.StorageConfig.DatabasePath)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

// Validate fails fast on configuration the pipeline cannot start without.
// The CoinGlass key may still arrive later via Vault, so callers that enable
// Vault check after secret resolution.
func (c *Config) Validate() error {
	if c.CoinglassConfig.APIKey == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("coinglass.api_key is required (set COINGLASS_API_KEY or enable vault)")
	}
	if c.TelegramConfig.Enabled && !c.VaultConfig.Enabled {
		if c.TelegramConfig.BotToken == "" || c.TelegramConfig.ChatID == "" {
			return fmt.Errorf("telegram is enabled but bot_token or chat_id is missing")
		}
	}
	switch c.ContextConfig.FilterMode {
	case "strict", "normal", "permissive":
	default:
		return fmt.Errorf("context.filter_mode must be strict, normal or permissive, got %q", c.ContextConfig.FilterMode)
	}
	if c.Monitoring.MaxConcurrentAnalysis < 1 {
		return fmt.Errorf("monitoring.max_concurrent_analysis must be positive")
	}
	if c.AlertConfig.QueueSize < 1 {
		return fmt.Errorf("alerts.queue_size must be positive")
	}
	return nil
}

// DashboardTokenActive reports whether dashboard auth is live. A placeholder
// value (anything containing CHANGE) counts as unset so operators are forced
// to pick a real token.
func (c *Config) DashboardTokenActive() bool {
	token := c.DashboardConfig.APIToken
	return token != "" && !strings.Contains(strings.ToUpper(token), "CHANGE")
}

// AllPairs returns primary followed by secondary pairs, deduplicated,
// preserving order.
func (c *Config) AllPairs() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(c.PairsConfig.Primary)+len(c.PairsConfig.Secondary))
	for _, group := range [][]string{c.PairsConfig.Primary, c.PairsConfig.Secondary} {
		for _, p := range group {
			p = strings.ToUpper(strings.TrimSpace(p))
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// PollInterval returns the REST poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.CoinglassConfig.PollIntervalSeconds) * time.Second
}

// Debounce returns the per-symbol analysis debounce as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.AnalysisConfig.DebounceSeconds * float64(time.Second))
}
