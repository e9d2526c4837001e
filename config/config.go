package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Environment
	IsProd bool `json:"is_prod"`

	// Discord
	Discord DiscordConfig `json:"discord"`

	// Telegram
	Telegram TelegramConfig `json:"telegram"`

	// Wallet classification
	Classifier ClassifierConfig `json:"classifier"`

	// Copy sizing
	Risk RiskConfig `json:"risk"`

	// Global limits shared by sizing and the circuit breaker
	Limits LimitsConfig `json:"limits"`

	// Circuit breaker
	Breaker BreakerConfig `json:"breaker"`

	// Wallet tracking and polling
	Tracker TrackerConfig `json:"tracker"`

	// Classification history persistence
	History HistoryConfig `json:"history"`

	// GitHub Gist - excluded from settings (env var only)
	Gist GistConfig `json:"-"`

	// Polymarket API
	Polymarket PolymarketConfig `json:"polymarket"`

	// Health server
	HealthServer HealthServerConfig `json:"health_server"`
}

// DiscordConfig holds Discord-related configuration.
type DiscordConfig struct {
	BotToken      string `json:"-"` // Excluded - env var only
	ProdChannelID string `json:"prod_channel_id"`
	BetaChannelID string `json:"beta_channel_id"`
}

// TelegramConfig holds Telegram-related configuration.
type TelegramConfig struct {
	BotToken   string `json:"-"` // Excluded - env var only
	ProdChatID string `json:"prod_chat_id"`
	BetaChatID string `json:"beta_chat_id"`
}

// ClassifierConfig holds wallet classification thresholds.
type ClassifierConfig struct {
	MinTrades              int           `json:"min_trades"`               // Trades inside the lookback needed to classify
	Lookback               time.Duration `json:"lookback"`                 // Analysis window (e.g., 168h)
	Threshold              float64       `json:"threshold"`                // Market-maker probability threshold (e.g., 0.70)
	HighFrequencyThreshold float64       `json:"high_frequency_threshold"` // Trades per hour considered high frequency
	MultiMarketThreshold   float64       `json:"multi_market_threshold"`   // Multi-market score that marks arbitrage
	CacheTTL               time.Duration `json:"cache_ttl"`
	BurstGap               time.Duration `json:"burst_gap"`        // Max gap between trades inside a burst
	BurstMinTrades         int           `json:"burst_min_trades"` // Trades needed for a run to count as a burst
	SpreadWindow           time.Duration `json:"spread_window"`
	PositionLimit          float64       `json:"position_limit"` // Net per-market position counted as a breach
}

// RiskConfig holds copy sizing configuration.
type RiskConfig struct {
	BasePositionSize      float64       `json:"base_position_size"` // Notional before multipliers
	MinTradeSize          float64       `json:"min_trade_size"`
	BalanceFraction       float64       `json:"balance_fraction"` // Max share of available balance per copy (e.g., 0.10)
	MaxPositionsPerMarket int           `json:"max_positions_per_market"`
	MaxPositionsPerWallet int           `json:"max_positions_per_wallet"`
	RequestTimeout        time.Duration `json:"request_timeout"` // Bound on classification lookups

	// Paper account and default market conditions
	PaperBalance         float64 `json:"paper_balance"`
	DefaultVolatility    float64 `json:"default_volatility"`
	DefaultLiquidity     float64 `json:"default_liquidity"`
	DefaultGasMultiplier float64 `json:"default_gas_multiplier"`
}

// LimitsConfig holds the global limits.
type LimitsConfig struct {
	MaxDailyLoss           float64 `json:"max_daily_loss"`      // Realized loss per UTC day that opens the breaker
	MaxSinglePosition      float64 `json:"max_single_position"` // Cap per copy regardless of profile
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	MaxConsecutiveLosses    int           `json:"max_consecutive_losses"`
	FailureRateThreshold    float64       `json:"failure_rate_threshold"` // Failed/total ratio (e.g., 0.5)
	MinTradesForFailureRate int           `json:"min_trades_for_failure_rate"`
	Cooldown                time.Duration `json:"cooldown"`       // Time after activation before auto-reset
	CheckInterval           time.Duration `json:"check_interval"` // Maintenance tick for rollover and cooldown
	StateFile               string        `json:"state_file"`
}

// TrackerConfig holds wallet tracking configuration.
type TrackerConfig struct {
	Wallets              []string      `json:"wallets"` // Source wallets to classify and copy
	ClassifyInterval     time.Duration `json:"classify_interval"`
	TradePollInterval    time.Duration `json:"trade_poll_interval"`
	PositionPollInterval time.Duration `json:"position_poll_interval"`
	ActivityLimit        int           `json:"activity_limit"` // Trades fetched per wallet per classification
	MaxTradeAge          time.Duration `json:"max_trade_age"`  // Older source trades are not copied
}

// HistoryConfig holds classification history persistence configuration.
type HistoryConfig struct {
	MaxEntries         int           `json:"max_entries"` // Per-wallet history cap
	SaveInterval       time.Duration `json:"save_interval"`
	FileName           string        `json:"file_name"`
	SeenTradesFileName string        `json:"seen_trades_file_name"`
	MaxSizeBytes       int64         `json:"max_size_bytes"`
}

// GistConfig holds GitHub Gist configuration.
type GistConfig struct {
	Token          string `json:"-"` // Excluded - env var only
	GistID         string `json:"-"` // Excluded - env var only
	SettingsGistID string `json:"-"` // Excluded - env var only
}

// PolymarketConfig holds Polymarket API configuration.
type PolymarketConfig struct {
	DataAPIURL  string `json:"data_api_url"`
	ClobAPIURL  string `json:"clob_api_url"`
	MarketWSURL string `json:"market_ws_url"`
	// Stream open-position prices over the market websocket; midpoint polling
	// still runs as a fallback.
	UsePriceStream bool `json:"use_price_stream"`
}

// HealthServerConfig holds health check server configuration.
type HealthServerConfig struct {
	Enabled    bool   `json:"enabled"`
	Port       int    `json:"port"`
	AdminToken string `json:"-"` // Bearer token for mutating endpoints; unset disables them. Env var only
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Tracker.Wallets != nil {
		clone.Tracker.Wallets = make([]string, len(c.Tracker.Wallets))
		copy(clone.Tracker.Wallets, c.Tracker.Wallets)
	}
	return &clone
}

// ToJSON serializes the config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ConfigFromJSON deserializes JSON into a config, merging with base.
func ConfigFromJSON(data []byte, base *Config) (*Config, error) {
	if base == nil {
		base = Defaults()
	}
	cfg := base.Clone()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Tracker.Wallets = normalizeWallets(cfg.Tracker.Wallets)
	return cfg, nil
}

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		IsProd:   false,
		Discord:  DiscordConfig{},
		Telegram: TelegramConfig{},
		Classifier: ClassifierConfig{
			MinTrades:              10,
			Lookback:               168 * time.Hour,
			Threshold:              0.70,
			HighFrequencyThreshold: 10,
			MultiMarketThreshold:   0.5,
			CacheTTL:               5 * time.Minute,
			BurstGap:               60 * time.Second,
			BurstMinTrades:         3,
			SpreadWindow:           5 * time.Minute,
			PositionLimit:          1000,
		},
		Risk: RiskConfig{
			BasePositionSize:      100,
			MinTradeSize:          1,
			BalanceFraction:       0.10,
			MaxPositionsPerMarket: 3,
			MaxPositionsPerWallet: 2,
			RequestTimeout:        5 * time.Second,
			PaperBalance:          1000,
			DefaultVolatility:     0.3,
			DefaultLiquidity:      0.7,
			DefaultGasMultiplier:  1.0,
		},
		Limits: LimitsConfig{
			MaxDailyLoss:           100,
			MaxSinglePosition:      50,
			MaxConcurrentPositions: 5,
		},
		Breaker: BreakerConfig{
			MaxConsecutiveLosses:    5,
			FailureRateThreshold:    0.5,
			MinTradesForFailureRate: 10,
			Cooldown:                1 * time.Hour,
			CheckInterval:           30 * time.Second,
			StateFile:               "data/breaker_state.json",
		},
		Tracker: TrackerConfig{
			ClassifyInterval:     10 * time.Minute,
			TradePollInterval:    15 * time.Second,
			PositionPollInterval: 30 * time.Second,
			ActivityLimit:        500,
			MaxTradeAge:          5 * time.Minute,
		},
		History: HistoryConfig{
			MaxEntries:         100,
			SaveInterval:       10 * time.Minute,
			FileName:           "classifications.json",
			SeenTradesFileName: "seen_trades.json",
			MaxSizeBytes:       50 * 1024 * 1024,
		},
		Polymarket: PolymarketConfig{
			DataAPIURL:     "https://data-api.polymarket.com",
			ClobAPIURL:     "https://clob.polymarket.com",
			MarketWSURL:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			UsePriceStream: true,
		},
		HealthServer: HealthServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load loads configuration from environment variables with defaults.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		IsProd: envBool("STAGE", "PROD"),

		Discord: DiscordConfig{
			BotToken:      envString("DISCORD_BOT_TOKEN", ""),
			ProdChannelID: envString("DISCORD_PROD_CHANNEL_ID", ""),
			BetaChannelID: envString("DISCORD_BETA_CHANNEL_ID", ""),
		},

		Telegram: TelegramConfig{
			BotToken:   envString("TELEGRAM_BOT_KEY", ""),
			ProdChatID: envString("TELEGRAM_PROD_CHAT_ID", ""),
			BetaChatID: envString("TELEGRAM_BETA_CHAT_ID", ""),
		},

		Classifier: ClassifierConfig{
			MinTrades:              envInt("CLASSIFIER_MIN_TRADES", 10),
			Lookback:               envDuration("CLASSIFIER_LOOKBACK", 168*time.Hour),
			Threshold:              envFloat("CLASSIFIER_THRESHOLD", 0.70),
			HighFrequencyThreshold: envFloat("CLASSIFIER_HIGH_FREQUENCY", 10),
			MultiMarketThreshold:   envFloat("CLASSIFIER_MULTI_MARKET", 0.5),
			CacheTTL:               envDuration("CLASSIFIER_CACHE_TTL", 5*time.Minute),
			BurstGap:               envDuration("CLASSIFIER_BURST_GAP", 60*time.Second),
			BurstMinTrades:         envInt("CLASSIFIER_BURST_MIN_TRADES", 3),
			SpreadWindow:           envDuration("CLASSIFIER_SPREAD_WINDOW", 5*time.Minute),
			PositionLimit:          envFloat("CLASSIFIER_POSITION_LIMIT", 1000),
		},

		Risk: RiskConfig{
			BasePositionSize:      envFloat("RISK_BASE_POSITION_SIZE", 100),
			MinTradeSize:          envFloat("RISK_MIN_TRADE_SIZE", 1),
			BalanceFraction:       envFloat("RISK_BALANCE_FRACTION", 0.10),
			MaxPositionsPerMarket: envInt("RISK_MAX_POSITIONS_PER_MARKET", 3),
			MaxPositionsPerWallet: envInt("RISK_MAX_POSITIONS_PER_WALLET", 2),
			RequestTimeout:        envDuration("RISK_REQUEST_TIMEOUT", 5*time.Second),
			PaperBalance:          envFloat("RISK_PAPER_BALANCE", 1000),
			DefaultVolatility:     envFloat("RISK_DEFAULT_VOLATILITY", 0.3),
			DefaultLiquidity:      envFloat("RISK_DEFAULT_LIQUIDITY", 0.7),
			DefaultGasMultiplier:  envFloat("RISK_DEFAULT_GAS_MULTIPLIER", 1.0),
		},

		Limits: LimitsConfig{
			MaxDailyLoss:           envFloat("MAX_DAILY_LOSS", 100),
			MaxSinglePosition:      envFloat("MAX_SINGLE_POSITION", 50),
			MaxConcurrentPositions: envInt("MAX_CONCURRENT_POSITIONS", 5),
		},

		Breaker: BreakerConfig{
			MaxConsecutiveLosses:    envInt("BREAKER_MAX_CONSECUTIVE_LOSSES", 5),
			FailureRateThreshold:    envFloat("BREAKER_FAILURE_RATE", 0.5),
			MinTradesForFailureRate: envInt("BREAKER_MIN_TRADES_FOR_FAILURE_RATE", 10),
			Cooldown:                envDuration("BREAKER_COOLDOWN", 1*time.Hour),
			CheckInterval:           envDuration("BREAKER_CHECK_INTERVAL", 30*time.Second),
			StateFile:               envString("BREAKER_STATE_FILE", "data/breaker_state.json"),
		},

		Tracker: TrackerConfig{
			Wallets:              normalizeWallets(envStringSlice("TRACKED_WALLETS")),
			ClassifyInterval:     envDuration("CLASSIFY_INTERVAL", 10*time.Minute),
			TradePollInterval:    envDuration("TRADE_POLL_INTERVAL", 15*time.Second),
			PositionPollInterval: envDuration("POSITION_POLL_INTERVAL", 30*time.Second),
			ActivityLimit:        envInt("ACTIVITY_LIMIT", 500),
			MaxTradeAge:          envDuration("MAX_TRADE_AGE", 5*time.Minute),
		},

		History: HistoryConfig{
			MaxEntries:         envInt("HISTORY_MAX_ENTRIES", 100),
			SaveInterval:       envDuration("HISTORY_SAVE_INTERVAL", 10*time.Minute),
			FileName:           envString("HISTORY_FILE_NAME", "classifications.json"),
			SeenTradesFileName: envString("SEEN_TRADES_FILE_NAME", "seen_trades.json"),
			MaxSizeBytes:       envInt64("HISTORY_MAX_SIZE_BYTES", 50*1024*1024), // 50MB
		},

		Gist: GistConfig{
			Token:          envString("GITHUB_TOKEN", ""),
			GistID:         envString("CACHE_GIST_ID", ""),
			SettingsGistID: envString("SETTINGS_GIST_ID", ""),
		},

		Polymarket: PolymarketConfig{
			DataAPIURL:     envString("POLYMARKET_DATA_API_URL", "https://data-api.polymarket.com"),
			ClobAPIURL:     envString("POLYMARKET_CLOB_API_URL", "https://clob.polymarket.com"),
			MarketWSURL:    envString("POLYMARKET_MARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
			UsePriceStream: envBoolDefault("PRICE_STREAM_ENABLED", true),
		},

		HealthServer: HealthServerConfig{
			Enabled:    envBoolDefault("HEALTH_SERVER_ENABLED", true),
			Port:       envInt("HEALTH_SERVER_PORT", 8080),
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
	}
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key, trueValue string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), trueValue)
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}

func envStringSlice(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func normalizeWallets(wallets []string) []string {
	if wallets == nil {
		return nil
	}
	result := make([]string, len(wallets))
	for i, w := range wallets {
		result[i] = strings.ToLower(strings.TrimSpace(w))
	}
	return result
}
