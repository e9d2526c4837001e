package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors []ValidationError

	errors = append(errors, validateClassifier(&c.Classifier)...)
	errors = append(errors, validateRisk(&c.Risk)...)
	errors = append(errors, validateLimits(&c.Limits)...)
	errors = append(errors, validateBreaker(&c.Breaker)...)
	errors = append(errors, validateTracker(&c.Tracker)...)
	errors = append(errors, validateHistory(&c.History)...)
	errors = append(errors, validateHealthServer(&c.HealthServer)...)

	if c.Risk.MinTradeSize > c.Limits.MaxSinglePosition {
		errors = append(errors, ValidationError{
			Field:   "risk.min_trade_size",
			Message: "must not exceed limits.max_single_position",
		})
	}

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

// fieldErrors accumulates errors under a section prefix.
type fieldErrors struct {
	section string
	errors  []ValidationError
}

func (f *fieldErrors) add(field, format string, args ...any) {
	f.errors = append(f.errors, ValidationError{
		Field:   f.section + "." + field,
		Message: fmt.Sprintf(format, args...),
	})
}

func (f *fieldErrors) fraction(field string, v float64) {
	if v < 0 || v > 1 {
		f.add(field, "must be between 0 and 1")
	}
}

func (f *fieldErrors) positive(field string, v float64) {
	if v <= 0 {
		f.add(field, "must be positive")
	}
}

func (f *fieldErrors) atLeast(field string, v, min int) {
	if v < min {
		f.add(field, "must be at least %d", min)
	}
}

func (f *fieldErrors) minDuration(field string, v, min time.Duration) {
	if v < min {
		f.add(field, "must be at least %s", min)
	}
}

func validateClassifier(c *ClassifierConfig) []ValidationError {
	f := fieldErrors{section: "classifier"}
	f.atLeast("min_trades", c.MinTrades, 1)
	f.minDuration("lookback", c.Lookback, time.Hour)
	if c.Threshold <= 0 || c.Threshold > 1 {
		f.add("threshold", "must be in (0, 1]")
	}
	f.positive("high_frequency_threshold", c.HighFrequencyThreshold)
	f.fraction("multi_market_threshold", c.MultiMarketThreshold)
	f.minDuration("cache_ttl", c.CacheTTL, time.Second)
	f.minDuration("burst_gap", c.BurstGap, time.Second)
	f.atLeast("burst_min_trades", c.BurstMinTrades, 2)
	f.minDuration("spread_window", c.SpreadWindow, time.Second)
	f.positive("position_limit", c.PositionLimit)
	return f.errors
}

func validateRisk(r *RiskConfig) []ValidationError {
	f := fieldErrors{section: "risk"}
	f.positive("base_position_size", r.BasePositionSize)
	f.positive("min_trade_size", r.MinTradeSize)
	if r.BalanceFraction <= 0 || r.BalanceFraction > 1 {
		f.add("balance_fraction", "must be in (0, 1]")
	}
	f.atLeast("max_positions_per_market", r.MaxPositionsPerMarket, 1)
	f.atLeast("max_positions_per_wallet", r.MaxPositionsPerWallet, 1)
	f.minDuration("request_timeout", r.RequestTimeout, 100*time.Millisecond)
	if r.PaperBalance < 0 {
		f.add("paper_balance", "must be non-negative")
	}
	f.fraction("default_volatility", r.DefaultVolatility)
	f.fraction("default_liquidity", r.DefaultLiquidity)
	f.positive("default_gas_multiplier", r.DefaultGasMultiplier)
	return f.errors
}

func validateLimits(l *LimitsConfig) []ValidationError {
	f := fieldErrors{section: "limits"}
	f.positive("max_daily_loss", l.MaxDailyLoss)
	f.positive("max_single_position", l.MaxSinglePosition)
	f.atLeast("max_concurrent_positions", l.MaxConcurrentPositions, 1)
	return f.errors
}

func validateBreaker(b *BreakerConfig) []ValidationError {
	f := fieldErrors{section: "breaker"}
	f.atLeast("max_consecutive_losses", b.MaxConsecutiveLosses, 1)
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 1 {
		f.add("failure_rate_threshold", "must be in (0, 1]")
	}
	f.atLeast("min_trades_for_failure_rate", b.MinTradesForFailureRate, 1)
	f.minDuration("cooldown", b.Cooldown, time.Minute)
	f.minDuration("check_interval", b.CheckInterval, time.Second)
	if strings.TrimSpace(b.StateFile) == "" {
		f.add("state_file", "must not be empty")
	}
	return f.errors
}

func validateTracker(t *TrackerConfig) []ValidationError {
	f := fieldErrors{section: "tracker"}
	for i, w := range t.Wallets {
		if !strings.HasPrefix(w, "0x") || len(w) != 42 {
			f.add(fmt.Sprintf("wallets[%d]", i), "must be a 0x-prefixed 20-byte address, got %q", w)
		}
	}
	f.minDuration("classify_interval", t.ClassifyInterval, 10*time.Second)
	f.minDuration("trade_poll_interval", t.TradePollInterval, time.Second)
	f.minDuration("position_poll_interval", t.PositionPollInterval, time.Second)
	f.atLeast("activity_limit", t.ActivityLimit, 10)
	f.minDuration("max_trade_age", t.MaxTradeAge, time.Second)
	return f.errors
}

func validateHistory(h *HistoryConfig) []ValidationError {
	f := fieldErrors{section: "history"}
	f.atLeast("max_entries", h.MaxEntries, 1)
	f.minDuration("save_interval", h.SaveInterval, 30*time.Second)
	if strings.TrimSpace(h.FileName) == "" {
		f.add("file_name", "must not be empty")
	}
	if strings.TrimSpace(h.SeenTradesFileName) == "" {
		f.add("seen_trades_file_name", "must not be empty")
	}
	if h.MaxSizeBytes < 1024 {
		f.add("max_size_bytes", "must be at least 1024")
	}
	return f.errors
}

func validateHealthServer(hs *HealthServerConfig) []ValidationError {
	var errors []ValidationError

	if hs.Port < 1 || hs.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "health_server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", hs.Port),
		})
	}

	return errors
}
