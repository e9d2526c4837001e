package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"copybot/clients/notifier"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds breaker thresholds.
type Config struct {
	MaxDailyLoss            float64       // Daily realized loss that opens the breaker (e.g., 100)
	MaxConsecutiveLosses    int           // Losses in a row that open the breaker (e.g., 5)
	FailureRateThreshold    float64       // Failed/total ratio that opens the breaker (e.g., 0.5)
	MinTradesForFailureRate int           // Trade results needed before the ratio applies (e.g., 10)
	Cooldown                time.Duration // Time after activation before auto-reset (e.g., 1h)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:            100,
		MaxConsecutiveLosses:    5,
		FailureRateThreshold:    0.5,
		MinTradesForFailureRate: 10,
		Cooldown:                time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxDailyLoss <= 0 || math.IsNaN(c.MaxDailyLoss) {
		c.MaxDailyLoss = def.MaxDailyLoss
	}
	if c.MaxConsecutiveLosses < 1 {
		c.MaxConsecutiveLosses = def.MaxConsecutiveLosses
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.MinTradesForFailureRate < 1 {
		c.MinTradesForFailureRate = def.MinTradesForFailureRate
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// SkipDecision explains why a trade was blocked. A nil decision means allowed.
type SkipDecision struct {
	TradeID       string        `json:"trade_id"`
	Reason        string        `json:"reason"`
	ActivatedAt   time.Time     `json:"activated_at"`
	RemainingTime time.Duration `json:"remaining_time"`
	RecoveryETA   time.Time     `json:"recovery_eta"`
	Message       string        `json:"message"`
}

// Breaker is the trading safety gate. Every read-modify-write of its state,
// including persistence, happens under one mutex.
type Breaker struct {
	logger    *zap.Logger
	persister Persister
	notifier  notifier.Notifier
	now       func() time.Time

	mu           sync.Mutex
	config       Config
	maxDailyLoss decimal.Decimal
	state        State

	alerts sync.WaitGroup
}

// New creates a breaker and restores persisted state. A missing or unreadable
// record starts a fresh closed breaker.
func New(logger *zap.Logger, config Config, persister Persister, n notifier.Notifier) *Breaker {
	return newBreaker(logger, config, persister, n, time.Now)
}

func newBreaker(logger *zap.Logger, config Config, persister Persister, n notifier.Notifier, now func() time.Time) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	b := &Breaker{
		logger:       logger.Named("breaker"),
		persister:    persister,
		notifier:     n,
		now:          now,
		config:       config,
		maxDailyLoss: decimal.NewFromFloat(config.MaxDailyLoss),
	}
	b.state = b.load()
	observe(b.state)
	return b
}

func (b *Breaker) load() State {
	fresh := NewState(b.now())
	if b.persister == nil {
		return fresh
	}

	s, err := b.persister.Load()
	switch {
	case errors.Is(err, ErrNoState):
		b.logger.Info("no persisted breaker state, starting closed")
		return fresh
	case err != nil:
		b.logger.Error("failed to load breaker state, starting closed", zap.Error(err))
		return fresh
	}

	if s.LastResetDate.IsZero() {
		s.LastResetDate = fresh.LastResetDate
	}
	b.logger.Info("restored breaker state",
		zap.Bool("active", s.Active),
		zap.String("reason", s.Reason),
		zap.String("dailyLoss", s.DailyLoss.StringFixed(2)),
		zap.Int("consecutiveLosses", s.ConsecutiveLosses),
	)
	return s
}

// UpdateConfig swaps thresholds. Conditions are re-evaluated on the next event.
func (b *Breaker) UpdateConfig(config Config) {
	config = config.withDefaults()
	b.guard("update config", func(time.Time) bool {
		b.config = config
		b.maxDailyLoss = decimal.NewFromFloat(config.MaxDailyLoss)
		return false
	})
}

// guard runs fn inside the critical section after the daily rollover and
// cooldown checks, persisting when anything changed. A panic anywhere in the
// sequence is logged and reported as ok=false.
func (b *Breaker) guard(op string, fn func(now time.Time) bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metricFailOpen.Inc()
			b.logger.Error("breaker internal error",
				zap.String("op", op),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	changed := b.rolloverLocked(now)
	if b.cooldownLocked(now) {
		changed = true
	}
	if fn(now) {
		changed = true
	}
	if changed {
		b.persistLocked()
	}
	observe(b.state)
	return true
}

func (b *Breaker) rolloverLocked(now time.Time) bool {
	today := utcDate(now)
	if !today.After(b.state.LastResetDate) {
		return false
	}
	b.logger.Info("daily rollover",
		zap.String("previousDailyLoss", b.state.DailyLoss.StringFixed(2)),
		zap.Time("lastResetDate", b.state.LastResetDate),
	)
	b.state.DailyLoss = decimal.Zero
	b.state.ConsecutiveLosses = 0
	b.state.LastResetDate = today
	return true
}

func (b *Breaker) cooldownLocked(now time.Time) bool {
	if !b.state.Active || b.state.ActivationTime == nil {
		return false
	}
	if now.Sub(*b.state.ActivationTime) <= b.config.Cooldown {
		return false
	}
	b.resetLocked("cooldown elapsed")
	return true
}

func (b *Breaker) persistLocked() {
	if b.persister == nil {
		return
	}
	if err := b.persister.Save(b.state); err != nil {
		metricPersistFails.Inc()
		b.logger.Error("failed to persist breaker state", zap.Error(err))
	}
}

// activateLocked is the only place that opens the breaker.
func (b *Breaker) activateLocked(now time.Time, reason string) *notifier.Alert {
	at := now
	b.state.Active = true
	b.state.Reason = reason
	b.state.ActivationTime = &at
	metricActivations.Inc()

	b.logger.Warn("circuit breaker activated",
		zap.String("reason", reason),
		zap.String("dailyLoss", b.state.DailyLoss.StringFixed(2)),
		zap.Int("consecutiveLosses", b.state.ConsecutiveLosses),
		zap.Int("failedTrades", b.state.FailedTrades),
		zap.Int("totalTrades", b.state.TotalTrades),
	)

	return &notifier.Alert{
		ID:       uuid.NewString(),
		Kind:     notifier.AlertKindBreakerActivated,
		Severity: notifier.SeverityCritical,
		Title:    "Circuit breaker activated",
		Message:  reason,
		Fields: map[string]string{
			"daily_loss":         b.state.DailyLoss.StringFixed(2),
			"consecutive_losses": fmt.Sprintf("%d", b.state.ConsecutiveLosses),
			"failure_rate":       fmt.Sprintf("%.0f%% (%d/%d)", b.state.FailureRate()*100, b.state.FailedTrades, b.state.TotalTrades),
			"recovery_eta":       now.Add(b.config.Cooldown).Format(time.RFC3339),
		},
		Timestamp: now,
	}
}

// resetLocked is the only place that closes the breaker. The failure window
// and loss streak restart; the daily loss stands until the UTC rollover.
func (b *Breaker) resetLocked(why string) {
	b.logger.Info("circuit breaker reset",
		zap.String("why", why),
		zap.String("previousReason", b.state.Reason),
	)
	b.state.Active = false
	b.state.Reason = ""
	b.state.ActivationTime = nil
	b.state.ConsecutiveLosses = 0
	b.state.FailedTrades = 0
	b.state.TotalTrades = 0
}

// checkConditionsLocked opens the breaker on the first condition that holds.
func (b *Breaker) checkConditionsLocked(now time.Time) *notifier.Alert {
	if b.state.Active {
		return nil
	}
	s := b.state
	switch {
	case s.DailyLoss.GreaterThanOrEqual(b.maxDailyLoss):
		return b.activateLocked(now, fmt.Sprintf("daily loss limit reached: %s >= %s",
			s.DailyLoss.StringFixed(2), b.maxDailyLoss.StringFixed(2)))
	case s.ConsecutiveLosses >= b.config.MaxConsecutiveLosses:
		return b.activateLocked(now, fmt.Sprintf("consecutive losses: %d >= %d",
			s.ConsecutiveLosses, b.config.MaxConsecutiveLosses))
	case s.TotalTrades >= b.config.MinTradesForFailureRate && s.FailureRate() >= b.config.FailureRateThreshold:
		return b.activateLocked(now, fmt.Sprintf("failure rate %.0f%% over %d trades >= %.0f%%",
			s.FailureRate()*100, s.TotalTrades, b.config.FailureRateThreshold*100))
	}
	return nil
}

// dispatch delivers an alert off the caller's goroutine. Delivery problems
// never reach breaker state.
func (b *Breaker) dispatch(alert *notifier.Alert) {
	if alert == nil || b.notifier == nil {
		return
	}
	b.alerts.Add(1)
	go func() {
		defer b.alerts.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("breaker alert delivery panicked", zap.Any("panic", r))
			}
		}()
		b.notifier.SendAlert(*alert)
	}()
}

// WaitAlerts blocks until in-flight alert deliveries finish.
func (b *Breaker) WaitAlerts() {
	b.alerts.Wait()
}

// CheckTradeAllowed returns nil when trading is permitted, or a skip decision
// while the breaker is open. Internal errors allow the trade.
func (b *Breaker) CheckTradeAllowed(tradeID string) *SkipDecision {
	var skip *SkipDecision
	ok := b.guard("check trade allowed", func(now time.Time) bool {
		if !b.state.Active {
			return false
		}
		activated := now
		if b.state.ActivationTime != nil {
			activated = *b.state.ActivationTime
		}
		eta := activated.Add(b.config.Cooldown)
		remaining := eta.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		skip = &SkipDecision{
			TradeID:       tradeID,
			Reason:        b.state.Reason,
			ActivatedAt:   activated,
			RemainingTime: remaining,
			RecoveryETA:   eta,
			Message: fmt.Sprintf("trading paused (%s); resumes in %s at %s",
				b.state.Reason, remaining.Round(time.Second), eta.Format("15:04:05 UTC")),
		}
		return false
	})
	if !ok {
		b.logger.Warn("breaker check failed open", zap.String("tradeId", tradeID))
		return nil
	}
	if skip != nil {
		metricSkips.Inc()
		b.logger.Debug("trade skipped by breaker",
			zap.String("tradeId", tradeID),
			zap.String("reason", skip.Reason),
			zap.Duration("remaining", skip.RemainingTime),
		)
	}
	return skip
}

// RecordLoss adds a realized loss. Negative or non-finite amounts are ignored.
func (b *Breaker) RecordLoss(amount float64) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		b.logger.Warn("ignoring invalid loss amount", zap.Float64("amount", amount))
		return
	}
	loss := decimal.NewFromFloat(amount)

	var alert *notifier.Alert
	b.guard("record loss", func(now time.Time) bool {
		b.state.DailyLoss = b.state.DailyLoss.Add(loss)
		b.state.ConsecutiveLosses++
		alert = b.checkConditionsLocked(now)
		return true
	})
	b.dispatch(alert)
}

// RecordProfit ends the current loss streak. Daily loss and the active flag
// are left alone.
func (b *Breaker) RecordProfit(amount float64) {
	b.guard("record profit", func(time.Time) bool {
		if b.state.ConsecutiveLosses == 0 {
			return false
		}
		b.logger.Debug("loss streak ended",
			zap.Int("streak", b.state.ConsecutiveLosses),
			zap.Float64("profit", amount),
		)
		b.state.ConsecutiveLosses = 0
		return true
	})
}

// RecordTradeResult counts a trade outcome toward the failure rate.
func (b *Breaker) RecordTradeResult(success bool) {
	var alert *notifier.Alert
	b.guard("record trade result", func(now time.Time) bool {
		b.state.TotalTrades++
		if !success {
			b.state.FailedTrades++
		}
		alert = b.checkConditionsLocked(now)
		return true
	})
	b.dispatch(alert)
}

// Reset closes the breaker manually.
func (b *Breaker) Reset(why string) {
	var alert *notifier.Alert
	b.guard("reset", func(now time.Time) bool {
		if !b.state.Active {
			return false
		}
		b.resetLocked(why)
		alert = &notifier.Alert{
			ID:        uuid.NewString(),
			Kind:      notifier.AlertKindBreakerReset,
			Severity:  notifier.SeverityInfo,
			Title:     "Circuit breaker reset",
			Message:   why,
			Timestamp: now,
		}
		return true
	})
	b.dispatch(alert)
}

// Tick runs the rollover and cooldown checks without any other change.
func (b *Breaker) Tick() {
	b.guard("tick", func(time.Time) bool { return false })
}

// State returns a snapshot of the current state.
func (b *Breaker) State() State {
	var s State
	b.guard("state", func(time.Time) bool {
		s = b.state.Clone()
		return false
	})
	return s
}

// IsActive reports whether trading is currently blocked.
func (b *Breaker) IsActive() bool {
	return b.State().Active
}

// DailyLoss returns today's realized loss.
func (b *Breaker) DailyLoss() float64 {
	return b.State().DailyLoss.InexactFloat64()
}

// Run performs periodic maintenance until ctx is cancelled.
func (b *Breaker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("breaker maintenance stopped")
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}
