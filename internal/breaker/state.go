package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCorruptState is returned when a persisted record fails validation.
var ErrCorruptState = errors.New("corrupt breaker state")

// State mirrors the breaker's persisted record field for field.
type State struct {
	Active            bool            `json:"active"`
	Reason            string          `json:"reason"`
	ActivationTime    *time.Time      `json:"activation_time"`
	DailyLoss         decimal.Decimal `json:"daily_loss"`
	LastResetDate     time.Time       `json:"last_reset_date"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	FailedTrades      int             `json:"failed_trades"`
	TotalTrades       int             `json:"total_trades"`
}

// NewState returns a closed breaker state whose day starts at now (UTC).
func NewState(now time.Time) State {
	return State{
		DailyLoss:     decimal.Zero,
		LastResetDate: utcDate(now),
	}
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	if s.ActivationTime != nil {
		at := *s.ActivationTime
		s.ActivationTime = &at
	}
	return s
}

// FailureRate returns failed/total, or 0 before any trade result.
func (s State) FailureRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.FailedTrades) / float64(s.TotalTrades)
}

// Validate checks the invariants a loaded record must satisfy.
func (s State) Validate() error {
	if s.DailyLoss.IsNegative() {
		return fmt.Errorf("%w: negative daily loss %s", ErrCorruptState, s.DailyLoss)
	}
	if s.ConsecutiveLosses < 0 || s.FailedTrades < 0 || s.TotalTrades < 0 {
		return fmt.Errorf("%w: negative counter", ErrCorruptState)
	}
	if s.FailedTrades > s.TotalTrades {
		return fmt.Errorf("%w: failed trades exceed total trades", ErrCorruptState)
	}
	if s.Active && s.ActivationTime == nil {
		return fmt.Errorf("%w: active without activation time", ErrCorruptState)
	}
	return nil
}

// MarshalRecord encodes the state as its persisted JSON record.
func (s State) MarshalRecord() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalRecord decodes and validates a persisted JSON record.
func UnmarshalRecord(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	s.LastResetDate = utcDate(s.LastResetDate)
	return s, nil
}

// utcDate truncates t to midnight of its UTC calendar date.
func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
