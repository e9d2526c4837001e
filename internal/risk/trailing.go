package risk

import (
	"math"

	"copybot/internal/behavior"
)

// TrailingState is the lifecycle of a trailing stop.
type TrailingState int

const (
	TrailingPending TrailingState = iota
	TrailingArmed
	TrailingTriggered
)

func (s TrailingState) String() string {
	switch s {
	case TrailingPending:
		return "pending"
	case TrailingArmed:
		return "armed"
	case TrailingTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

const (
	// armFraction of the take-profit target arms the trailing stop.
	armFraction = 0.5
	// minTrailFactor bounds how close the trailing stop may follow the best price.
	minTrailFactor = 0.25
	// epsilon absorbs float error in return comparisons.
	epsilon = 1e-9
)

// TrailingStop tracks a stop price that only moves in the position's favor.
// Before arming it acts as a plain stop loss at the initial level.
type TrailingStop struct {
	Side      behavior.Side `json:"side"`
	Entry     float64       `json:"entry"`
	StopPct   float64       `json:"stop_pct"`
	TargetPct float64       `json:"target_pct"`

	State     TrailingState `json:"state"`
	StopPrice float64       `json:"stop_price"`
	BestPrice float64       `json:"best_price"`
	WasArmed  bool          `json:"was_armed"`
}

// NewTrailingStop creates a pending stop for a position entered at entry.
func NewTrailingStop(side behavior.Side, entry, stopPct, targetPct float64) *TrailingStop {
	ts := &TrailingStop{
		Side:      side,
		Entry:     entry,
		StopPct:   stopPct,
		TargetPct: targetPct,
		BestPrice: entry,
	}
	if side == behavior.SideSell {
		ts.StopPrice = entry * (1 + stopPct)
	} else {
		ts.StopPrice = entry * (1 - stopPct)
	}
	return ts
}

// profit returns the return fraction at price, positive when favorable.
func (t *TrailingStop) profit(price float64) float64 {
	if t.Entry <= 0 {
		return 0
	}
	if t.Side == behavior.SideSell {
		return (t.Entry - price) / t.Entry
	}
	return (price - t.Entry) / t.Entry
}

func (t *TrailingStop) better(a, b float64) bool {
	if t.Side == behavior.SideSell {
		return a < b
	}
	return a > b
}

// Update feeds a new price and returns the resulting state. Triggered is terminal.
func (t *TrailingStop) Update(price float64) TrailingState {
	if t.State == TrailingTriggered || math.IsNaN(price) {
		return t.State
	}

	if t.better(price, t.BestPrice) {
		t.BestPrice = price
	}

	best := t.profit(t.BestPrice)
	if t.State == TrailingPending && best >= armFraction*t.TargetPct-epsilon {
		t.State = TrailingArmed
		t.WasArmed = true
	}

	if t.State == TrailingArmed {
		// The trail narrows as profit grows toward the target.
		factor := math.Max(minTrailFactor, 1-best/t.TargetPct)
		distance := t.Entry * t.StopPct * factor
		candidate := t.BestPrice - distance
		if t.Side == behavior.SideSell {
			candidate = t.BestPrice + distance
		}
		if t.better(candidate, t.StopPrice) {
			t.StopPrice = candidate
		}
	}

	if t.crossed(price) {
		t.State = TrailingTriggered
	}
	return t.State
}

func (t *TrailingStop) crossed(price float64) bool {
	if t.Side == behavior.SideSell {
		return price >= t.StopPrice
	}
	return price <= t.StopPrice
}

// TargetReached reports whether price is at or past the take-profit level.
func (t *TrailingStop) TargetReached(price float64) bool {
	return t.profit(price) >= t.TargetPct-epsilon
}
