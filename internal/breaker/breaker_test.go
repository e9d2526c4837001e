package breaker

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"copybot/clients/notifier"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memPersister struct {
	mu      sync.Mutex
	state   *State
	saves   int
	saveErr error
	panicOn bool
}

func (m *memPersister) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, ErrNoState
	}
	return m.state.Clone(), nil
}

func (m *memPersister) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicOn {
		panic("disk on fire")
	}
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	c := s.Clone()
	m.state = &c
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (r *recordingNotifier) SendAlert(a notifier.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type panickyNotifier struct{}

func (panickyNotifier) SendAlert(notifier.Alert) { panic("webhook exploded") }
func (panickyNotifier) Close() error             { return nil }

var day = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestBreaker(t *testing.T, cfg Config, p Persister, n notifier.Notifier) (*Breaker, *time.Time) {
	t.Helper()
	now := day
	b := newBreaker(zap.NewNop(), cfg, p, n, func() time.Time { return now })
	return b, &now
}

func TestNew_Defaults(t *testing.T) {
	b := New(nil, Config{}, nil, nil)

	if b.logger == nil {
		t.Error("expected logger to be set")
	}
	if b.config.MaxConsecutiveLosses != 5 {
		t.Errorf("expected 5 consecutive losses, got %d", b.config.MaxConsecutiveLosses)
	}
	if b.config.Cooldown != time.Hour {
		t.Errorf("expected 1h cooldown, got %v", b.config.Cooldown)
	}
	if b.IsActive() {
		t.Error("new breaker should be closed")
	}
}

func TestRecordLoss_ConcurrentSumIsExact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 1e9
	cfg.MaxConsecutiveLosses = 1 << 30
	b, _ := newTestBreaker(t, cfg, &memPersister{}, nil)

	const workers = 50
	const perWorker = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				b.RecordLoss(0.1)
			}
		}()
	}
	wg.Wait()

	s := b.State()
	want := decimal.RequireFromString("100")
	if !s.DailyLoss.Equal(want) {
		t.Errorf("expected daily loss %s, got %s", want, s.DailyLoss)
	}
	if s.ConsecutiveLosses != workers*perWorker {
		t.Errorf("expected %d consecutive losses, got %d", workers*perWorker, s.ConsecutiveLosses)
	}
}

func TestConsecutiveLosses(t *testing.T) {
	tests := []struct {
		name   string
		losses int
		active bool
	}{
		{"four losses stay closed", 4, false},
		{"five losses trip", 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(t, DefaultConfig(), &memPersister{}, nil)
			for i := 0; i < tt.losses; i++ {
				b.RecordLoss(1)
			}
			s := b.State()
			if s.Active != tt.active {
				t.Fatalf("expected active=%v, got %v", tt.active, s.Active)
			}
			if tt.active && !strings.Contains(s.Reason, "consecutive losses") {
				t.Errorf("expected consecutive losses reason, got %q", s.Reason)
			}
		})
	}
}

func TestRecordProfit_ResetsStreakOnly(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig(), &memPersister{}, nil)
	for i := 0; i < 5; i++ {
		b.RecordLoss(2)
	}
	before := b.State()
	if !before.Active {
		t.Fatal("expected breaker to be active")
	}

	b.RecordProfit(10)

	after := b.State()
	if after.ConsecutiveLosses != 0 {
		t.Errorf("expected streak reset, got %d", after.ConsecutiveLosses)
	}
	if !after.Active {
		t.Error("profit must not close the breaker")
	}
	if !after.DailyLoss.Equal(before.DailyLoss) {
		t.Errorf("profit must not touch daily loss: %s -> %s", before.DailyLoss, after.DailyLoss)
	}
}

func TestDailyLossLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 50
	b, _ := newTestBreaker(t, cfg, &memPersister{}, nil)

	b.RecordLoss(30)
	if b.IsActive() {
		t.Fatal("breaker tripped early")
	}
	b.RecordLoss(20)

	s := b.State()
	if !s.Active {
		t.Fatal("expected breaker to trip at the limit")
	}
	if !strings.Contains(s.Reason, "daily loss limit reached") {
		t.Errorf("unexpected reason %q", s.Reason)
	}
}

func TestFailureRate(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig(), &memPersister{}, nil)

	// 6 failures and 3 successes: only 9 trades, not enough for the ratio.
	for i := 0; i < 6; i++ {
		b.RecordTradeResult(false)
	}
	for i := 0; i < 3; i++ {
		b.RecordTradeResult(true)
	}
	if b.IsActive() {
		t.Fatal("breaker tripped before the minimum sample")
	}

	b.RecordTradeResult(true)
	s := b.State()
	if !s.Active {
		t.Fatalf("expected breaker to trip at 6/10 failures, state=%+v", s)
	}
	if !strings.Contains(s.Reason, "failure rate") {
		t.Errorf("expected failure rate reason, got %q", s.Reason)
	}
}

func TestConditionOrder_FirstWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 5
	b, _ := newTestBreaker(t, cfg, &memPersister{}, nil)

	for i := 0; i < 4; i++ {
		b.RecordLoss(1)
	}
	// Fifth loss satisfies both the daily limit and the streak.
	b.RecordLoss(1)

	if r := b.State().Reason; !strings.Contains(r, "daily loss") {
		t.Errorf("expected daily loss to win, got %q", r)
	}
}

func TestDailyRollover(t *testing.T) {
	p := &memPersister{}
	b, now := newTestBreaker(t, DefaultConfig(), p, nil)

	for i := 0; i < 3; i++ {
		b.RecordLoss(10)
	}

	// Simulate a stale last-reset date from yesterday.
	b.mu.Lock()
	b.state.LastResetDate = utcDate(*now).AddDate(0, 0, -1)
	b.mu.Unlock()

	s := b.State()
	if !s.DailyLoss.IsZero() {
		t.Errorf("expected daily loss reset, got %s", s.DailyLoss)
	}
	if s.ConsecutiveLosses != 0 {
		t.Errorf("expected streak reset, got %d", s.ConsecutiveLosses)
	}
	if !s.LastResetDate.Equal(utcDate(*now)) {
		t.Errorf("expected last reset date %v, got %v", utcDate(*now), s.LastResetDate)
	}
	if p.state == nil || !p.state.DailyLoss.IsZero() {
		t.Error("expected rollover to be persisted")
	}
}

func TestDailyRollover_BeforeNewLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 50
	b, now := newTestBreaker(t, cfg, &memPersister{}, nil)

	b.RecordLoss(45)
	*now = now.Add(24 * time.Hour)
	b.RecordLoss(10)

	s := b.State()
	if s.Active {
		t.Error("yesterday's loss must not count toward today's limit")
	}
	if !s.DailyLoss.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected 10, got %s", s.DailyLoss)
	}
}

func TestCheckTradeAllowed(t *testing.T) {
	b, now := newTestBreaker(t, DefaultConfig(), &memPersister{}, nil)

	if skip := b.CheckTradeAllowed("t1"); skip != nil {
		t.Fatalf("expected allowed, got %+v", skip)
	}

	for i := 0; i < 5; i++ {
		b.RecordLoss(1)
	}
	*now = now.Add(15 * time.Minute)

	skip := b.CheckTradeAllowed("t2")
	if skip == nil {
		t.Fatal("expected skip decision")
	}
	if skip.TradeID != "t2" {
		t.Errorf("expected trade id t2, got %s", skip.TradeID)
	}
	if skip.RemainingTime != 45*time.Minute {
		t.Errorf("expected 45m remaining, got %v", skip.RemainingTime)
	}
	if !skip.RecoveryETA.Equal(day.Add(time.Hour)) {
		t.Errorf("unexpected ETA %v", skip.RecoveryETA)
	}
	if !strings.Contains(skip.Message, "resumes in 45m0s") {
		t.Errorf("unexpected message %q", skip.Message)
	}
}

func TestCooldownAutoReset(t *testing.T) {
	b, now := newTestBreaker(t, DefaultConfig(), &memPersister{}, nil)
	for i := 0; i < 5; i++ {
		b.RecordLoss(1)
	}

	*now = now.Add(time.Hour)
	if b.CheckTradeAllowed("t1") == nil {
		t.Fatal("expected still blocked at exactly the cooldown")
	}

	*now = now.Add(time.Second)
	if skip := b.CheckTradeAllowed("t2"); skip != nil {
		t.Fatalf("expected auto-reset after cooldown, got %+v", skip)
	}
	s := b.State()
	if s.Active || s.Reason != "" || s.ActivationTime != nil {
		t.Errorf("expected closed state, got %+v", s)
	}
	if s.DailyLoss.IsZero() {
		t.Error("cooldown must not clear the daily loss")
	}
}

func TestManualReset(t *testing.T) {
	n := &recordingNotifier{}
	b, _ := newTestBreaker(t, DefaultConfig(), &memPersister{}, n)
	for i := 0; i < 5; i++ {
		b.RecordLoss(1)
	}

	b.Reset("operator")
	b.WaitAlerts()

	if b.IsActive() {
		t.Error("expected breaker closed after manual reset")
	}
	if n.count() != 2 {
		t.Errorf("expected activation and reset alerts, got %d", n.count())
	}
}

func TestActivationAlert_SentOnce(t *testing.T) {
	n := &recordingNotifier{}
	b, _ := newTestBreaker(t, DefaultConfig(), &memPersister{}, n)

	for i := 0; i < 8; i++ {
		b.RecordLoss(1)
	}
	b.WaitAlerts()

	if n.count() != 1 {
		t.Fatalf("expected exactly 1 activation alert, got %d", n.count())
	}
	if n.alerts[0].Kind != notifier.AlertKindBreakerActivated {
		t.Errorf("unexpected alert kind %s", n.alerts[0].Kind)
	}
}

func TestAlertFailureDoesNotAffectState(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig(), &memPersister{}, panickyNotifier{})
	for i := 0; i < 5; i++ {
		b.RecordLoss(1)
	}
	b.WaitAlerts()

	if !b.IsActive() {
		t.Error("alert failure must not change breaker state")
	}
}

func TestFailOpenOnInternalError(t *testing.T) {
	p := &memPersister{}
	b, now := newTestBreaker(t, DefaultConfig(), p, nil)
	for i := 0; i < 5; i++ {
		b.RecordLoss(1)
	}
	if b.CheckTradeAllowed("t1") == nil {
		t.Fatal("expected blocked before the fault")
	}

	// Next call rolls over and persists, which now panics.
	p.mu.Lock()
	p.panicOn = true
	p.mu.Unlock()
	*now = now.Add(24 * time.Hour)
	b.mu.Lock()
	b.state.ActivationTime = ptr(now.Add(-time.Minute))
	b.mu.Unlock()

	if skip := b.CheckTradeAllowed("t2"); skip != nil {
		t.Errorf("expected fail-open, got %+v", skip)
	}

	// The lock must have been released.
	p.mu.Lock()
	p.panicOn = false
	p.mu.Unlock()
	if !b.IsActive() {
		t.Error("state should still record the activation")
	}
}

func TestPersistenceErrorIsSwallowed(t *testing.T) {
	p := &memPersister{saveErr: errors.New("read-only filesystem")}
	b, _ := newTestBreaker(t, DefaultConfig(), p, nil)

	b.RecordLoss(3)

	if got := b.DailyLoss(); got != 3 {
		t.Errorf("expected daily loss 3, got %v", got)
	}
	if p.saves != 1 {
		t.Errorf("expected 1 save attempt, got %d", p.saves)
	}
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not registered", name)
	return 0
}

func TestObserve_MirrorsState(t *testing.T) {
	s := NewState(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s.Active = true
	s.DailyLoss = decimal.NewFromFloat(42.5)
	s.ConsecutiveLosses = 3
	observe(s)

	if got := gaugeValue(t, "copybot_breaker_active"); got != 1 {
		t.Errorf("expected active gauge 1, got %v", got)
	}
	if got := gaugeValue(t, "copybot_breaker_daily_loss"); got != 42.5 {
		t.Errorf("expected daily loss gauge 42.5, got %v", got)
	}
	if got := gaugeValue(t, "copybot_breaker_consecutive_losses"); got != 3 {
		t.Errorf("expected consecutive gauge 3, got %v", got)
	}

	// The gauges hold only the latest observation.
	observe(NewState(s.LastResetDate))
	if got := gaugeValue(t, "copybot_breaker_active"); got != 0 {
		t.Errorf("expected active gauge 0, got %v", got)
	}
	if got := gaugeValue(t, "copybot_breaker_daily_loss"); got != 0 {
		t.Errorf("expected daily loss gauge 0, got %v", got)
	}
}

func TestRestoresPersistedState(t *testing.T) {
	at := day.Add(-10 * time.Minute)
	p := &memPersister{state: &State{
		Active:            true,
		Reason:            "consecutive losses: 5 >= 5",
		ActivationTime:    &at,
		DailyLoss:         decimal.NewFromFloat(12.5),
		LastResetDate:     utcDate(day),
		ConsecutiveLosses: 5,
	}}

	b, _ := newTestBreaker(t, DefaultConfig(), p, nil)
	skip := b.CheckTradeAllowed("t1")
	if skip == nil {
		t.Fatal("expected restored breaker to block")
	}
	if skip.RemainingTime != 50*time.Minute {
		t.Errorf("expected 50m remaining, got %v", skip.RemainingTime)
	}
}

func TestRecordLoss_IgnoresInvalid(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig(), nil, nil)
	b.RecordLoss(-5)
	if s := b.State(); !s.DailyLoss.IsZero() || s.ConsecutiveLosses != 0 {
		t.Errorf("negative loss should be ignored, got %+v", s)
	}
}

func ptr[T any](v T) *T { return &v }
