package notifier

import (
	"fmt"
	"sort"
	"time"
)

// AlertKind indicates why an alert was triggered.
type AlertKind string

const (
	AlertKindBreakerActivated AlertKind = "breaker_activated" // Circuit breaker opened
	AlertKindBreakerReset     AlertKind = "breaker_reset"     // Circuit breaker closed again
	AlertKindCopyTrade        AlertKind = "copy_trade"        // Trade approved for copying
	AlertKindPositionClosed   AlertKind = "position_closed"   // Copied position exited
	AlertKindClassification   AlertKind = "classification"    // Wallet style changed
)

// Severity controls how loudly an alert is rendered.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a channel-agnostic notification.
type Alert struct {
	ID       string
	Kind     AlertKind
	Severity Severity
	Title    string
	Message  string

	// Optional context
	Wallet   string
	MarketID string
	Fields   map[string]string

	Timestamp time.Time
}

// SortedFields returns Fields as key/value pairs ordered by key.
func (a Alert) SortedFields() [][2]string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, a.Fields[k]})
	}
	return out
}

// Text renders the alert as plain text.
func (a Alert) Text() string {
	s := a.Title
	if a.Message != "" {
		s += "\n" + a.Message
	}
	for _, kv := range a.SortedFields() {
		s += fmt.Sprintf("\n%s: %s", kv[0], kv[1])
	}
	return s
}

// Notifier is the interface for sending alerts to various channels.
// SendAlert is fire-and-forget: implementations log delivery failures.
type Notifier interface {
	// SendAlert sends an alert notification.
	SendAlert(alert Alert)

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	// Filter out nil notifiers
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// SendAlert sends the alert to all registered notifiers.
func (m *MultiNotifier) SendAlert(alert Alert) {
	for _, n := range m.notifiers {
		n.SendAlert(alert)
	}
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}
