package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"copybot/clients/notifier"
	"copybot/clients/polymarketapi"
	"copybot/clients/polymarketevents"
	"copybot/internal/behavior"
)

// MockGistStorage is a mock implementation of GistStorage for testing.
type MockGistStorage struct {
	mu      sync.RWMutex
	files   map[string]string
	gistID  string
	enabled bool
	loadErr error
	saveErr error
	saves   int
}

// NewMockGistStorage creates a new mock gist storage.
func NewMockGistStorage() *MockGistStorage {
	return &MockGistStorage{
		files:   make(map[string]string),
		gistID:  "mock-gist-id",
		enabled: true,
	}
}

// IsEnabled returns whether the mock is enabled.
func (m *MockGistStorage) IsEnabled() bool {
	return m.enabled
}

// SetEnabled sets whether the mock is enabled.
func (m *MockGistStorage) SetEnabled(enabled bool) {
	m.enabled = enabled
}

// Load returns stored content for a filename.
func (m *MockGistStorage) Load(ctx context.Context, filename string, gistID ...string) (string, error) {
	if m.loadErr != nil {
		return "", m.loadErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.files[filename], nil
}

// SaveJSON saves JSON data to a file.
func (m *MockGistStorage) SaveJSON(ctx context.Context, filename string, data any) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = string(jsonData)
	m.saves++
	return nil
}

// GetGistID returns the mock gist ID.
func (m *MockGistStorage) GetGistID() string {
	return m.gistID
}

// SetGistID sets the gist ID.
func (m *MockGistStorage) SetGistID(id string) {
	m.gistID = id
}

// SetLoadError sets an error to be returned on Load calls.
func (m *MockGistStorage) SetLoadError(err error) {
	m.loadErr = err
}

// SetSaveError sets an error to be returned on Save calls.
func (m *MockGistStorage) SetSaveError(err error) {
	m.saveErr = err
}

// SetContent sets the content for a filename.
func (m *MockGistStorage) SetContent(filename, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = content
}

// GetContent returns the content for a filename.
func (m *MockGistStorage) GetContent(filename string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.files[filename]
}

// Saves returns how many SaveJSON calls succeeded.
func (m *MockGistStorage) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// mockTradeFeed serves canned trades per wallet.
type mockTradeFeed struct {
	mu     sync.Mutex
	trades map[string][]behavior.Trade
	errs   map[string]error
	calls  []string
	since  time.Time
	limit  int
}

func newMockTradeFeed() *mockTradeFeed {
	return &mockTradeFeed{
		trades: make(map[string][]behavior.Trade),
		errs:   make(map[string]error),
	}
}

func (m *mockTradeFeed) set(wallet string, trades ...behavior.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[strings.ToLower(wallet)] = trades
}

func (m *mockTradeFeed) fail(wallet string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[strings.ToLower(wallet)] = err
}

func (m *mockTradeFeed) GetUserTrades(ctx context.Context, wallet string, limit int, since time.Time) ([]behavior.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, wallet)
	m.since = since
	m.limit = limit
	if err := m.errs[wallet]; err != nil {
		return nil, err
	}
	out := make([]behavior.Trade, len(m.trades[wallet]))
	copy(out, m.trades[wallet])
	return out, nil
}

func (m *mockTradeFeed) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockPriceSource serves midpoints per token.
type mockPriceSource struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func (m *mockPriceSource) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return m.prices[tokenID], nil
}

// mockBookSource returns one book for every token.
type mockBookSource struct {
	book *polymarketapi.OrderBook
	err  error
}

func (m *mockBookSource) GetOrderBook(ctx context.Context, tokenID string) (*polymarketapi.OrderBook, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.book, nil
}

// mockPriceStream records subscription changes.
type mockPriceStream struct {
	mu     sync.Mutex
	ch     chan polymarketevents.PriceEvent
	assets []string
	setErr error
}

func newMockPriceStream() *mockPriceStream {
	return &mockPriceStream{ch: make(chan polymarketevents.PriceEvent, 16)}
}

func (m *mockPriceStream) Prices() <-chan polymarketevents.PriceEvent {
	return m.ch
}

func (m *mockPriceStream) SetAssets(assetIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets = append([]string(nil), assetIDs...)
	return m.setErr
}

func (m *mockPriceStream) subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.assets...)
}

// recordingNotifier keeps every alert it is sent.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (n *recordingNotifier) SendAlert(alert notifier.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) sent() []notifier.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Alert(nil), n.alerts...)
}

func (n *recordingNotifier) ofKind(kind notifier.AlertKind) []notifier.Alert {
	var out []notifier.Alert
	for _, a := range n.sent() {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// mockOutcomes records closed-copy results.
type mockOutcomes struct {
	mu      sync.Mutex
	losses  []float64
	profits []float64
	results []bool
}

func (m *mockOutcomes) RecordLoss(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.losses = append(m.losses, amount)
}

func (m *mockOutcomes) RecordProfit(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profits = append(m.profits, amount)
}

func (m *mockOutcomes) RecordTradeResult(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, success)
}

// mockBalance records the last balance set.
type mockBalance struct {
	mu    sync.Mutex
	value float64
	calls int
}

func (m *mockBalance) SetBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = balance
	m.calls++
}

func (m *mockBalance) last() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// staticWallets is a fixed WalletLister.
type staticWallets []string

func (s staticWallets) Wallets() []string { return s }
