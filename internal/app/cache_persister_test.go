package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"copybot/clients/gist"
	"copybot/internal/behavior"
	"copybot/internal/store"
)

func storeWith(t *testing.T, wallets int, history int) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore(100)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < wallets; i++ {
		wallet := fmt.Sprintf("0xwallet%03d", i)
		for h := 0; h < history; h++ {
			wc := &behavior.WalletClassification{
				WalletID:       wallet,
				Classification: behavior.DirectionalTrader,
				Probability:    0.3,
				Confidence:     0.7,
				TradeCount:     20 + h,
				Timestamp:      base.Add(time.Duration(i)*time.Hour + time.Duration(h)*time.Minute),
			}
			if err := st.Put(context.Background(), wc); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := st.AppendHistory(context.Background(), wc); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	return st
}

func newTestPersister(g GistStorage, st SnapshotStore, tm *TradeMonitor, maxSize int64) *CachePersister {
	return NewCachePersister(nil, g, st, tm, time.Minute, "cache.json", "seen.json", maxSize)
}

func TestNewCachePersister_Defaults(t *testing.T) {
	cp := NewCachePersister(nil, nil, store.NewMemoryStore(0), nil, 0, "", "", 0)

	if cp.logger == nil {
		t.Error("expected logger to be set")
	}
	if cp.uploadInterval != 10*time.Minute {
		t.Errorf("unexpected upload interval: %v", cp.uploadInterval)
	}
	if cp.cacheFileName != "classifications.json" || cp.seenTradesFileName != "seen_trades.json" {
		t.Errorf("unexpected file names: %s %s", cp.cacheFileName, cp.seenTradesFileName)
	}
}

func TestCachePersister_Disabled(t *testing.T) {
	g := NewMockGistStorage()
	g.SetEnabled(false)
	st := storeWith(t, 2, 1)
	cp := newTestPersister(g, st, nil, 0)

	if err := cp.SaveCache(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Saves() != 0 {
		t.Error("expected no saves while disabled")
	}
	if n, err := cp.LoadCache(context.Background()); n != 0 || err != nil {
		t.Errorf("expected no-op load, got %d, %v", n, err)
	}

	// Nil client behaves the same.
	cp = newTestPersister(nil, st, nil, 0)
	if err := cp.SaveCache(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	cp.Run(context.Background())
}

func TestCachePersister_NoGistID(t *testing.T) {
	g := NewMockGistStorage()
	g.SetGistID("")
	g.SetLoadError(errors.New("should not be called"))
	cp := newTestPersister(g, store.NewMemoryStore(0), nil, 0)

	if n, err := cp.LoadCache(context.Background()); n != 0 || err != nil {
		t.Errorf("expected fresh start, got %d, %v", n, err)
	}
}

func TestCachePersister_LoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		content string
		wantErr bool
	}{
		{"not found starts fresh", fmt.Errorf("%w: cache.json", gist.ErrNotFound), "", false},
		{"api error", errors.New("status=500"), "", true},
		{"bad json", nil, "{not json", true},
		{"empty file", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewMockGistStorage()
			g.SetLoadError(tt.err)
			g.SetContent("cache.json", tt.content)
			cp := newTestPersister(g, store.NewMemoryStore(0), nil, 0)

			n, err := cp.LoadCache(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
			if n != 0 {
				t.Errorf("expected nothing imported, got %d", n)
			}
		})
	}
}

func TestCachePersister_CacheRoundTrip(t *testing.T) {
	g := NewMockGistStorage()
	src := storeWith(t, 3, 2)
	if err := newTestPersister(g, src, nil, 0).SaveCache(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GetContent("cache.json") == "" {
		t.Fatal("expected cache file written")
	}

	dst := store.NewMemoryStore(100)
	n, err := newTestPersister(g, dst, nil, 0).LoadCache(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 || dst.Len() != 3 {
		t.Errorf("expected 3 wallets, got %d (len %d)", n, dst.Len())
	}

	wc, err := dst.Get(context.Background(), "0xwallet001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wc.Classification != behavior.DirectionalTrader || wc.TradeCount != 21 {
		t.Errorf("unexpected restored classification: %+v", wc)
	}
	history, _ := dst.History(context.Background(), "0xwallet001")
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}
}

func TestCachePersister_SaveEmptyStore(t *testing.T) {
	g := NewMockGistStorage()
	cp := newTestPersister(g, store.NewMemoryStore(0), nil, 0)

	if err := cp.SaveCache(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Saves() != 0 {
		t.Error("expected empty store not to be saved")
	}
}

func TestCachePersister_SaveError(t *testing.T) {
	g := NewMockGistStorage()
	g.SetSaveError(errors.New("rate limited"))
	cp := newTestPersister(g, storeWith(t, 1, 1), nil, 0)

	if err := cp.SaveCache(context.Background()); err == nil {
		t.Error("expected save error")
	}
}

func TestCachePersister_SeenTradesRoundTrip(t *testing.T) {
	g := NewMockGistStorage()
	src := NewTradeMonitor(nil, nil, nil, nil, nil, nil, TradeMonitorConfig{})
	now := time.Now()
	src.markSeen("0xa:0x1:tok:BUY", now.Add(-time.Minute))
	src.markSeen("0xa:0x2:tok:SELL", now)

	if err := newTestPersister(g, store.NewMemoryStore(0), src, 0).SaveSeenTrades(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dst := NewTradeMonitor(nil, nil, nil, nil, nil, nil, TradeMonitorConfig{})
	n, err := newTestPersister(g, store.NewMemoryStore(0), dst, 0).LoadSeenTrades(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 || dst.SeenTradesCount() != 2 {
		t.Errorf("expected 2 seen trades, got %d", n)
	}
}

func TestCachePersister_SeenTradesWithoutMonitor(t *testing.T) {
	g := NewMockGistStorage()
	g.SetContent("seen.json", `{"version":2,"trades":[{"key":"a"}]}`)
	cp := newTestPersister(g, store.NewMemoryStore(0), nil, 0)

	if n, err := cp.LoadSeenTrades(context.Background()); n != 0 || err != nil {
		t.Errorf("expected no-op, got %d, %v", n, err)
	}
	if err := cp.SaveSeenTrades(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCachePersister_SeenTradesTrimmed(t *testing.T) {
	g := NewMockGistStorage()
	tm := NewTradeMonitor(nil, nil, nil, nil, nil, nil, TradeMonitorConfig{})
	base := time.Now().Add(-time.Hour)
	for i := 0; i < MaxSeenTrades+10; i++ {
		tm.markSeen(fmt.Sprintf("key-%05d", i), base.Add(time.Duration(i)*time.Millisecond))
	}

	if err := newTestPersister(g, store.NewMemoryStore(0), tm, 0).SaveSeenTrades(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var snap SeenTradesSnapshot
	if err := json.Unmarshal([]byte(g.GetContent("seen.json")), &snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Trades) != MaxSeenTrades {
		t.Fatalf("expected %d trades, got %d", MaxSeenTrades, len(snap.Trades))
	}
	if snap.Trades[0].Key != "key-00010" {
		t.Errorf("expected oldest entries trimmed, first is %s", snap.Trades[0].Key)
	}
}

func TestTrimWallets(t *testing.T) {
	snap := storeWith(t, 5, 1).Export()

	trimmed := trimWallets(snap, 2)
	if len(trimmed.Latest) != 2 || len(trimmed.History) != 2 {
		t.Fatalf("expected 2 wallets, got %d/%d", len(trimmed.Latest), len(trimmed.History))
	}
	for _, want := range []string{"0xwallet004", "0xwallet003"} {
		if _, ok := trimmed.Latest[want]; !ok {
			t.Errorf("expected most recent wallet %s kept", want)
		}
	}

	if same := trimWallets(snap, 10); len(same.Latest) != 5 {
		t.Errorf("expected untouched snapshot, got %d", len(same.Latest))
	}
}

func TestTrimToMaxSize(t *testing.T) {
	snap := storeWith(t, 2, 8).Export()
	full, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limit := int64(len(full) / 2)
	trimmed, dropped := trimToMaxSize(snap, limit)
	if dropped == 0 {
		t.Fatal("expected history entries dropped")
	}
	data, _ := json.Marshal(trimmed)
	if int64(len(data)) > limit {
		t.Errorf("expected snapshot within %d bytes, got %d", limit, len(data))
	}
	if len(trimmed.Latest) != 2 {
		t.Errorf("expected latest classifications kept, got %d", len(trimmed.Latest))
	}

	h := trimmed.History["0xwallet000"]
	if len(h) > 0 && h[len(h)-1].TradeCount != 27 {
		t.Errorf("expected newest history entry kept, got %d", h[len(h)-1].TradeCount)
	}
}

func TestCachePersister_RunSavesOnShutdown(t *testing.T) {
	g := NewMockGistStorage()
	cp := NewCachePersister(nil, g, storeWith(t, 1, 1), nil, time.Hour, "cache.json", "seen.json", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cp.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if g.GetContent("cache.json") == "" {
		t.Error("expected final save on shutdown")
	}
}
