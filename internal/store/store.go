package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"copybot/internal/behavior"
)

// ErrNotFound is returned when a wallet has no stored classification.
var ErrNotFound = errors.New("classification not found")

// DefaultMaxHistory is the per-wallet history cap used when none is given.
const DefaultMaxHistory = 100

// Store holds the latest classification per wallet plus an append-only history.
type Store interface {
	Get(ctx context.Context, wallet string) (*behavior.WalletClassification, error)
	Put(ctx context.Context, wc *behavior.WalletClassification) error
	AppendHistory(ctx context.Context, wc *behavior.WalletClassification) error
	History(ctx context.Context, wallet string) ([]*behavior.WalletClassification, error)
}

// Snapshot is the serializable form of a MemoryStore.
type Snapshot struct {
	Latest  map[string]*behavior.WalletClassification   `json:"latest"`
	History map[string][]*behavior.WalletClassification `json:"history"`
	SavedAt time.Time                                   `json:"saved_at"`
}

// MemoryStore is an in-process Store. Wallet keys are case-insensitive.
type MemoryStore struct {
	mu         sync.RWMutex
	latest     map[string]*behavior.WalletClassification
	history    map[string][]*behavior.WalletClassification
	maxHistory int
}

// NewMemoryStore creates a store keeping at most maxHistory snapshots per wallet.
func NewMemoryStore(maxHistory int) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &MemoryStore{
		latest:     make(map[string]*behavior.WalletClassification),
		history:    make(map[string][]*behavior.WalletClassification),
		maxHistory: maxHistory,
	}
}

func key(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// Get returns the latest classification or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, wallet string) (*behavior.WalletClassification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wc, ok := s.latest[key(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	return wc.Clone(), nil
}

// Put replaces the latest classification unless it is older than the stored one.
func (s *MemoryStore) Put(ctx context.Context, wc *behavior.WalletClassification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if wc == nil || key(wc.WalletID) == "" {
		return errors.New("classification has no wallet id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(wc.WalletID)
	if cur, ok := s.latest[k]; ok && wc.Timestamp.Before(cur.Timestamp) {
		return nil
	}
	s.latest[k] = wc.Clone()
	return nil
}

// AppendHistory records a snapshot, dropping the oldest beyond the cap.
func (s *MemoryStore) AppendHistory(ctx context.Context, wc *behavior.WalletClassification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if wc == nil || key(wc.WalletID) == "" {
		return errors.New("classification has no wallet id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(wc.WalletID)
	h := append(s.history[k], wc.Clone())
	if len(h) > s.maxHistory {
		h = append([]*behavior.WalletClassification(nil), h[len(h)-s.maxHistory:]...)
	}
	s.history[k] = h
	return nil
}

// History returns a wallet's snapshots, oldest first.
func (s *MemoryStore) History(ctx context.Context, wallet string) ([]*behavior.WalletClassification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[key(wallet)]
	out := make([]*behavior.WalletClassification, len(h))
	for i, wc := range h {
		out[i] = wc.Clone()
	}
	return out, nil
}

// Wallets lists wallets with a latest classification, sorted.
func (s *MemoryStore) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.latest))
	for k := range s.latest {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of wallets with a latest classification.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// Export returns a deep copy of the store contents.
func (s *MemoryStore) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Latest:  make(map[string]*behavior.WalletClassification, len(s.latest)),
		History: make(map[string][]*behavior.WalletClassification, len(s.history)),
		SavedAt: time.Now(),
	}
	for k, wc := range s.latest {
		snap.Latest[k] = wc.Clone()
	}
	for k, h := range s.history {
		cp := make([]*behavior.WalletClassification, len(h))
		for i, wc := range h {
			cp[i] = wc.Clone()
		}
		snap.History[k] = cp
	}
	return snap
}

// Import merges a snapshot. Newer in-memory entries win over imported ones.
func (s *MemoryStore) Import(snap Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	for k, wc := range snap.Latest {
		if wc == nil {
			continue
		}
		k = key(k)
		if cur, ok := s.latest[k]; ok && !wc.Timestamp.After(cur.Timestamp) {
			continue
		}
		s.latest[k] = wc.Clone()
		imported++
	}
	for k, h := range snap.History {
		k = key(k)
		if len(s.history[k]) > 0 {
			continue
		}
		cp := make([]*behavior.WalletClassification, 0, len(h))
		for _, wc := range h {
			if wc != nil {
				cp = append(cp, wc.Clone())
			}
		}
		if len(cp) > s.maxHistory {
			cp = cp[len(cp)-s.maxHistory:]
		}
		s.history[k] = cp
	}
	return imported
}
