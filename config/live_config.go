package config

import (
	"strconv"
	"sync"
	"time"
)

// ConfigObserver is notified after every accepted config change.
type ConfigObserver interface {
	OnConfigUpdate(cfg *Config)
}

// LiveConfig holds the running config and fans accepted updates out to
// observers. Readers always get a copy.
type LiveConfig struct {
	mu          sync.RWMutex
	config      *Config
	version     int
	lastUpdated time.Time

	obsMu     sync.RWMutex
	observers []ConfigObserver
}

// NewLiveConfig creates a LiveConfig seeded with initial (or Defaults when nil).
func NewLiveConfig(initial *Config) *LiveConfig {
	if initial == nil {
		initial = Defaults()
	}
	return &LiveConfig{
		config:      initial.Clone(),
		version:     1,
		lastUpdated: time.Now(),
	}
}

// Get returns a copy of the current config.
func (lc *LiveConfig) Get() *Config {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.config.Clone()
}

// GetDirect returns the current config without cloning.
// Callers must treat the result as read-only.
func (lc *LiveConfig) GetDirect() *Config {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.config
}

// Update validates newConfig, swaps it in and notifies observers.
// A rejected config leaves the current one untouched.
func (lc *LiveConfig) Update(newConfig *Config) error {
	if newConfig == nil {
		return nil
	}

	result := newConfig.Validate()
	if !result.Valid {
		return &ConfigValidationError{Errors: result.Errors}
	}

	accepted := newConfig.Clone()

	lc.mu.Lock()
	lc.config = accepted
	lc.version++
	lc.lastUpdated = time.Now()
	lc.mu.Unlock()

	// Observers may call back into LiveConfig, so notify outside the lock.
	lc.notifyObservers(accepted)
	return nil
}

// UpdatePartial applies updateFn to a copy of the current config and
// submits the result through Update.
func (lc *LiveConfig) UpdatePartial(updateFn func(*Config)) error {
	next := lc.Get()
	updateFn(next)
	return lc.Update(next)
}

// AddObserver registers obs for future updates.
func (lc *LiveConfig) AddObserver(obs ConfigObserver) {
	if obs == nil {
		return
	}
	lc.obsMu.Lock()
	defer lc.obsMu.Unlock()
	lc.observers = append(lc.observers, obs)
}

// RemoveObserver unregisters obs.
func (lc *LiveConfig) RemoveObserver(obs ConfigObserver) {
	if obs == nil {
		return
	}
	lc.obsMu.Lock()
	defer lc.obsMu.Unlock()
	for i, o := range lc.observers {
		if o == obs {
			lc.observers = append(lc.observers[:i], lc.observers[i+1:]...)
			return
		}
	}
}

// ObserverCount returns the number of registered observers.
func (lc *LiveConfig) ObserverCount() int {
	lc.obsMu.RLock()
	defer lc.obsMu.RUnlock()
	return len(lc.observers)
}

func (lc *LiveConfig) notifyObservers(cfg *Config) {
	lc.obsMu.RLock()
	observers := make([]ConfigObserver, len(lc.observers))
	copy(observers, lc.observers)
	lc.obsMu.RUnlock()

	for _, obs := range observers {
		obs.OnConfigUpdate(cfg.Clone())
	}
}

// Version increments on every accepted update.
func (lc *LiveConfig) Version() int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.version
}

// LastUpdated returns when the config was last replaced.
func (lc *LiveConfig) LastUpdated() time.Time {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.lastUpdated
}

// ConfigValidationError is returned when a submitted config fails validation.
type ConfigValidationError struct {
	Errors []ValidationError
}

func (e *ConfigValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "config validation failed"
	}
	msg := "config validation failed: " + e.Errors[0].Field + ": " + e.Errors[0].Message
	if extra := len(e.Errors) - 1; extra > 0 {
		msg += " (and " + strconv.Itoa(extra) + " more)"
	}
	return msg
}
