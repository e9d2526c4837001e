package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SettingsFileName is the name of the settings file in the settings gist.
const SettingsFileName = "copybot_settings.json"

// SettingsSnapshot is the document stored in the settings gist.
type SettingsSnapshot struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Config    *Config   `json:"config"`
}

// GistStorage is the subset of the gist client the settings manager needs.
type GistStorage interface {
	IsEnabled() bool
	LoadJSON(ctx context.Context, filename string, dest any) error
	SaveJSON(ctx context.Context, filename string, data any) error
	GetGistID() string
}

// SettingsManager is the administrative update path: it applies operator
// changes to the LiveConfig and keeps a copy in a gist so they survive restarts.
type SettingsManager struct {
	logger     *zap.Logger
	gist       GistStorage
	liveConfig *LiveConfig
}

// NewSettingsManager creates a SettingsManager. gist must already be bound to
// the settings gist; nil disables persistence.
func NewSettingsManager(logger *zap.Logger, gist GistStorage, liveConfig *LiveConfig) *SettingsManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsManager{
		logger:     logger.Named("settings"),
		gist:       gist,
		liveConfig: liveConfig,
	}
}

// IsEnabled returns true if settings persistence is available.
func (sm *SettingsManager) IsEnabled() bool {
	return sm.gist != nil && sm.gist.IsEnabled() && sm.gist.GetGistID() != ""
}

// LoadSettings merges stored settings over envConfig.
// Priority: Gist > Environment Variables > Defaults. Unreadable or invalid
// stored settings are logged and skipped.
func (sm *SettingsManager) LoadSettings(ctx context.Context, envConfig *Config) (*Config, error) {
	base := Defaults()
	if envConfig != nil {
		base = envConfig.Clone()
	}

	if !sm.IsEnabled() {
		sm.logger.Info("settings gist not configured, using env/defaults")
		return base, nil
	}

	var snapshot SettingsSnapshot
	if err := sm.gist.LoadJSON(ctx, SettingsFileName, &snapshot); err != nil {
		sm.logger.Warn("failed to load settings from gist, using env/defaults", zap.Error(err))
		return base, nil
	}
	if snapshot.Config == nil {
		return base, nil
	}

	merged := mergeConfigs(base, snapshot.Config)
	if result := merged.Validate(); !result.Valid {
		sm.logger.Warn("stored settings are invalid, using env/defaults",
			zap.Error(&ConfigValidationError{Errors: result.Errors}),
		)
		return base, nil
	}

	sm.logger.Info("loaded settings from gist",
		zap.Time("updated_at", snapshot.UpdatedAt),
		zap.Int("version", snapshot.Version),
	)
	return merged, nil
}

// SaveSettings writes the current live config to the gist.
func (sm *SettingsManager) SaveSettings(ctx context.Context) error {
	if !sm.IsEnabled() {
		return errors.New("settings gist not configured")
	}

	snapshot := SettingsSnapshot{
		Version:   sm.liveConfig.Version(),
		UpdatedAt: time.Now().UTC(),
		Config:    sm.liveConfig.Get(),
	}
	if err := sm.gist.SaveJSON(ctx, SettingsFileName, snapshot); err != nil {
		return fmt.Errorf("save to gist: %w", err)
	}

	sm.logger.Info("saved settings to gist", zap.Int("version", snapshot.Version))
	return nil
}

// UpdateAndSave replaces the live config and persists it. A failed save is
// logged but does not undo the update.
func (sm *SettingsManager) UpdateAndSave(ctx context.Context, newConfig *Config) error {
	if err := sm.liveConfig.Update(newConfig); err != nil {
		return fmt.Errorf("update config: %w", err)
	}

	if sm.IsEnabled() {
		if err := sm.SaveSettings(ctx); err != nil {
			sm.logger.Error("failed to save settings to gist", zap.Error(err))
		}
	}
	return nil
}

// UpdateFromJSON applies a partial JSON document to the current config.
// Fields absent from data keep their current values.
func (sm *SettingsManager) UpdateFromJSON(ctx context.Context, data []byte) error {
	next, err := ConfigFromJSON(data, sm.liveConfig.Get())
	if err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return sm.UpdateAndSave(ctx, next)
}

// GetCurrentConfig returns the current config.
func (sm *SettingsManager) GetCurrentConfig() *Config {
	return sm.liveConfig.Get()
}

// GetLiveConfig returns the LiveConfig for observers to register.
func (sm *SettingsManager) GetLiveConfig() *LiveConfig {
	return sm.liveConfig
}

// mergeConfigs overlays every JSON-visible field of overlay onto base.
// Secrets are not part of the JSON form and are kept from whichever side has them.
func mergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = Defaults()
	}
	if overlay == nil {
		return base.Clone()
	}

	result := base.Clone()
	if data, err := json.Marshal(overlay); err == nil {
		_ = json.Unmarshal(data, result)
	}
	result.Tracker.Wallets = normalizeWallets(result.Tracker.Wallets)

	result.Discord.BotToken = firstNonEmpty(overlay.Discord.BotToken, base.Discord.BotToken)
	result.Telegram.BotToken = firstNonEmpty(overlay.Telegram.BotToken, base.Telegram.BotToken)
	result.Gist.Token = firstNonEmpty(overlay.Gist.Token, base.Gist.Token)
	result.HealthServer.AdminToken = firstNonEmpty(overlay.HealthServer.AdminToken, base.HealthServer.AdminToken)
	result.Gist.GistID = firstNonEmpty(overlay.Gist.GistID, base.Gist.GistID)
	result.Gist.SettingsGistID = firstNonEmpty(overlay.Gist.SettingsGistID, base.Gist.SettingsGistID)
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SettingsInfo provides metadata about the current settings state.
type SettingsInfo struct {
	Source      string    `json:"source"` // "gist" or "env"
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
	GistEnabled bool      `json:"gist_enabled"`
	GistID      string    `json:"gist_id,omitempty"`
	IsValid     bool      `json:"is_valid"`
	Errors      []string  `json:"errors,omitempty"`
}

// GetSettingsInfo returns metadata about the current settings.
func (sm *SettingsManager) GetSettingsInfo() SettingsInfo {
	validation := sm.liveConfig.Get().Validate()

	info := SettingsInfo{
		Source:      "env",
		Version:     sm.liveConfig.Version(),
		LastUpdated: sm.liveConfig.LastUpdated(),
		GistEnabled: sm.IsEnabled(),
		IsValid:     validation.Valid,
	}
	if info.GistEnabled {
		info.Source = "gist"
		info.GistID = sm.gist.GetGistID()
	}
	for _, e := range validation.Errors {
		info.Errors = append(info.Errors, e.Field+": "+e.Message)
	}
	return info
}
