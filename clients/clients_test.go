package clients

import (
	"testing"

	"copybot/config"

	"go.uber.org/zap"
)

func TestNewClients(t *testing.T) {
	cfg := &config.Config{
		Discord: config.DiscordConfig{
			BotToken:      "",
			ProdChannelID: "prod",
			BetaChannelID: "beta",
		},
		Polymarket: config.PolymarketConfig{
			DataAPIURL:     "https://data.example.com",
			ClobAPIURL:     "https://clob.example.com",
			UsePriceStream: true,
		},
		Gist: config.GistConfig{
			Token:          "token",
			GistID:         "cache",
			SettingsGistID: "settings",
		},
	}

	logger := zap.NewNop()
	clients := NewClients(logger, cfg)

	if clients.Logger != logger {
		t.Error("unexpected logger")
	}
	if clients.Discord == nil || clients.Telegram == nil {
		t.Error("expected alert clients to be set")
	}
	if clients.Polymarket == nil {
		t.Error("expected Polymarket client to be set")
	}
	if clients.PolymarketEvents == nil {
		t.Error("expected PolymarketEvents client to be set when the price stream is enabled")
	}
	if clients.Gist == nil || clients.Gist.GetGistID() != "cache" {
		t.Error("expected cache gist client")
	}
	if clients.SettingsGist == nil || clients.SettingsGist.GetGistID() != "settings" {
		t.Error("expected settings gist client bound to the settings gist")
	}
	if err := clients.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestNewClients_PollingMode(t *testing.T) {
	cfg := &config.Config{
		Polymarket: config.PolymarketConfig{
			DataAPIURL: "https://data.example.com",
		},
	}

	clients := NewClients(zap.NewNop(), cfg)

	if clients.PolymarketEvents != nil {
		t.Error("expected PolymarketEvents client to be nil when the price stream is disabled")
	}
	if clients.SettingsGist != nil {
		t.Error("expected no settings gist without an ID")
	}
}

func TestNewClients_NilLogger(t *testing.T) {
	clients := NewClients(nil, &config.Config{})

	if clients.Logger != nil {
		t.Error("expected nil logger to remain nil")
	}
	// Other clients should still be initialized
	if clients.Discord == nil {
		t.Error("expected Discord client to be set")
	}
}
