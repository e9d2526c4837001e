package clients

import (
	"copybot/clients/discord"
	"copybot/clients/gist"
	"copybot/clients/notifier"
	"copybot/clients/polymarketapi"
	"copybot/clients/polymarketevents"
	"copybot/clients/telegram"
	"copybot/config"

	"go.uber.org/zap"
)

type Clients struct {
	Logger *zap.Logger

	Discord          *discord.DiscordClient
	Telegram         *telegram.TelegramClient
	Notifier         notifier.Notifier // Combined notifier for all channels
	Polymarket       *polymarketapi.PolymarketApiClient
	PolymarketEvents *polymarketevents.PolymarketEventsClient
	Gist             *gist.Client // Classification cache gist
	SettingsGist     *gist.Client // Settings gist; nil when not configured
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	discordClient := discord.NewDiscordClient(logger, cfg)
	telegramClient := telegram.NewTelegramClient(logger, cfg)

	// Create combined notifier for all channels
	multiNotifier := notifier.NewMultiNotifier(discordClient, telegramClient)

	cacheGist := gist.NewClient(logger, cfg)

	c := &Clients{
		Logger:     logger,
		Discord:    discordClient,
		Telegram:   telegramClient,
		Notifier:   multiNotifier,
		Polymarket: polymarketapi.NewPolymarketApiClient(logger, cfg),
		Gist:       cacheGist,
	}

	if cfg.Gist.SettingsGistID != "" {
		c.SettingsGist = cacheGist.WithGistID(cfg.Gist.SettingsGistID)
	}

	// Only create WebSocket client if configured to use it
	if cfg.Polymarket.UsePriceStream {
		c.PolymarketEvents = polymarketevents.NewPolymarketEventsClient(logger, cfg.Polymarket.MarketWSURL)
	}

	return c
}

// Close releases the notifier sessions.
func (c *Clients) Close() error {
	if c.PolymarketEvents != nil {
		_ = c.PolymarketEvents.Close()
	}
	return c.Notifier.Close()
}
