package discord

import (
	"fmt"
	"time"

	"copybot/clients/notifier"
	"copybot/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorInfo     = 0x2ECC71 // green
	colorWarning  = 0xF1C40F // yellow
	colorCritical = 0xE74C3C // red

	profileURL = "https://polymarket.com/profile/%s"
)

// messageSender is the part of a discordgo session the client uses.
type messageSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// DiscordClient sends alerts to a Discord channel as embeds.
// Implements notifier.Notifier.
type DiscordClient struct {
	logger    *zap.Logger
	session   messageSender
	channelID string
	isProd    bool
}

var _ notifier.Notifier = (*DiscordClient)(nil)

func NewDiscordClient(logger *zap.Logger, cfg *config.Config) *DiscordClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("discord")

	dc := &DiscordClient{
		logger:    logger,
		channelID: cfg.Discord.BetaChannelID,
		isProd:    cfg.IsProd,
	}
	if cfg.IsProd {
		dc.channelID = cfg.Discord.ProdChannelID
	}

	token := cfg.Discord.BotToken
	if token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return dc
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return dc
	}
	dc.session = session

	logger.Info("discord bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("channelID", dc.channelID),
	)
	return dc
}

// Enabled reports whether alerts will be delivered.
func (dc *DiscordClient) Enabled() bool {
	return dc.session != nil && dc.channelID != ""
}

// SendAlert posts alert as an embed. Delivery failures are logged.
func (dc *DiscordClient) SendAlert(alert notifier.Alert) {
	if !dc.Enabled() {
		dc.logger.Debug("discord not configured, skipping alert", zap.String("kind", string(alert.Kind)))
		return
	}

	if _, err := dc.session.ChannelMessageSendEmbed(dc.channelID, buildEmbed(alert)); err != nil {
		dc.logger.Error("failed to send discord embed",
			zap.String("kind", string(alert.Kind)),
			zap.Error(err),
		)
		return
	}

	dc.logger.Info("sent discord alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("id", alert.ID),
	)
}

func buildEmbed(alert notifier.Alert) *discordgo.MessageEmbed {
	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(alert.Fields)+2)
	if alert.Wallet != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Wallet",
			Value:  fmt.Sprintf("[%s](%s)", shortAddress(alert.Wallet), fmt.Sprintf(profileURL, alert.Wallet)),
			Inline: true,
		})
	}
	if alert.MarketID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Market",
			Value:  shortAddress(alert.MarketID),
			Inline: true,
		})
	}
	for _, kv := range alert.SortedFields() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   kv[0],
			Value:  kv[1],
			Inline: true,
		})
	}

	embed := &discordgo.MessageEmbed{
		Title:       kindEmoji(alert.Kind) + " " + alert.Title,
		Description: alert.Message,
		Color:       severityColor(alert.Severity),
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "copybot * " + ts.UTC().Format("2006-01-02 15:04:05 MST"),
		},
		Timestamp: ts.Format(time.RFC3339),
	}
	if alert.Wallet != "" {
		embed.URL = fmt.Sprintf(profileURL, alert.Wallet)
	}
	return embed
}

func severityColor(s notifier.Severity) int {
	switch s {
	case notifier.SeverityCritical:
		return colorCritical
	case notifier.SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}

func kindEmoji(k notifier.AlertKind) string {
	switch k {
	case notifier.AlertKindBreakerActivated:
		return "🛑"
	case notifier.AlertKindBreakerReset:
		return "✅"
	case notifier.AlertKindCopyTrade:
		return "📋"
	case notifier.AlertKindPositionClosed:
		return "📕"
	case notifier.AlertKindClassification:
		return "🔎"
	default:
		return "🚨"
	}
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}
