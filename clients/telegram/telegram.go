package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"copybot/clients/notifier"
	"copybot/config"

	"go.uber.org/zap"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramClient sends alerts to a Telegram chat.
// Implements notifier.Notifier.
type TelegramClient struct {
	logger   *zap.Logger
	apiBase  string
	botToken string
	chatID   string
	isProd   bool
	client   *http.Client
}

var _ notifier.Notifier = (*TelegramClient)(nil)

func NewTelegramClient(logger *zap.Logger, cfg *config.Config) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("telegram")

	chatID := cfg.Telegram.BetaChatID
	if cfg.IsProd {
		chatID = cfg.Telegram.ProdChatID
	}

	tc := &TelegramClient{
		logger:   logger,
		apiBase:  telegramAPIBase,
		botToken: cfg.Telegram.BotToken,
		chatID:   chatID,
		isProd:   cfg.IsProd,
		client:   &http.Client{Timeout: 10 * time.Second},
	}

	if tc.botToken == "" {
		logger.Warn("TELEGRAM_BOT_KEY not set, Telegram alerts disabled")
		return tc
	}

	logger.Info("telegram bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("chatID", chatID),
	)
	return tc
}

// SendAlert posts alert as a Markdown message. Delivery failures are logged.
func (tc *TelegramClient) SendAlert(alert notifier.Alert) {
	if tc.botToken == "" || tc.chatID == "" {
		tc.logger.Debug("telegram not configured, skipping alert", zap.String("kind", string(alert.Kind)))
		return
	}

	if err := tc.sendMessage(buildMessage(alert)); err != nil {
		tc.logger.Error("failed to send telegram message",
			zap.String("kind", string(alert.Kind)),
			zap.Error(err),
		)
		return
	}

	tc.logger.Info("sent telegram alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("id", alert.ID),
	)
}

func buildMessage(alert notifier.Alert) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s *%s*\n", severityEmoji(alert.Severity), escapeMarkdown(alert.Title))
	if alert.Message != "" {
		fmt.Fprintf(&sb, "%s\n", escapeMarkdown(alert.Message))
	}
	sb.WriteString("\n")

	if alert.Wallet != "" {
		fmt.Fprintf(&sb, "*Wallet:* [%s](https://polymarket.com/profile/%s)\n",
			escapeMarkdown(shortAddress(alert.Wallet)), alert.Wallet)
	}
	if alert.MarketID != "" {
		fmt.Fprintf(&sb, "*Market:* %s\n", escapeMarkdown(shortAddress(alert.MarketID)))
	}
	for _, kv := range alert.SortedFields() {
		fmt.Fprintf(&sb, "*%s:* %s\n", escapeMarkdown(kv[0]), escapeMarkdown(kv[1]))
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&sb, "\n_copybot %s_", ts.UTC().Format("2006-01-02 15:04:05 MST"))
	return sb.String()
}

func severityEmoji(s notifier.Severity) string {
	switch s {
	case notifier.SeverityCritical:
		return "🛑"
	case notifier.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func (tc *TelegramClient) sendMessage(text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", tc.apiBase, tc.botToken)

	body, err := json.Marshal(map[string]any{
		"chat_id":    tc.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := tc.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements notifier.Notifier.
func (tc *TelegramClient) Close() error {
	return nil
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

// escapeMarkdown escapes special characters for Telegram Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
