package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/adapters/config"
	"github.com/tradepulse/engine/pkg/logger"
)

// ChannelResolver maps users to telegram chat ids
type ChannelResolver interface {
	GetChatIDByUserID(ctx context.Context, userID string) (int64, error)
}

// Notifier sends fire-and-forget alerts to users via Telegram.
// Failures are logged and never block the triggering transition.
type Notifier struct {
	api      *tgbotapi.BotAPI
	channels ChannelResolver
	cfg      *config.TelegramConfig
}

// NewNotifier creates new Telegram notifier
func NewNotifier(cfg *config.TelegramConfig, channels ChannelResolver) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
	)

	return &Notifier{api: bot, channels: channels, cfg: cfg}, nil
}

// Notify delivers a text alert to the user's telegram chat
func (n *Notifier) Notify(ctx context.Context, userID, text string) {
	if !n.cfg.AlertOnTrades {
		return
	}

	chatID, err := n.channels.GetChatIDByUserID(ctx, userID)
	if err != nil {
		logger.Warn("failed to resolve telegram chat for alert",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		logger.Warn("failed to send telegram alert",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// NopNotifier discards alerts. Used when Telegram is not configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, userID, text string) {}
