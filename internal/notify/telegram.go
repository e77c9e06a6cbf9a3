package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/minder/internal/bus"
)

// Telegram is a send-only forwarder: one bot, one chat, no inbound
// update polling.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	log.Info("telegram forwarder ready", "user", bot.Self.UserName, "chat_id", chatID)
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Forward(ctx context.Context, ev bus.NotifyEvent) error {
	msg := tgbotapi.NewMessage(t.chatID, formatNotification(ev))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// formatNotification keeps plain chat bodies untouched and prefixes
// everything else with its kind, so an escalation reads as one.
func formatNotification(ev bus.NotifyEvent) string {
	if ev.Kind == "" || ev.Kind == "chat" {
		return ev.Text
	}
	return fmt.Sprintf("[%s] %s", ev.Kind, ev.Text)
}
