package notify

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends customer notifications through the bot.
type Telegram struct {
	bot Sender
}

// NewTelegram connects to the Bot API with the given token.
func NewTelegram(token string) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, &http.Client{})
}

// NewTelegramWithEndpoint is NewTelegram against a custom API endpoint,
// in tgbotapi.APIEndpoint format.
func NewTelegramWithEndpoint(token, endpoint string, client *http.Client) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	zap.L().Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return &Telegram{bot: bot}, nil
}

func NewTelegramWithSender(sender Sender) *Telegram {
	return &Telegram{bot: sender}
}

// NotifyPointsAwarded tells a customer that points were credited.
func (t *Telegram) NotifyPointsAwarded(ctx context.Context, tgID, points int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := fmt.Sprintf(
		"🎁 Вам начислено %d баллов лояльности!\nСпасибо, что выбираете нашу студию. ✨\n\nПосмотреть новый баланс можно в вашем профиле.",
		points,
	)
	if _, err := t.bot.Send(tgbotapi.NewMessage(tgID, text)); err != nil {
		return fmt.Errorf("send points notification to %d: %w", tgID, err)
	}
	zap.L().Info("points notification sent", zap.Int64("tg_id", tgID), zap.Int64("points", points))
	return nil
}

// Noop logs instead of sending; used when no bot token is configured.
type Noop struct{}

func (Noop) NotifyPointsAwarded(_ context.Context, tgID, points int64) error {
	zap.L().Debug("telegram disabled, notification skipped", zap.Int64("tg_id", tgID), zap.Int64("points", points))
	return nil
}
