package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramMaxLen is the Bot API limit for a single message.
const telegramMaxLen = 4096

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts to one operator chat. The bot client is created on
// first use so a bad token does not block startup.
type Telegram struct {
	token  string
	chatID int64
	logger *slog.Logger

	mu     sync.Mutex
	sender telegramSender
}

func NewTelegram(token string, chatID int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{token: token, chatID: chatID, logger: logger}
}

func (t *Telegram) client() (telegramSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sender != nil {
		return t.sender, nil
	}
	if t.token == "" {
		return nil, fmt.Errorf("telegram notifier: token not configured")
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	t.logger.Info("telegram notifier connected", "bot", bot.Self.UserName)
	t.sender = bot
	return bot, nil
}

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := t.client()
	if err != nil {
		return err
	}
	text := msg.String()
	if len(text) > telegramMaxLen {
		text = text[:telegramMaxLen-3] + "..."
	}
	out := tgbotapi.NewMessage(t.chatID, text)
	out.DisableWebPagePreview = true
	if _, err := s.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
