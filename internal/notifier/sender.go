package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "greenbox/pkg/logx"
)

// Sender delivers one already formatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// LogSender writes notifications to the log. It is used when no chat
// transport is configured.
type LogSender struct {
	Log logx.Logger
}

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Info("notification", logx.String("text", text))
	return nil
}

const telegramTextLimit = 4000

// TelegramSender posts messages to one chat through the Bot API.
type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSender builds an offline bot (no update polling) that only
// sends to chatID.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: chatID}}, nil
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if rs[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}
