package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint; empty uses telebot's default.
	APIURL string
}

// TelegramSender posts messages through the Bot API without polling for
// updates.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Channel() string { return ChannelTelegram }

func (t *TelegramSender) Send(ctx context.Context, chatID string, m Message) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return permanent(fmt.Errorf("chat id %q: %w", chatID, err))
	}
	text := telegramHTML(m)

	// telebot calls are not context-aware.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: id}, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		// 4xx other than flood control will not change on retry.
		var te *tele.Error
		if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != 429 {
			return permanent(err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxTelegramText is the Bot API limit for one message, in characters.
const maxTelegramText = 4096

// telegramHTML renders the subject in bold above the report. The report is
// cut so the escaped message stays within one Telegram message.
func telegramHTML(m Message) string {
	var head string
	if m.Subject != "" {
		head = "<b>" + html.EscapeString(m.Subject) + "</b>\n\n"
	}
	budget := maxTelegramText - utf8.RuneCountInString(head)
	body := html.EscapeString(m.Text)
	if utf8.RuneCountInString(body) > budget {
		// Cut the raw text so no entity is split, then re-escape.
		raw := []rune(m.Text)
		for len(raw) > 0 && utf8.RuneCountInString(html.EscapeString(string(raw)))+1 > budget {
			raw = raw[:len(raw)*9/10]
		}
		body = html.EscapeString(string(raw)) + "…"
	}
	return head + body
}
