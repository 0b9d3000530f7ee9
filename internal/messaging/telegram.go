package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram adapts the Bot API client to Transport.
type Telegram struct {
	api botAPI
}

func NewTelegram(api botAPI) *Telegram {
	return &Telegram{api: api}
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = opts.ParseMode
	msg.DisableWebPagePreview = opts.DisablePreview
	if kb, ok := keyboard(opts.Buttons); ok {
		msg.ReplyMarkup = kb
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, translate(err)
	}
	return sent.MessageID, nil
}

func (t *Telegram) EditText(ctx context.Context, chatID int64, messageID int, text string, opts SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = opts.ParseMode
	edit.DisableWebPagePreview = opts.DisablePreview
	if kb, ok := keyboard(opts.Buttons); ok {
		edit.ReplyMarkup = &kb
	}
	if _, err := t.api.Request(edit); err != nil {
		return translate(err)
	}
	return nil
}

func (t *Telegram) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		return translate(err)
	}
	return nil
}

func keyboard(rows [][]Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Action))
			}
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...), true
}

func translate(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode:  apiErr.Code,
			RetryAfter:  time.Duration(apiErr.RetryAfter) * time.Second,
			Description: apiErr.Message,
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return err
}
