package messaging

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	sent      []tgbotapi.Chattable
	requested []tgbotapi.Chattable
	err       error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	return tgbotapi.Message{MessageID: 99}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requested = append(f.requested, c)
	if f.err != nil {
		return nil, f.err
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestSendTextBuildsKeyboard(t *testing.T) {
	bot := &fakeBot{}
	tg := NewTelegram(bot)

	id, err := tg.SendText(context.Background(), 10, "<b>hi</b>", SendOptions{
		ParseMode: "HTML",
		Buttons: [][]Button{
			{{Text: "Site", URL: "https://example.com"}},
			{{Text: "Plans", Action: "plans"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 99, id)

	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(10), msg.ChatID)
	assert.Equal(t, "HTML", msg.ParseMode)
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 2)
	require.NotNil(t, kb.InlineKeyboard[0][0].URL)
	assert.Equal(t, "https://example.com", *kb.InlineKeyboard[0][0].URL)
	require.NotNil(t, kb.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, "plans", *kb.InlineKeyboard[1][0].CallbackData)
}

func TestEditAndChatAction(t *testing.T) {
	bot := &fakeBot{}
	tg := NewTelegram(bot)

	require.NoError(t, tg.EditText(context.Background(), 10, 5, "done", SendOptions{}))
	require.NoError(t, tg.SendChatAction(context.Background(), 10, ActionTyping))

	require.Len(t, bot.requested, 2)
	edit, ok := bot.requested[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, 5, edit.MessageID)
	assert.Nil(t, edit.ReplyMarkup)
	action, ok := bot.requested[1].(tgbotapi.ChatActionConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)
}

func TestTranslateTooManyRequests(t *testing.T) {
	bot := &fakeBot{err: &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after 2",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 2},
	}}
	_, err := NewTelegram(bot).SendText(context.Background(), 1, "x", SendOptions{})

	d, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestTranslatePermanentAndNetworkErrors(t *testing.T) {
	blocked := &fakeBot{err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	_, err := NewTelegram(blocked).SendText(context.Background(), 1, "x", SendOptions{})
	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 403, me.StatusCode)
	_, ok := RetryAfter(err)
	assert.False(t, ok)

	down := &fakeBot{err: &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: errors.New("connection refused")}}
	_, err = NewTelegram(down).SendText(context.Background(), 1, "x", SendOptions{})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}
