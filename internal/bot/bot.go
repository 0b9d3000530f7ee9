// Package bot turns incoming platform messages into agent replies behind the
// per-user request throttle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bot-backend/internal/agent"
	"bot-backend/internal/messaging"
	"bot-backend/internal/models"
)

const (
	commandStart = "start"
	commandNew   = "new"

	userCacheTTL = 10 * time.Minute
)

type Users interface {
	EnsureUser(ctx context.Context, chatID int64) (models.User, error)
}

type Conversations interface {
	OpenConversation(ctx context.Context, userID int64) (models.Conversation, error)
}

type Throttle interface {
	Allow(ctx context.Context, actorKey string) (bool, error)
}

type Replies interface {
	Reply(ctx context.Context, userID, chatID int64, text string) (agent.ReplyResult, error)
	CloseConversation(ctx context.Context, conversationID string) (bool, error)
}

// Cache remembers which user a chat belongs to. *kv.Store satisfies it.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Message is one inbound text message.
type Message struct {
	ChatID int64
	Text   string
}

// Bot routes inbound messages.
type Bot struct {
	users     Users
	convs     Conversations
	throttle  Throttle
	replies   Replies
	cache     Cache
	transport messaging.Transport
	log       *slog.Logger
}

func New(users Users, convs Conversations, throttle Throttle, replies Replies, cache Cache, transport messaging.Transport, log *slog.Logger) *Bot {
	return &Bot{
		users:     users,
		convs:     convs,
		throttle:  throttle,
		replies:   replies,
		cache:     cache,
		transport: transport,
		log:       log,
	}
}

func userCacheKey(chatID int64) string {
	return "user:chat:" + strconv.FormatInt(chatID, 10)
}

// Run consumes updates until ctx is done or the channel closes.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Message == nil || u.Message.Chat == nil {
				continue
			}
			m := Message{ChatID: u.Message.Chat.ID, Text: u.Message.Text}
			if err := b.Handle(ctx, m); err != nil {
				b.log.Error("handle message", slog.Int64("chat_id", m.ChatID), slog.Any("error", err))
			}
		}
	}
}

// Handle throttles, resolves the user and routes one message.
func (b *Bot) Handle(ctx context.Context, m Message) error {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil
	}

	if !b.admit(ctx, m.ChatID) {
		b.notify(ctx, m.ChatID, textSlowDown)
		return nil
	}

	userID, err := b.userID(ctx, m.ChatID)
	if err != nil {
		return err
	}

	if cmd, ok := command(text); ok {
		return b.handleCommand(ctx, userID, m.ChatID, cmd)
	}

	if _, err := b.replies.Reply(ctx, userID, m.ChatID, text); err != nil {
		b.notify(ctx, m.ChatID, textTryAgain)
		return fmt.Errorf("queue reply for user %d: %w", userID, err)
	}
	return nil
}

// admit fails open: a throttle outage must not take the bot down.
func (b *Bot) admit(ctx context.Context, chatID int64) bool {
	allowed, err := b.throttle.Allow(ctx, strconv.FormatInt(chatID, 10))
	if err != nil {
		b.log.Warn("throttle unavailable, admitting", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return true
	}
	return allowed
}

func (b *Bot) userID(ctx context.Context, chatID int64) (int64, error) {
	key := userCacheKey(chatID)
	var id int64
	found, err := b.cache.Get(ctx, key, &id)
	if err != nil {
		b.log.Warn("user cache read", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
	if found {
		return id, nil
	}

	user, err := b.users.EnsureUser(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("ensure user for chat %d: %w", chatID, err)
	}
	if err := b.cache.Set(ctx, key, user.ID, userCacheTTL); err != nil {
		b.log.Warn("user cache write", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
	return user.ID, nil
}

func (b *Bot) handleCommand(ctx context.Context, userID, chatID int64, cmd string) error {
	switch cmd {
	case commandStart:
		b.notify(ctx, chatID, textWelcome)
	case commandNew:
		conv, err := b.convs.OpenConversation(ctx, userID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("look up conversation for user %d: %w", userID, err)
		}
		if err == nil {
			if _, err := b.replies.CloseConversation(ctx, conv.ID); err != nil {
				return err
			}
		}
		b.notify(ctx, chatID, textNewConversation)
	default:
		b.notify(ctx, chatID, textUnknownCommand)
	}
	return nil
}

func (b *Bot) notify(ctx context.Context, chatID int64, text string) {
	if _, err := b.transport.SendText(ctx, chatID, text, messaging.SendOptions{}); err != nil {
		b.log.Warn("send notice", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}

// command extracts "name" from "/name" or "/name@botname".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name, _, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), name != ""
}
