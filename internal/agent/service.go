package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-backend/internal/messaging"
	"bot-backend/internal/models"
	"bot-backend/internal/scheduler"
)

const (
	ChatQueue       = "agent-chat"
	InactivityQueue = "agent-inactivity"
	JobChat         = "send"
	JobInactive     = "inactive"

	pendingKeyBase = "agent:pending:request"
	timeoutKeyBase = "timeout"
)

// ConversationStore is the conversation side of the entity store.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, userID int64) (models.Conversation, error)
	CloseConversation(ctx context.Context, id string, at time.Time) (bool, error)
}

type Jobs interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts scheduler.Options) (scheduler.JobHandle, error)
	ScheduleAt(ctx context.Context, queue, name string, payload any, runAt time.Time, key string, opts scheduler.Options) (scheduler.JobHandle, error)
	Cancel(ctx context.Context, queue, key string) (bool, error)
}

// Locker guards one in-flight reply per user. The lock is taken by the
// service and released by the chat worker.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ChatPayload is the agent-chat job payload.
type ChatPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	ChatID         int64  `json:"chat_id"`
	Text           string `json:"text"`
}

// InactivityPayload is the agent-inactivity job payload.
type InactivityPayload struct {
	ConversationID string `json:"conversation_id"`
	ChatID         int64  `json:"chat_id"`
}

// ReplyResult tells the caller whether the message was queued for an answer.
type ReplyResult struct {
	ConversationID string
	Queued         bool
}

// Service accepts user messages and owns conversation lifetime.
type Service struct {
	store           ConversationStore
	jobs            Jobs
	locks           Locker
	transport       messaging.Transport
	pendingTTL      time.Duration
	inactivityDelay time.Duration
	log             *slog.Logger
	now             func() time.Time
}

func NewService(store ConversationStore, jobs Jobs, locks Locker, transport messaging.Transport, pendingTTL, inactivityDelay time.Duration, log *slog.Logger) *Service {
	return &Service{
		store:           store,
		jobs:            jobs,
		locks:           locks,
		transport:       transport,
		pendingTTL:      pendingTTL,
		inactivityDelay: inactivityDelay,
		log:             log,
		now:             time.Now,
	}
}

func PendingKey(userID int64) string {
	return scheduler.JobKey(pendingKeyBase, userID)
}

func TimeoutKey(conversationID string) string {
	return scheduler.JobKey(timeoutKeyBase, conversationID)
}

// Reply queues an answer to text. While a previous answer is still pending
// the user gets a wait notice and nothing is queued.
func (s *Service) Reply(ctx context.Context, userID, chatID int64, text string) (ReplyResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ReplyResult{}, fmt.Errorf("empty message: %w", models.ErrInvalidArgument)
	}

	acquired, err := s.locks.Acquire(ctx, PendingKey(userID), s.pendingTTL)
	if err != nil {
		return ReplyResult{}, err
	}
	if !acquired {
		if _, err := s.transport.SendText(ctx, chatID, textPending, messaging.SendOptions{}); err != nil {
			s.log.Warn("send pending notice", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return ReplyResult{}, nil
	}

	conv, err := s.queueReply(ctx, userID, chatID, text)
	if err != nil {
		s.ClearPending(context.WithoutCancel(ctx), userID)
		return ReplyResult{}, err
	}

	if _, err := s.jobs.ScheduleAt(ctx, InactivityQueue, JobInactive,
		InactivityPayload{ConversationID: conv.ID, ChatID: chatID},
		s.now().Add(s.inactivityDelay), TimeoutKey(conv.ID),
		scheduler.Options{RemoveOnComplete: true},
	); err != nil {
		// The reply is already queued; the conversation just stays open longer.
		s.log.Error("schedule inactivity timeout", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	return ReplyResult{ConversationID: conv.ID, Queued: true}, nil
}

func (s *Service) queueReply(ctx context.Context, userID, chatID int64, text string) (models.Conversation, error) {
	conv, err := s.store.EnsureConversation(ctx, userID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("ensure conversation: %w", err)
	}
	_, err = s.jobs.Enqueue(ctx, ChatQueue, JobChat, ChatPayload{
		ConversationID: conv.ID,
		UserID:         userID,
		ChatID:         chatID,
		Text:           text,
	}, scheduler.Options{Attempts: 1, RemoveOnComplete: true})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ClearPending lets the user send the next message.
func (s *Service) ClearPending(ctx context.Context, userID int64) {
	if err := s.locks.Release(ctx, PendingKey(userID)); err != nil {
		s.log.Warn("clear pending reply", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// CloseConversation cancels the inactivity timeout and closes the
// conversation. It reports false when the conversation was already closed.
func (s *Service) CloseConversation(ctx context.Context, conversationID string) (bool, error) {
	removed, err := s.jobs.Cancel(ctx, InactivityQueue, TimeoutKey(conversationID))
	if err != nil {
		s.log.Warn("cancel inactivity timeout", slog.String("conversation_id", conversationID), slog.Any("error", err))
	} else if !removed {
		s.log.Debug("no inactivity timeout to cancel", slog.String("conversation_id", conversationID))
	}

	closed, err := s.store.CloseConversation(ctx, conversationID, s.now())
	if err != nil {
		return false, fmt.Errorf("close conversation: %w", err)
	}
	return closed, nil
}
