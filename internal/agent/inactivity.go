package agent

import (
	"context"
	"log/slog"

	"bot-backend/internal/messaging"
	"bot-backend/internal/worker"
)

// HandleInactivity closes a conversation nobody wrote to for the inactivity
// delay and tells the user.
func (s *Service) HandleInactivity(ctx context.Context, job *worker.Job) (any, error) {
	var p InactivityPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	closed, err := s.CloseConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if closed {
		if _, err := s.transport.SendText(ctx, p.ChatID, textInactive, messaging.SendOptions{}); err != nil {
			s.log.Warn("send inactivity notice", slog.String("conversation_id", p.ConversationID), slog.Any("error", err))
		}
	}
	return map[string]bool{"closed": closed}, nil
}
