package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"bot-backend/internal/models"
)

const (
	conversationColumns = `id, user_id, status, created_at, closed_at`
	messageColumns      = `id, conversation_id, role, content, prompt_tokens, completion_tokens, summarized, created_at`
)

func scanConversation(row interface{ Scan(...any) error }) (models.Conversation, error) {
	var c models.Conversation
	var closed pgtype.Timestamptz
	if err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.CreatedAt, &closed); err != nil {
		return models.Conversation{}, err
	}
	c.ClosedAt = timePtr(closed)
	return c, nil
}

// EnsureConversation returns the user's open conversation, opening one if needed.
// A partial unique index keeps concurrent callers on the same row.
func (s *Store) EnsureConversation(ctx context.Context, userID int64) (models.Conversation, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) WHERE status = 'open' DO NOTHING
	`, uuid.New().String(), userID, models.ConversationOpen, s.now().UTC())
	if err != nil {
		return models.Conversation{}, fmt.Errorf("open conversation: %w", err)
	}
	return s.OpenConversation(ctx, userID)
}

// OpenConversation returns the user's open conversation.
func (s *Store) OpenConversation(ctx context.Context, userID int64) (models.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE user_id = $1 AND status = $2
	`, userID, models.ConversationOpen))
	if err != nil {
		return models.Conversation{}, notFound(err, "open conversation")
	}
	return c, nil
}

// CloseConversation closes an open conversation. Closing twice is a no-op
// reported as false.
func (s *Store) CloseConversation(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET status = $2, closed_at = $3 WHERE id = $1 AND status = $4
	`, id, models.ConversationClosed, at, models.ConversationOpen)
	if err != nil {
		return false, fmt.Errorf("close conversation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanMessage(row interface{ Scan(...any) error }) (models.Message, error) {
	var m models.Message
	var prompt, completion pgtype.Int4
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &prompt, &completion, &m.Summarized, &m.CreatedAt); err != nil {
		return models.Message{}, err
	}
	m.PromptTokens = intPtr(prompt)
	m.CompletionTokens = intPtr(completion)
	return m, nil
}

func insertMessage(ctx context.Context, q querier, m models.Message) error {
	_, err := q.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ConversationID, m.Role, m.Content, m.PromptTokens, m.CompletionTokens, m.Summarized, m.CreatedAt)
	return err
}

// SaveMessage appends a message to a conversation.
func (s *Store) SaveMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if err := insertMessage(ctx, s.pool, m); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// UnsummarizedMessages returns the live history of a conversation, oldest first.
func (s *Store) UnsummarizedMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND NOT summarized
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SummarizeMessages flags ids as summarized and stores summary in one transaction.
func (s *Store) SummarizeMessages(ctx context.Context, conversationID string, ids []string, summary models.Message) error {
	if summary.ID == "" {
		summary.ID = uuid.New().String()
	}
	summary.ConversationID = conversationID
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now().UTC()
	}
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `
			UPDATE messages SET summarized = TRUE
			WHERE conversation_id = $1 AND id = ANY($2::uuid[])
		`, conversationID, ids); err != nil {
			return fmt.Errorf("mark summarized: %w", err)
		}
		if err := insertMessage(ctx, q, summary); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return nil
	})
}
