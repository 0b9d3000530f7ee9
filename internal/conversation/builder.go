package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bot-backend/internal/completion"
	"bot-backend/internal/models"
	"bot-backend/internal/telemetry"
)

const (
	summaryInstruction = "Summarize the conversation above in a few short sentences. Keep names, numbers and decisions."
	summaryPrefix      = "Summary: "
)

// Store reads and folds conversation history.
type Store interface {
	UnsummarizedMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// SummarizeMessages flags ids as summarized and inserts summary in one transaction.
	SummarizeMessages(ctx context.Context, conversationID string, ids []string, summary models.Message) error
}

// Provider is the completion call used to summarize.
type Provider interface {
	Complete(ctx context.Context, messages []completion.Message) (completion.Result, error)
}

// Counter counts the tokens of one message with the completion model's tokenizer.
type Counter interface {
	CountMessage(role, content string) int
}

// Window is the prompt history for one turn. It is never cached.
type Window struct {
	Messages   []models.Message
	Tokens     int
	Summarized bool
	Truncated  bool
}

// Builder bounds conversation history to a token budget.
type Builder struct {
	store    Store
	counter  Counter
	provider Provider
	budget   int
	log      *slog.Logger
	now      func() time.Time
}

// NewBuilder returns a builder that summarizes over-budget history with provider.
// A nil provider switches to truncation: the trailing window is returned and
// nothing is marked summarized.
func NewBuilder(store Store, counter Counter, provider Provider, budget int, log *slog.Logger) *Builder {
	return &Builder{
		store:    store,
		counter:  counter,
		provider: provider,
		budget:   budget,
		log:      log,
		now:      time.Now,
	}
}

// Tokens returns the token count of m, reusing stored counts when present.
// Assistant rows store the whole prompt in PromptTokens, so their own size is
// CompletionTokens.
func (b *Builder) Tokens(m models.Message) int {
	switch {
	case m.Role == models.RoleAssistantMessage && m.CompletionTokens != nil:
		return *m.CompletionTokens
	case m.Role != models.RoleAssistantMessage && m.PromptTokens != nil:
		return *m.PromptTokens
	default:
		return b.counter.CountMessage(m.Role, m.Content)
	}
}

// Build returns the history window for conversationID.
func (b *Builder) Build(ctx context.Context, conversationID string) (Window, error) {
	msgs, err := b.store.UnsummarizedMessages(ctx, conversationID)
	if err != nil {
		return Window{}, fmt.Errorf("load history: %w", err)
	}

	window, tokens, complete := TrailingWindow(msgs, b.budget, b.Tokens)
	if complete {
		return Window{Messages: msgs, Tokens: tokens}, nil
	}
	if b.provider == nil {
		return Window{Messages: window, Tokens: tokens, Truncated: true}, nil
	}

	prompt := make([]completion.Message, 0, len(msgs)+1)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		prompt = append(prompt, completion.Message{Role: m.Role, Content: m.Content})
		ids = append(ids, m.ID)
	}
	prompt = append(prompt, completion.Message{Role: models.RoleUserMessage, Content: summaryInstruction})

	res, err := b.provider.Complete(ctx, prompt)
	if err != nil {
		return Window{}, fmt.Errorf("summarize history: %w", err)
	}

	content := summaryPrefix + res.Text
	own := b.counter.CountMessage(models.RoleSystemMessage, content)
	completionTokens := res.CompletionTokens
	summary := models.Message{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		Role:             models.RoleSystemMessage,
		Content:          content,
		PromptTokens:     &own,
		CompletionTokens: &completionTokens,
		CreatedAt:        b.now().UTC(),
	}
	if err := b.store.SummarizeMessages(ctx, conversationID, ids, summary); err != nil {
		return Window{}, fmt.Errorf("persist summary: %w", err)
	}

	telemetry.Summarizations.Inc()
	b.log.Info("conversation summarized",
		slog.String("conversation_id", conversationID),
		slog.Int("messages", len(ids)),
		slog.Int("budget", b.budget),
	)
	return Window{Messages: []models.Message{summary}, Tokens: own, Summarized: true}, nil
}
