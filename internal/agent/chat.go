package agent

import (
	"context"
	"fmt"
	"log/slog"

	"bot-backend/internal/completion"
	"bot-backend/internal/conversation"
	"bot-backend/internal/messaging"
	"bot-backend/internal/models"
	"bot-backend/internal/telemetry"
	"bot-backend/internal/worker"
)

// ChatStore is what the chat worker needs from the entity store.
type ChatStore interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	ConsumeReplica(ctx context.Context, userID int64) (bool, error)
	RefundReplica(ctx context.Context, userID int64) error
	SaveMessage(ctx context.Context, m models.Message) (models.Message, error)
}

type WindowBuilder interface {
	Build(ctx context.Context, conversationID string) (conversation.Window, error)
}

type Provider interface {
	Complete(ctx context.Context, messages []completion.Message) (completion.Result, error)
}

type Counter interface {
	CountMessage(role, content string) int
}

// ChatResult is stored as the job result.
type ChatResult struct {
	Replied          bool `json:"replied"`
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	Summarized       bool `json:"summarized,omitempty"`
}

// ChatWorker answers agent-chat jobs.
type ChatWorker struct {
	store        ChatStore
	window       WindowBuilder
	provider     Provider
	counter      Counter
	transport    messaging.Transport
	service      *Service
	systemPrompt string
	supportLink  string
	requiredPlan models.Plan
	log          *slog.Logger
}

type ChatOption func(*ChatWorker)

func WithSystemPrompt(prompt string) ChatOption {
	return func(w *ChatWorker) {
		if prompt != "" {
			w.systemPrompt = prompt
		}
	}
}

func WithSupportLink(link string) ChatOption {
	return func(w *ChatWorker) { w.supportLink = link }
}

// WithRequiredPlan sets the minimum plan allowed to chat. Admins always pass.
func WithRequiredPlan(plan models.Plan) ChatOption {
	return func(w *ChatWorker) { w.requiredPlan = plan }
}

func NewChatWorker(store ChatStore, window WindowBuilder, provider Provider, counter Counter, transport messaging.Transport, service *Service, log *slog.Logger, opts ...ChatOption) *ChatWorker {
	w := &ChatWorker{
		store:        store,
		window:       window,
		provider:     provider,
		counter:      counter,
		transport:    transport,
		service:      service,
		systemPrompt: DefaultSystemPrompt,
		requiredPlan: models.PlanFree,
		log:          log,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleChat answers one user message. The pending-reply lock is released on
// every path; a failure after the allowance was charged refunds it.
func (w *ChatWorker) HandleChat(ctx context.Context, job *worker.Job) (any, error) {
	var p ChatPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	defer w.service.ClearPending(context.WithoutCancel(ctx), p.UserID)

	log := w.log.With(slog.String("job_id", job.ID), slog.Int64("user_id", p.UserID), slog.String("conversation_id", p.ConversationID))

	user, err := w.store.GetUser(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !models.PlanSufficient(user.Plan, w.requiredPlan, user.Role) {
		w.sendNotice(ctx, p.ChatID, textPlanRequired, log)
		return ChatResult{}, nil
	}

	charged, err := w.store.ConsumeReplica(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("consume replica: %w", err)
	}
	if !charged {
		log.Info("reply allowance exhausted")
		w.sendNotice(ctx, p.ChatID, textNoReplies, log)
		return ChatResult{}, nil
	}

	res, err := w.answer(ctx, p, log)
	if err != nil {
		telemetry.ReplyFailures.Inc()
		log.Error("agent reply failed", slog.Any("error", err))
		detached := context.WithoutCancel(ctx)
		if refundErr := w.store.RefundReplica(detached, p.UserID); refundErr != nil {
			log.Error("refund replica", slog.Any("error", refundErr))
		}
		if _, sendErr := w.transport.SendText(detached, p.ChatID, textReplyFailed, messaging.SendOptions{}); sendErr != nil {
			log.Warn("send failure notice", slog.Any("error", sendErr))
		}
		return nil, err
	}
	return res, nil
}

func (w *ChatWorker) answer(ctx context.Context, p ChatPayload, log *slog.Logger) (ChatResult, error) {
	window, err := w.window.Build(ctx, p.ConversationID)
	if err != nil {
		return ChatResult{}, fmt.Errorf("build window: %w", err)
	}

	userTokens := w.counter.CountMessage(models.RoleUserMessage, p.Text)
	if _, err := w.store.SaveMessage(ctx, models.Message{
		ConversationID: p.ConversationID,
		Role:           models.RoleUserMessage,
		Content:        p.Text,
		PromptTokens:   &userTokens,
	}); err != nil {
		return ChatResult{}, fmt.Errorf("save user message: %w", err)
	}

	if err := w.transport.SendChatAction(ctx, p.ChatID, messaging.ActionTyping); err != nil {
		log.Debug("send typing action", slog.Any("error", err))
	}
	placeholder, err := w.transport.SendText(ctx, p.ChatID, textWriting, messaging.SendOptions{})
	if err != nil {
		return ChatResult{}, fmt.Errorf("send placeholder: %w", err)
	}

	prompt := make([]completion.Message, 0, len(window.Messages)+2)
	prompt = append(prompt, completion.Message{Role: models.RoleSystemMessage, Content: w.systemPrompt})
	for _, m := range window.Messages {
		prompt = append(prompt, completion.Message{Role: m.Role, Content: m.Content})
	}
	prompt = append(prompt, completion.Message{Role: models.RoleUserMessage, Content: p.Text})

	out, err := w.provider.Complete(ctx, prompt)
	if err != nil {
		return ChatResult{}, fmt.Errorf("complete: %w", err)
	}
	if err := w.transport.EditText(ctx, p.ChatID, placeholder, out.Text, messaging.SendOptions{ParseMode: "Markdown"}); err != nil {
		return ChatResult{}, fmt.Errorf("edit placeholder: %w", err)
	}

	promptTokens := out.PromptTokens
	if promptTokens == 0 {
		promptTokens = window.Tokens + userTokens
	}
	completionTokens := w.counter.CountMessage(models.RoleAssistantMessage, out.Text)
	if _, err := w.store.SaveMessage(ctx, models.Message{
		ConversationID:   p.ConversationID,
		Role:             models.RoleAssistantMessage,
		Content:          out.Text,
		PromptTokens:     &promptTokens,
		CompletionTokens: &completionTokens,
	}); err != nil {
		// The user already has the answer; only the history is incomplete.
		log.Error("save assistant message", slog.Any("error", err))
	}

	return ChatResult{
		Replied:          true,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Summarized:       window.Summarized,
	}, nil
}

func (w *ChatWorker) sendNotice(ctx context.Context, chatID int64, text string, log *slog.Logger) {
	var opts messaging.SendOptions
	if w.supportLink != "" {
		opts.Buttons = [][]messaging.Button{{{Text: textSupport, URL: w.supportLink}}}
	}
	if _, err := w.transport.SendText(ctx, chatID, text, opts); err != nil {
		log.Warn("send notice", slog.Any("error", err))
	}
}
