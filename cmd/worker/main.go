package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"bot-backend/internal/agent"
	"bot-backend/internal/bootstrap"
	"bot-backend/internal/broadcast"
	"bot-backend/internal/completion"
	"bot-backend/internal/conversation"
	"bot-backend/internal/kv"
	"bot-backend/internal/lock"
	"bot-backend/internal/messaging"
	"bot-backend/internal/queue"
	"bot-backend/internal/ratelimit"
	"bot-backend/internal/scheduler"
	"bot-backend/internal/subscription"
	"bot-backend/internal/telemetry"
	"bot-backend/internal/tokenizer"
	workerproc "bot-backend/internal/worker"
)

// broadcastRateKey is shared by every worker so the send ceiling is global.
const broadcastRateKey = "rate:broadcast:global"

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		bootstrap.Fatal(slog.Default(), "load config", err)
	}
	log := bootstrap.Logger(cfg, "worker")

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	if err := bootstrap.ResolveSecrets(ctx, &cfg, log); err != nil {
		bootstrap.Fatal(log, "resolve secrets", err)
	}

	st, err := bootstrap.Store(ctx, cfg, log)
	if err != nil {
		bootstrap.Fatal(log, "open store", err)
	}
	defer st.Close()

	client, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		bootstrap.Fatal(log, "open redis", err)
	}
	defer client.Close()

	bot, err := bootstrap.Telegram(cfg)
	if err != nil {
		bootstrap.Fatal(log, "open telegram", err)
	}
	transport := messaging.NewTelegram(bot)

	counter, err := tokenizer.New(cfg.OpenAIModel, cfg.TokenizerEncoding)
	if err != nil {
		bootstrap.Fatal(log, "init tokenizer", err)
	}
	llm, err := completion.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel,
		completion.WithBaseURL(cfg.OpenAIBaseURL),
		completion.WithMaxCompletionTokens(cfg.MaxCompletionTokens),
	)
	if err != nil {
		bootstrap.Fatal(log, "init completion client", err)
	}

	q := queue.NewRedisQueue(client, queue.WithVisibility(cfg.VisibilityTimeout), queue.WithLogLimit(cfg.JobLogLimit))
	jobs := scheduler.New(q, log)
	locks := lock.New(kv.New(client), log)

	// Without a summarizer the builder truncates to the trailing window.
	var summarizer conversation.Provider
	if cfg.SummarizeHistory {
		summarizer = llm
	}
	window := conversation.NewBuilder(st, counter, summarizer, cfg.PromptBudget, log)

	replies := agent.NewService(st, jobs, locks, transport, cfg.PendingReplyTTL, cfg.InactivityDelay, log)
	chat := agent.NewChatWorker(st, window, llm, counter, transport, replies, log,
		agent.WithSupportLink(cfg.SupportLink),
	)
	lifecycle := subscription.New(st, jobs, locks, transport, cfg.PurchaseLockTTL, log)
	ceiling := ratelimit.NewCeiling(client, broadcastRateKey, cfg.BroadcastRatePerSec)
	dispatcher := broadcast.NewHandler(transport, ceiling, cfg.BroadcastMaxAttempts, cfg.BroadcastRetryJitter, log,
		broadcast.WithLease(cfg.VisibilityTimeout),
	)

	processor := workerproc.NewProcessorWithID(cfg, q, log, workerID())

	processor.RegisterHandler(broadcast.Queue, broadcast.JobName, dispatcher.Handle)
	processor.SetConcurrency(broadcast.Queue, cfg.BroadcastConcurrency)

	processor.RegisterHandler(subscription.Queue, subscription.JobExpire, lifecycle.HandleJob)
	processor.RegisterHandler(subscription.Queue, subscription.JobNotifyBeforeExpire, lifecycle.HandleJob)
	processor.SetConcurrency(subscription.Queue, cfg.SubscriptionConcurrency)

	processor.RegisterHandler(agent.ChatQueue, agent.JobChat, chat.HandleChat)
	processor.SetConcurrency(agent.ChatQueue, cfg.ChatConcurrency)

	processor.RegisterHandler(agent.InactivityQueue, agent.JobInactive, replies.HandleInactivity)
	processor.SetConcurrency(agent.InactivityQueue, cfg.InactivityConcurrency)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	log.Info("worker started",
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
		slog.Float64("broadcast_rate", cfg.BroadcastRatePerSec),
		slog.Bool("summarize_history", cfg.SummarizeHistory),
	)
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", slog.Any("error", err))
	}
}

// workerID prefers WORKER_ID, then the hostname.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
