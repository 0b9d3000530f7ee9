package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bot-backend/internal/agent"
	"bot-backend/internal/api"
	"bot-backend/internal/bootstrap"
	"bot-backend/internal/broadcast"
	"bot-backend/internal/kv"
	"bot-backend/internal/lock"
	"bot-backend/internal/messaging"
	"bot-backend/internal/queue"
	"bot-backend/internal/scheduler"
	"bot-backend/internal/subscription"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		bootstrap.Fatal(slog.Default(), "load config", err)
	}
	log := bootstrap.Logger(cfg, "api")

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

	q := queue.NewRedisQueue(client, queue.WithVisibility(cfg.VisibilityTimeout), queue.WithLogLimit(cfg.JobLogLimit))
	jobs := scheduler.New(q, log)
	locks := lock.New(kv.New(client), log)
	lifecycle := subscription.New(st, jobs, locks, messaging.NewTelegram(bot), cfg.PurchaseLockTTL, log)

	server := api.New(cfg.AdminToken, api.Deps{
		Broadcasts:    broadcast.NewProducer(jobs, cfg.BroadcastBatchSize, log),
		Recipients:    st,
		Jobs:          jobs,
		Inspector:     q,
		Subscriptions: lifecycle,
		Queues:        []string{broadcast.Queue, subscription.Queue, agent.ChatQueue, agent.InactivityQueue},
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bootstrap.Fatal(log, "listen", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", slog.Any("error", err))
	}
}
