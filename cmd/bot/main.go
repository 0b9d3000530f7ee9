package main

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bot-backend/internal/agent"
	"bot-backend/internal/bootstrap"
	"bot-backend/internal/bot"
	"bot-backend/internal/kv"
	"bot-backend/internal/lock"
	"bot-backend/internal/messaging"
	"bot-backend/internal/queue"
	"bot-backend/internal/ratelimit"
	"bot-backend/internal/scheduler"
)

const pollTimeoutSeconds = 30

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		bootstrap.Fatal(slog.Default(), "load config", err)
	}
	log := bootstrap.Logger(cfg, "bot")

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

	api, err := bootstrap.Telegram(cfg)
	if err != nil {
		bootstrap.Fatal(log, "open telegram", err)
	}
	transport := messaging.NewTelegram(api)

	keys := kv.New(client)
	jobs := scheduler.New(queue.NewRedisQueue(client), log)
	replies := agent.NewService(st, jobs, lock.New(keys, log), transport, cfg.PendingReplyTTL, cfg.InactivityDelay, log)
	throttle := ratelimit.NewThrottle(client, cfg.ThrottlePoints, cfg.ThrottleWindow)
	b := bot.New(st, st, throttle, replies, keys, transport, log)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	log.Info("bot polling", slog.String("username", api.Self.UserName))
	if err := b.Run(ctx, updates); err != nil && ctx.Err() == nil {
		log.Error("bot stopped", slog.Any("error", err))
	}
}
