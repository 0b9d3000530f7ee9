// Package bootstrap holds the startup wiring shared by the api, worker and bot binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"bot-backend/internal/config"
	"bot-backend/internal/logger"
	"bot-backend/internal/paramstore"
	"bot-backend/internal/store"
)

// Parameter names under PARAM_PREFIX.
const (
	paramTelegram = "telegram"
	paramOpenAI   = "openai"
	paramAdmin    = "admin"
)

// LoadConfig reads an optional .env file, then CONFIG_FILE if set, then the environment.
func LoadConfig() (config.Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Logger builds the process logger tagged with the service name.
func Logger(cfg config.Config, service string) *slog.Logger {
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return log.With(slog.String("service", service), slog.String("env", cfg.Env))
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Redis connects and pings the shared Redis instance.
func Redis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// Store connects to Postgres and applies pending migrations.
func Store(ctx context.Context, cfg config.Config, log *slog.Logger) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// ResolveSecrets fills empty tokens from SSM Parameter Store when PARAM_PREFIX is set.
func ResolveSecrets(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.ParamPrefix == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	params, err := paramstore.New(ssmClient(awsCfg))
	if err != nil {
		return err
	}
	return resolveSecrets(ctx, cfg, params, log)
}

func ssmClient(awsCfg aws.Config) *ssm.Client {
	return ssm.NewFromConfig(awsCfg)
}

func resolveSecrets(ctx context.Context, cfg *config.Config, params paramstore.Getter, log *slog.Logger) error {
	secrets := []struct {
		name string
		dst  *string
	}{
		{paramTelegram, &cfg.TelegramToken},
		{paramOpenAI, &cfg.OpenAIAPIKey},
		{paramAdmin, &cfg.AdminToken},
	}
	for _, s := range secrets {
		if *s.dst != "" {
			continue
		}
		token, err := paramstore.Token(ctx, params, cfg.ParamPrefix, s.name)
		if err != nil {
			return fmt.Errorf("resolve %s secret: %w", s.name, err)
		}
		*s.dst = token
		log.Debug("secret loaded from parameter store", slog.String("name", s.name))
	}
	return nil
}

// Telegram opens the Bot API client.
func Telegram(cfg config.Config) (*tgbotapi.BotAPI, error) {
	if cfg.TelegramToken == "" {
		return nil, errors.New("telegram token is not configured")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot api: %w", err)
	}
	return bot, nil
}

// Fatal logs err and exits.
func Fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
