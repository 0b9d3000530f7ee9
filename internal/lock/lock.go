package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-backend/internal/telemetry"
)

// Keys is the key-value substrate the lock is built on. *kv.Store satisfies it.
type Keys interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Lock is a short-TTL mutual-exclusion guard keyed by a business key.
// The TTL only bounds how long a crashed holder can block others.
type Lock struct {
	keys Keys
	log  *slog.Logger
}

func New(keys Keys, log *slog.Logger) *Lock {
	return &Lock{keys: keys, log: log}
}

// Acquire sets key if absent with the given ttl. A held key yields false, nil.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.keys.SetNX(ctx, key, time.Now().UnixMilli(), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		telemetry.LockContention.WithLabelValues(keyDomain(key)).Inc()
	}
	return ok, nil
}

// Release deletes key unconditionally. It is safe to call after a failed Acquire.
func (l *Lock) Release(ctx context.Context, key string) error {
	if err := l.keys.Delete(ctx, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Do runs fn while holding key. Contention returns ran=false with no error.
// The key is released on every exit path; a panic in fn is re-raised after release.
func (l *Lock) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	acquired, err := l.Acquire(ctx, key, ttl)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := l.Release(releaseCtx, key); relErr != nil {
			l.log.Error("release lock", slog.String("key", key), slog.Any("error", relErr))
			if err == nil {
				err = relErr
			}
		}
	}()
	return true, fn(ctx)
}

func keyDomain(key string) string {
	domain, _, _ := strings.Cut(key, ":")
	return domain
}
