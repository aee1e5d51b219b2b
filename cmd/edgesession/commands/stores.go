package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/edgesession/internal/auth"
	"github.com/danmuck/edgesession/internal/config"
	"github.com/danmuck/edgesession/internal/registry"
	"github.com/danmuck/edgesession/internal/relay"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const storePingTimeout = 5 * time.Second

// openStore opens the configured registry backend. The returned close func
// is never nil.
func openStore(ctx context.Context, rc config.RegistryConfig) (registry.Store, func() error, error) {
	noop := func() error { return nil }
	switch rc.Backend {
	case config.BackendMemory:
		log.Warn().Msg("registry.backend=memory does not share sessions across processes")
		return registry.NewMemoryStore(), noop, nil
	case config.BackendFile:
		store, err := registry.NewFileStore(rc.Dir)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rc.RedisAddr,
			Password: rc.RedisPassword,
			DB:       rc.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("registry: redis %s: %w", rc.RedisAddr, err)
		}
		return registry.NewRedisStore(client, rc.RedisPrefix), client.Close, nil
	case config.BackendSQLite:
		store, err := registry.OpenSQLiteStore(rc.SQLitePath, rc.SQLitePoolSize)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: registry.backend %q", config.ErrInvalidConfig, rc.Backend)
	}
}

// openRegistry wires the configured store to the relay as session authority.
func openRegistry(ctx context.Context, c config.Config) (*registry.Registry, *relay.Client, func() error, error) {
	client, err := relay.NewClient(c.Relay.URL, c.Relay.Token, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	store, closeStore, err := openStore(ctx, c.Registry)
	if err != nil {
		return nil, nil, nil, err
	}
	reg := registry.New(store, client, registry.Config{Variant: c.Registry.Variant})
	return reg, client, closeStore, nil
}

// relayValidator prefers signed tokens when a secret is configured.
func relayValidator(rc config.RelayConfig) (auth.Validator, error) {
	if len(rc.JWT.Secret) > 0 {
		tokens, err := auth.NewTokens(rc.JWT)
		if err != nil {
			return nil, err
		}
		return tokens, nil
	}
	if rc.Token == "" {
		log.Warn().Msg("relay.token is empty; relay accepts any caller")
		return nil, nil
	}
	return auth.StaticToken{Token: rc.Token}, nil
}
