package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "edgesession:session:"

var ErrStoreUnavailable = errors.New("registry: store unavailable")

// RedisStore shares entries between the daemon and every agent it launches.
// PutIfAbsent is SETNX; Update is an optimistic WATCH transaction.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (r *RedisStore) key(tag string) string {
	return r.prefix + strings.TrimSpace(tag)
}

func (r *RedisStore) Get(ctx context.Context, tag string) (Session, bool, error) {
	data, err := r.redis.Get(ctx, r.key(tag)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s, err := decodeSession(data)
	if err != nil {
		return Session{}, false, fmt.Errorf("registry: decode %s: %w", r.key(tag), err)
	}
	return s, true, nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, s Session) (Session, bool, error) {
	if err := s.Validate(); err != nil {
		return Session{}, false, err
	}
	data, err := encodeSession(s)
	if err != nil {
		return Session{}, false, err
	}
	inserted, err := r.redis.SetNX(ctx, r.key(s.Tag), data, 0).Result()
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if inserted {
		return s, true, nil
	}
	existing, ok, err := r.Get(ctx, s.Tag)
	if err != nil {
		return Session{}, false, err
	}
	if !ok {
		return Session{}, false, fmt.Errorf("registry: entry for tag %q vanished", s.Tag)
	}
	return existing, false, nil
}

func (r *RedisStore) Update(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	key := r.key(s.Tag)

	const maxRetries = 4
	for i := 0; i < maxRetries; i++ {
		err := r.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			existing, err := decodeSession(raw)
			if err != nil {
				return err
			}
			if existing.ID != s.ID {
				return ErrIDMismatch
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrIDMismatch) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: update contention on %s", ErrStoreUnavailable, key)
}

func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	out := make([]Session, 0)
	iter := r.redis.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		tag := strings.TrimPrefix(iter.Val(), r.prefix)
		s, ok, err := r.Get(ctx, tag)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sortSessions(out)
	return out, nil
}
