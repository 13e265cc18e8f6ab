package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "quotafetch:session:"

// RedisBroker shares tokens across processes through Redis. Entries
// expire with the token so a crashed process never leaves a stale
// session behind.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
}

// RedisBrokerOption adjusts a [RedisBroker].
type RedisBrokerOption func(*RedisBroker)

// WithKeyPrefix namespaces the broker's keys.
func WithKeyPrefix(prefix string) RedisBrokerOption {
	return func(b *RedisBroker) { b.prefix = prefix }
}

// NewRedisBroker connects to Redis at the given URL
// (redis://[user:pass@]host:port/db) and verifies the connection.
func NewRedisBroker(ctx context.Context, rawURL string, optFns ...RedisBrokerOption) (*RedisBroker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	b := &RedisBroker{rdb: rdb, prefix: defaultKeyPrefix}
	for _, opt := range optFns {
		opt(b)
	}

	return b, nil
}

// Close releases the underlying connection.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

func (b *RedisBroker) Get(ctx context.Context, key string) (*Token, error) {
	raw, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decoding cached token: %w", err)
	}

	return &tok, nil
}

func (b *RedisBroker) Put(ctx context.Context, key string, tok *Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	// An expired token is still cached briefly so managers without
	// proactive refresh can serve it, matching the in-memory backend.
	ttl := time.Until(tok.Expiry)
	if ttl < time.Minute {
		ttl = time.Minute
	}

	if err := b.rdb.Set(ctx, b.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (b *RedisBroker) Clear(ctx context.Context) error {
	iter := b.rdb.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}

	return nil
}
