package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultLedgerTTL covers the gateway's redelivery window
const DefaultLedgerTTL = 72 * time.Hour

const ledgerPrefix = "lantern:payments:notified:"

// OpenRedis connects to redis and checks the connection
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisLedger remembers which gateway notifications were fully processed
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger creates a ledger; a non-positive ttl uses DefaultLedgerTTL
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &RedisLedger{client: client, ttl: ttl}
}

// Seen reports whether key was remembered
func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("ledger exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Remember records key until the ttl expires
func (l *RedisLedger) Remember(ctx context.Context, key string) error {
	if err := l.client.Set(ctx, ledgerPrefix+key, time.Now().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("ledger set %s: %w", key, err)
	}
	return nil
}

// NopLedger never remembers anything; the order store's conditional update
// still keeps redeliveries idempotent.
type NopLedger struct{}

func (NopLedger) Seen(context.Context, string) (bool, error) { return false, nil }
func (NopLedger) Remember(context.Context, string) error     { return nil }
