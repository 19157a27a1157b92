package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gemchat-go/internal/keypool"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists key state as one JSON value per deployment,
// namespaced by prefix so several dispatchers can share an instance.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. The connection is not
// established until Initialize.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	if addr == "" {
		addr = "localhost:6379"
	}
	if prefix == "" {
		prefix = "gemchat"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Initialize(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisStore) Health(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) SaveKeyState(ctx context.Context, snaps []keypool.KeySnapshot) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	doc := stateDocument{SavedAt: time.Now().UTC(), Keys: snaps}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}
	return r.client.Set(ctx, r.stateKey(), data, 0).Err()
}

func (r *RedisStore) LoadKeyState(ctx context.Context) ([]keypool.KeySnapshot, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.stateKey()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &ErrNotFound{Key: r.stateKey()}
		}
		return nil, err
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode key state: %w", err)
	}
	return doc.Keys, nil
}

func (r *RedisStore) SaveProbeRun(ctx context.Context, run *keypool.ProbeRun) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	doc := probeDocument{SavedAt: time.Now().UTC(), Run: run}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode probe run: %w", err)
	}
	return r.client.Set(ctx, r.probeKey(), data, 0).Err()
}

func (r *RedisStore) LoadProbeRun(ctx context.Context) (*keypool.ProbeRun, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.probeKey()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &ErrNotFound{Key: r.probeKey()}
		}
		return nil, err
	}
	var doc probeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode probe run: %w", err)
	}
	if doc.Run == nil {
		return nil, &ErrNotFound{Key: r.probeKey()}
	}
	return doc.Run, nil
}

func (r *RedisStore) stateKey() string {
	return r.prefix + ":key_state"
}

func (r *RedisStore) probeKey() string {
	return r.prefix + ":probe_history"
}
