package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKey is the single key the whole snapshot lives under — the spec
// treats persistence as one whole-pool blob per save, not per-proxy
// records, so one JSON value under one key matches that model without
// needing Redis hash/set structures.
const redisKey = "rotorpool:snapshot"

// RedisStore persists a Snapshot as one JSON value in Redis. Useful
// when the host already runs Redis for the distributed locking a
// multi-process deployment needs around shared pool state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, data, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := s.client.Get(ctx, redisKey).Bytes()
	if err == redis.Nil {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: redis get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (s *RedisStore) Query(ctx context.Context, filter Filter) ([]ProxyRecord, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return filterRecords(snap.Proxies, filter), nil
}
