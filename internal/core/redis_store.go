package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/lock"
)

// redisClient is the subset of *redis.Client the store uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// RedisStore keeps lock state in one Redis key so several instances behind
// a load balancer recover the same lock after restarts. Health records go to
// one capped list per provider, newest first.
type RedisStore struct {
	client       redisClient
	key          string
	historyLimit int
}

func NewRedisStore(cfg StoreConfig, historyLimit int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newRedisStore(client, cfg.RedisKey, historyLimit)
}

func newRedisStore(client redisClient, key string, historyLimit int) *RedisStore {
	if key == "" {
		key = "foresight:lock"
	}
	if historyLimit <= 0 {
		historyLimit = health.DefaultHistoryLimit
	}
	return &RedisStore{client: client, key: key, historyLimit: historyLimit}
}

func (s *RedisStore) healthKey(provider string) string {
	return s.key + ":health:" + provider
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) LoadLockState(ctx context.Context) (lock.State, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return lock.State{}, false, nil
	}
	if err != nil {
		return lock.State{}, false, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var st lock.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return lock.State{}, false, fmt.Errorf("decode lock state: %w", err)
	}
	return st, true, nil
}

func (s *RedisStore) SaveLockState(ctx context.Context, st lock.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// AppendHealthRecord pushes r onto the provider's list and trims it to the
// history limit.
func (s *RedisStore) AppendHealthRecord(ctx context.Context, r health.Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode health record: %w", err)
	}
	key := s.healthKey(r.Provider)
	if err := s.client.LPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	if err := s.client.LTrim(ctx, key, 0, int64(s.historyLimit-1)).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", key, err)
	}
	return nil
}

// LoadHealthRecords returns up to limit of the newest records, oldest first.
func (s *RedisStore) LoadHealthRecords(ctx context.Context, provider string, limit int) ([]health.Record, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	key := s.healthKey(provider)
	items, err := s.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([]health.Record, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var r health.Record
		if err := json.Unmarshal([]byte(items[i]), &r); err != nil {
			return nil, fmt.Errorf("decode health record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
