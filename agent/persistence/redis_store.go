package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based implementation of RecordStore.
// Records are JSON strings; a sorted set per kind orders them by creation
// time and a set per label value indexes them.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
}

// NewRedisStore connects to Redis and creates a store
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, config.Redis.KeyPrefix)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "carbonflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "record:"}
}

// Close closes the store
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) dataKey(kind, id string) string {
	return s.keyPrefix + "data:" + kind + ":" + id
}

func (s *RedisStore) kindKey(kind string) string {
	return s.keyPrefix + "kind:" + kind
}

func (s *RedisStore) labelKey(kind, name, value string) string {
	return s.keyPrefix + "label:" + kind + ":" + name + "=" + value
}

// Put upserts a record
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	prev, err := s.Get(ctx, rec.Kind, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	stamp(rec, prev)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(rec.Kind, rec.ID), data, 0)
	pipe.ZAdd(ctx, s.kindKey(rec.Kind), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})

	// Drop label index entries that changed.
	if prev != nil {
		for k, v := range prev.Labels {
			if rec.Labels[k] != v {
				pipe.SRem(ctx, s.labelKey(rec.Kind, k, v), rec.ID)
			}
		}
	}
	for k, v := range rec.Labels {
		pipe.SAdd(ctx, s.labelKey(rec.Kind, k, v), rec.ID)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a record
func (s *RedisStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.dataKey(kind, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s/%s: %w", kind, id, err)
	}
	return &rec, nil
}

// Find retrieves records of a kind matching the filter
func (s *RedisStore) Find(ctx context.Context, kind string, filter Filter) ([]*Record, error) {
	var ids []string
	var err error
	if len(filter.Labels) > 0 {
		keys := make([]string, 0, len(filter.Labels))
		for k, v := range filter.Labels {
			keys = append(keys, s.labelKey(kind, k, v))
		}
		ids, err = s.client.SInter(ctx, keys...).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, s.kindKey(kind), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, kind, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchesLabels(rec, filter.Labels) {
			out = append(out, rec)
		}
	}
	return finalize(out, filter.Limit), nil
}

// Delete removes a record and its index entries
func (s *RedisStore) Delete(ctx context.Context, kind, id string) error {
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(kind, id))
	pipe.ZRem(ctx, s.kindKey(kind), id)
	for k, v := range rec.Labels {
		pipe.SRem(ctx, s.labelKey(kind, k, v), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}
