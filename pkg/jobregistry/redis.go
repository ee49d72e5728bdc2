package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces registry keys.
const DefaultRedisPrefix = "procverify:jobs"

// RedisStore keeps job records in Redis so that several orchestrator
// processes share one registry.
//
// Keys:
//
//	<prefix>:rec:<record_id>   JSON record
//	<prefix>:idx               sorted set of record ids scored by created_at
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(opts RedisOptions) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(rdb, opts.Prefix, opts.TTL)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis registry: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + ":rec:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":idx"
}

// Put writes the record and indexes it in one transaction.
func (s *RedisStore) Put(ctx context.Context, record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(record.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	id := record.ID()
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(id), b, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(record.CreatedAt.UnixNano()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis registry put %s: %w", id, err)
	}
	return nil
}

// Get loads the record stored under id.
func (s *RedisStore) Get(ctx context.Context, id string) (*JobRecord, error) {
	b, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("redis registry get %s: %w", id, err)
	}
	var record JobRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("parse job record %s: %w", id, err)
	}
	return &record, nil
}

// List returns all records, newest first. Index entries whose record has
// expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]JobRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis registry list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis registry list: %w", err)
	}

	out := make([]JobRecord, 0, len(vals))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var r JobRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	sortNewestFirst(out)
	return out, nil
}
