package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

// Config holds Redis connection settings.
type Config struct {
	Addr        string        `koanf:"addr"`
	Password    config.Secret `koanf:"password"`
	DB          int           `koanf:"db"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	cfg.ApplyDefaults()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{cfg.Addr},
		Password:    cfg.Password.Value(),
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeerr.Wrap(storeerr.BackendKV, "ping", err)
	}
	return client, nil
}

// Backend hands out namespace-scoped stores over one Redis client.
type Backend struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewBackend creates a Redis backend.
func NewBackend(client redis.UniversalClient, logger *zap.Logger) (*Backend, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, logger: logger}, nil
}

// Namespace returns a store scoped to ns.
func (b *Backend) Namespace(ns namespace.Namespace) *RedisStore {
	return &RedisStore{
		client:   b.client,
		prefix:   ns.KVPrefix,
		indexKey: ns.KVIndexKey,
		logger:   b.logger.With(zap.String("kv_prefix", ns.KVPrefix)),
	}
}

// DropAttempt deletes every key recorded in the attempt's index set and the
// index set itself. Dropping an attempt with no keys succeeds.
func (b *Backend) DropAttempt(ctx context.Context, attemptID string) (int, error) {
	indexKey := namespace.KVIndexKey(attemptID)

	members, err := b.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, storeerr.Wrap(storeerr.BackendKV, "smembers", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(members) > 0 {
			pipe.Del(ctx, members...)
		}
		pipe.Del(ctx, indexKey)
		return nil
	})
	if err != nil {
		return 0, storeerr.Wrap(storeerr.BackendKV, "drop attempt", err)
	}

	b.logger.Debug("dropped attempt keys",
		zap.String("attempt_id", attemptID),
		zap.Int("keys", len(members)),
	)
	return len(members), nil
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// RedisStore implements Store for one namespace.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	indexKey string
	logger   *zap.Logger
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Get returns the value stored under id.
func (s *RedisStore) Get(ctx context.Context, id string) (Result, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Result{State: Missing}, nil
	}
	if err != nil {
		return Result{}, storeerr.Wrap(storeerr.BackendKV, "get", err)
	}
	return decode(raw, nil), nil
}

// GetMany reads ids with a single MGET.
func (s *RedisStore) GetMany(ctx context.Context, ids []string, fields []string) ([]Result, error) {
	if len(ids) == 0 {
		return []Result{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeerr.Wrap(storeerr.BackendKV, "mget", err)
	}

	results := make([]Result, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			results[i] = Result{State: Missing}
			continue
		}
		results[i] = decode(raw, fields)
		if results[i].State == Corrupt {
			s.logger.Warn("corrupt value in kv store", zap.String("key", keys[i]))
		}
	}
	return results, nil
}

// FilterMissing checks existence of every id in one pipeline.
func (s *RedisStore) FilterMissing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	cmds := make([]*redis.IntCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, storeerr.Wrap(storeerr.BackendKV, "exists", err)
	}

	missing := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			missing = append(missing, ids[i])
		}
	}
	return missing, nil
}

// UpsertMany writes all entries in one MULTI/EXEC block. Values are encoded
// before the transaction starts so an encoding failure writes nothing.
func (s *RedisStore) UpsertMany(ctx context.Context, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}

	encoded := make(map[string][]byte, len(entries))
	for id, v := range entries {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", id, err)
		}
		encoded[s.key(id)] = data
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]any, 0, len(encoded))
		for key, data := range encoded {
			pipe.Set(ctx, key, data, 0)
			members = append(members, key)
		}
		pipe.SAdd(ctx, s.indexKey, members...)
		return nil
	})
	if err != nil {
		return storeerr.Wrap(storeerr.BackendKV, "upsert", err)
	}

	s.logger.Debug("upserted kv entries", zap.Int("count", len(entries)))
	return nil
}

// EnumerateAll lists this namespace's ids from the attempt index.
func (s *RedisStore) EnumerateAll(ctx context.Context) ([]string, error) {
	keys, err := s.ownKeys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, s.prefix)
	}
	return ids, nil
}

// Drop deletes this namespace's keys and their index entries.
func (s *RedisStore) Drop(ctx context.Context) error {
	keys, err := s.ownKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, s.indexKey, members...)
		return nil
	})
	if err != nil {
		return storeerr.Wrap(storeerr.BackendKV, "drop", err)
	}

	s.logger.Debug("dropped kv namespace", zap.Int("keys", len(keys)))
	return nil
}

func (s *RedisStore) ownKeys(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexKey).Result()
	if err != nil {
		return nil, storeerr.Wrap(storeerr.BackendKV, "smembers", err)
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		if strings.HasPrefix(m, s.prefix) {
			keys = append(keys, m)
		}
	}
	return keys, nil
}

func decode(raw string, fields []string) Result {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Result{State: Corrupt, Raw: raw}
	}
	if obj, ok := v.(map[string]any); ok && len(fields) > 0 {
		projected := make(map[string]any, len(fields))
		for _, f := range fields {
			if fv, ok := obj[f]; ok {
				projected[f] = fv
			}
		}
		v = projected
	}
	return Result{State: Present, Value: v, Raw: raw}
}
