package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"keyserver/internal/keystore"
)

// DefaultRedisKey holds the document when no key is configured.
const DefaultRedisKey = "keyserver:database"

// maxUpdateRetries bounds how often Update retries after another client
// changed the document between WATCH and EXEC.
const maxUpdateRetries = 10

// ErrUpdateConflict is returned when Update keeps losing the race for the
// document.
var ErrUpdateConflict = errors.New("redis document kept changing during update")

// RedisStore keeps the JSON document under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(ctx context.Context, redisURL, key string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is empty")
	}
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, key), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Name implements Backend.
func (s *RedisStore) Name() string { return BackendRedis }

// Load reads the document, writing an empty one first if none exists.
func (s *RedisStore) Load(ctx context.Context) (*keystore.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		empty := &keystore.Snapshot{Records: map[string]keystore.ActivationRecord{}}
		if err := s.Save(ctx, empty); err != nil {
			return nil, err
		}
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", s.key, err)
	}
	return DecodeDocument(doc)
}

// Save replaces the document.
func (s *RedisStore) Save(ctx context.Context, snap *keystore.Snapshot) error {
	data, err := json.Marshal(EncodeSnapshot(snap))
	if err != nil {
		return fmt.Errorf("marshal database: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Update changes the document with an optimistic WATCH/MULTI transaction.
// If another client writes the key first the transaction is retried with
// the fresh document, so fn may run more than once.
func (s *RedisStore) Update(ctx context.Context, fn func(*keystore.Snapshot) error) error {
	txf := func(tx *redis.Tx) error {
		snap := &keystore.Snapshot{Records: map[string]keystore.ActivationRecord{}}
		raw, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("get %s: %w", s.key, err)
		default:
			doc := NewDocument()
			if err := json.Unmarshal(raw, doc); err != nil {
				return fmt.Errorf("unmarshal %s: %w", s.key, err)
			}
			if snap, err = DecodeDocument(doc); err != nil {
				return err
			}
		}

		if err := fn(snap); err != nil {
			return err
		}
		data, err := json.Marshal(EncodeSnapshot(snap))
		if err != nil {
			return fmt.Errorf("marshal database: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrUpdateConflict, s.key)
}

// Ping implements Backend.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Close implements Backend.
func (s *RedisStore) Close() error { return s.client.Close() }
