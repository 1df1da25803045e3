package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

// DefaultRedisKey is the key the document lives under.
const DefaultRedisKey = "chatbot_stats"

const defaultRedisRetries = 32

// RedisStore keeps the document as compact JSON under a single key.
// Updates are optimistic WATCH/MULTI/EXEC transactions, retried when a
// concurrent writer touched the key between read and write.
type RedisStore struct {
	client     redis.UniversalClient
	key        string
	maxRetries int
	ownsClient bool
	logger     *zap.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisKey overrides DefaultRedisKey.
func WithRedisKey(key string) RedisOption {
	return func(s *RedisStore) {
		if key != "" {
			s.key = key
		}
	}
}

// WithRedisRetries bounds the optimistic retry loop.
func WithRedisRetries(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger, opts ...RedisOption) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		client:     client,
		key:        DefaultRedisKey,
		maxRetries: defaultRedisRetries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedisStore connects to url and verifies the connection. The store owns
// the client and closes it on Close.
func DialRedisStore(ctx context.Context, url string, logger *zap.Logger, opts ...RedisOption) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("REDIS_URL is not set")
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s := NewRedisStore(client, logger, opts...)
	s.ownsClient = true
	s.logger.Info("connected to redis", zap.String("addr", options.Addr), zap.String("key", s.key))
	return s, nil
}

func (s *RedisStore) Read(ctx context.Context) (usage.Document, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return decodeDocument(data)
}

func (s *RedisStore) Write(ctx context.Context, doc usage.Document) error {
	data, err := encodeDocument(doc, false)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, fn func(usage.Document) error) (usage.Document, error) {
	var result usage.Document

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.key).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}

		doc := decodeForUpdate(data, found, s.logger)
		if err := fn(doc); err != nil {
			return err
		}
		body, err := encodeDocument(doc, false)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, body, 0)
			return nil
		})
		if err == nil {
			result = doc
		}
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("redis update %s: %w", s.key, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, ErrContention
}

// Close releases the client when the store dialled it itself.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
