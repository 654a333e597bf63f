package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// DefaultRedisTimeout bounds every Redis round trip.
const DefaultRedisTimeout = 5 * time.Second

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string
	// Prefix is prepended to every key so several deployments can share a
	// Redis database.
	Prefix  string
	Timeout time.Duration
	Logger  *logrus.Logger
}

// RedisStore is a lookup store backed by Redis. Expiry and counters are
// native Redis features.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewRedisStore connects to the Redis server named by opts.URL.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	s := NewRedisStoreWithClient(redis.NewClient(redisOpts), opts)

	pingCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		s.client.Close()
		return nil, store.Internal(err, "failed to connect to redis")
	}

	s.logger.WithFields(logrus.Fields{
		"addr": redisOpts.Addr,
		"db":   redisOpts.DB,
	}).Info("Redis lookup store connected")
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRedisTimeout
	}
	return &RedisStore{
		client:  client,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// redisKey keeps values and counters apart using the physical key layout.
func (s *RedisStore) redisKey(key store.LookupKey) string {
	return s.prefix + string(key.Physical())
}

// Get implements Backend.
func (s *RedisStore) Get(ctx context.Context, key store.LookupKey) (store.LookupValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rkey := s.redisKey(key)

	if key.IsCounter() {
		num, err := s.client.Get(ctx, rkey).Int64()
		if errors.Is(err, redis.Nil) {
			return store.NoneValue(), nil
		}
		if err != nil {
			return store.NoneValue(), store.Internal(err, "redis get failed")
		}
		return store.CounterValue(num), nil
	}

	var get *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, rkey)
		ttl = pipe.PTTL(ctx, rkey)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return store.NoneValue(), nil
	}
	if err != nil {
		return store.NoneValue(), store.Internal(err, "redis get failed")
	}

	value, err := get.Bytes()
	if err != nil {
		return store.NoneValue(), store.Internal(err, "redis get failed")
	}
	var expires uint64
	if d := ttl.Val(); d > 0 {
		expires = store.ExpiresAt(d, store.Now())
	}
	return store.DataValue(value, expires), nil
}

// Set implements Backend.
func (s *RedisStore) Set(ctx context.Context, key, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rkey := s.redisKey(store.LookupKey{Kind: store.LookupKeyValue, Bytes: key})
	if err := s.client.Set(ctx, rkey, value, ttl).Err(); err != nil {
		return store.Internal(err, "redis set failed")
	}
	return nil
}

// Increment implements Backend.
func (s *RedisStore) Increment(ctx context.Context, key []byte, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rkey := s.redisKey(store.LookupKey{Kind: store.LookupKeyCounter, Bytes: key})
	num, err := s.client.IncrBy(ctx, rkey, delta).Result()
	if err != nil {
		return 0, store.Internal(err, "redis increment failed")
	}
	return num, nil
}

// Exists implements Backend.
func (s *RedisStore) Exists(ctx context.Context, key []byte) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rkey := s.redisKey(store.LookupKey{Kind: store.LookupKeyValue, Bytes: key})
	n, err := s.client.Exists(ctx, rkey).Result()
	if err != nil {
		return false, store.Internal(err, "redis exists failed")
	}
	return n > 0, nil
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Backend = (*RedisStore)(nil)
