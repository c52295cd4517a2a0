package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the minimal key-value surface the cache operates on. Every call
// is a remote round-trip; the adapter keeps no local state of its own.
// Connection failures surface as ErrStoreUnavailable so callers can degrade
// to source pass-through instead of failing the request.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Equality indexes: unordered member sets.
	IndexPut(ctx context.Context, key, member string, ttl time.Duration) error
	IndexGet(ctx context.Context, key string) ([]string, error)
	IndexRemove(ctx context.Context, key, member string) error

	// Sorted indexes: members ordered by score. Equal scores order by
	// ascending member in both directions, which gives the ascending-id
	// tie-break the read path relies on.
	SortedPut(ctx context.Context, key, member string, score float64, ttl time.Duration) error
	SortedRange(ctx context.Context, key string, desc bool) ([]string, error)
	SortedRemove(ctx context.Context, key, member string) error

	// Scan iterates keys matching pattern from the given cursor. It is
	// restartable: callers pass the returned cursor back in until it is 0.
	Scan(ctx context.Context, pattern string, cursor uint64, count int64) ([]string, uint64, error)

	Ping(ctx context.Context) error
	Close() error
}

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`

	// OpTimeout bounds every store call so an unreachable store degrades
	// the request instead of hanging it.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		OpTimeout:    2 * time.Second,
	}
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisStore{client: client, opTimeout: opTimeout}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, opTimeout: 2 * time.Second}
}

// Get retrieves a raw value.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return data, nil
}

// Set stores a raw value with a TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return storeErr(s.client.Set(ctx, key, value, ttl).Err())
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return storeErr(s.client.Del(ctx, key).Err())
}

// Exists checks key presence.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}

// IndexPut adds a member to an equality index and refreshes its TTL.
func (s *RedisStore) IndexPut(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return storeErr(err)
}

// IndexGet returns an equality index's members, sorted ascending for
// deterministic resolution order.
func (s *RedisStore) IndexGet(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	sort.Strings(members)
	return members, nil
}

// IndexRemove removes a member from an equality index.
func (s *RedisStore) IndexRemove(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return storeErr(s.client.SRem(ctx, key, member).Err())
}

// SortedPut adds or rescores a member in a sorted index and refreshes its TTL.
func (s *RedisStore) SortedPut(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return storeErr(err)
}

// SortedRange returns all members of a sorted index in score order. Ties
// come back in ascending member order in both directions; ZREVRANGE
// reverses the lexical order of equal scores, so the descending path
// re-sorts each equal-score run.
func (s *RedisStore) SortedRange(ctx context.Context, key string, desc bool) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if !desc {
		members, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, storeErr(err)
		}
		return members, nil
	}

	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	members := make([]string, len(zs))
	for i, z := range zs {
		members[i], _ = z.Member.(string)
	}
	for i := 0; i < len(members); {
		j := i + 1
		for j < len(zs) && zs[j].Score == zs[i].Score {
			j++
		}
		sort.Strings(members[i:j])
		i = j
	}
	return members, nil
}

// SortedRemove removes a member from a sorted index.
func (s *RedisStore) SortedRemove(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return storeErr(s.client.ZRem(ctx, key, member).Err())
}

// Scan returns one page of keys matching pattern. Cursor-based so a sweep
// over a large keyspace never blocks the store.
func (s *RedisStore) Scan(ctx context.Context, pattern string, cursor uint64, count int64) ([]string, uint64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	keys, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return keys, next, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return storeErr(s.client.Ping(ctx).Err())
}

// Close closes the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
