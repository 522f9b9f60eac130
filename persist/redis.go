package persist

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const defaultRedisPrefix = "goquery"

// RedisOption configures the Redis storage backend.
type RedisOption func(*redisStorage)

// WithRedisPrefix sets the key namespace. Defaults to "goquery".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *redisStorage) { s.prefix = prefix }
}

// WithRedisTimeout bounds each Redis operation. Defaults to
// DefaultQueryTimeout.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *redisStorage) { s.timeout = d }
}

type redisStorage struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ Storage = (*redisStorage)(nil)

// NewRedisStorage returns a Storage backed by Redis. Records are stored as
// msgpack blobs under "<prefix>:<hash>". The caller owns the client
// lifecycle — Close is a no-op on the client.
func NewRedisStorage(client *redis.Client, opts ...RedisOption) Storage {
	s := &redisStorage{
		client:  client,
		prefix:  defaultRedisPrefix,
		timeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *redisStorage) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *redisStorage) key(hash string) string {
	return s.prefix + ":" + hash
}

func (s *redisStorage) Init(ctx context.Context) error {
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(qctx).Err()
}

func (s *redisStorage) Put(ctx context.Context, hash string, entry PersistedEntry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Set(qctx, s.key(hash), data, 0).Err()
}

func (s *redisStorage) GetAll(ctx context.Context) ([]PersistedEntry, error) {
	qctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []PersistedEntry
	iter := s.client.Scan(qctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(qctx) {
		data, err := s.client.Get(qctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec PersistedEntry
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			// A corrupt record never blocks the rest; hydration treats the
			// missing key as absent.
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStorage) Delete(ctx context.Context, hash string) error {
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Del(qctx, s.key(hash)).Err()
}

func (s *redisStorage) Clear(ctx context.Context) error {
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	iter := s.client.Scan(qctx, 0, s.prefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(qctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(qctx, keys...).Err()
}

func (s *redisStorage) Close() error {
	return nil
}
