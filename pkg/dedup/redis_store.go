package dedup

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one key per identifier. SETNX gives the atomic claim.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store backed by the Redis server at addr.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: prefix, now: time.Now}
}

// OpenRedis connects and verifies the server answers.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	s := NewRedisStore(addr, password, db, prefix)
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, unavailable("ping redis", err)
	}
	return s, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, unavailable("seen", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Record(ctx context.Context, id string) error {
	_, err := s.Claim(ctx, id)
	return err
}

func (s *RedisStore) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(id), s.now().UTC().UnixNano(), 0).Result()
	if err != nil {
		return false, unavailable("claim", err)
	}
	return ok, nil
}

func (s *RedisStore) Forget(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return unavailable("forget", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, id string) (Record, error) {
	v, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("lookup", err)
	}
	rec := Record{Identifier: id}
	if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
		rec.FirstSeen = time.Unix(0, ns).UTC()
	}
	return rec, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
