package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"admission-gateway/middleware/ratelimit/domain"
)

// RedisStore is the shared CounterStore and BanStore used in production.
// Works against a single node or a cluster; the hash tag in every key keeps
// each script on one slot.
type RedisStore struct {
	rdb       redis.UniversalClient
	banPrefix string

	incr *redis.Script
	ban  *redis.Script
}

type RedisStoreOption func(*RedisStore)

// WithBanPrefix sets the key prefix of ban records (default "rl:ban").
func WithBanPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.banPrefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:       rdb,
		banPrefix: "rl:ban",
		incr:      redis.NewScript(incrWindowLua),
		ban:       redis.NewScript(banLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Incr(ctx context.Context, current, previous string, ttl time.Duration) (domain.Counts, error) {
	values, err := s.incr.Run(ctx, s.rdb, []string{current, previous}, ttl.Milliseconds()).Result()
	if err != nil {
		return domain.Counts{}, fmt.Errorf("redis incr script: %w", err)
	}
	arr, ok := values.([]interface{})
	if !ok || len(arr) < 2 {
		return domain.Counts{}, fmt.Errorf("unexpected lua result: %v", values)
	}
	cur, err := cast.ToInt64E(arr[0])
	if err != nil {
		return domain.Counts{}, err
	}
	prev, err := cast.ToInt64E(arr[1])
	if err != nil {
		return domain.Counts{}, err
	}
	return domain.Counts{Current: cur, Previous: prev}, nil
}

func (s *RedisStore) Peek(ctx context.Context, current, previous string) (domain.Counts, error) {
	vals, err := s.rdb.MGet(ctx, current, previous).Result()
	if err != nil {
		return domain.Counts{}, fmt.Errorf("redis mget: %w", err)
	}
	// missing keys come back as nil, which cast turns into 0
	return domain.Counts{Current: cast.ToInt64(vals[0]), Previous: cast.ToInt64(vals[1])}, nil
}

func (s *RedisStore) Ban(ctx context.Context, u domain.BanUpdate) (domain.BanRecord, error) {
	n, err := s.ban.Run(ctx, s.rdb, []string{s.banKey(u.Identifier)},
		u.Identifier,
		u.ViolationCount,
		u.ViolationWindowStart.Unix(),
		u.BannedUntil.UnixMilli(),
		u.TTL.Milliseconds(),
	).Int64()
	if err != nil {
		return domain.BanRecord{}, fmt.Errorf("redis ban script: %w", err)
	}
	return domain.BanRecord{
		Identifier:           u.Identifier,
		ViolationCount:       u.ViolationCount,
		ViolationWindowStart: u.ViolationWindowStart,
		BannedUntil:          u.BannedUntil,
		BanCount:             n,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, identifier string) (domain.BanRecord, bool, error) {
	m, err := s.rdb.HGetAll(ctx, s.banKey(identifier)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BanRecord{}, false, nil
		}
		return domain.BanRecord{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(m) == 0 {
		return domain.BanRecord{}, false, nil
	}
	rec := domain.BanRecord{
		Identifier:     identifier,
		ViolationCount: cast.ToInt64(m["violation_count"]),
		BanCount:       cast.ToInt64(m["ban_count"]),
	}
	if v := cast.ToInt64(m["violation_window_start"]); v > 0 {
		rec.ViolationWindowStart = time.Unix(v, 0)
	}
	if v := cast.ToInt64(m["banned_until"]); v > 0 {
		rec.BannedUntil = time.UnixMilli(v)
	}
	return rec, true, nil
}

// Ping reports whether the backend answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) banKey(identifier string) string {
	return s.banPrefix + ":{" + identifier + "}"
}
