package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"admission-gateway/middleware/ratelimit/domain"
)

var (
	errNoSharedLoad    = errors.New("no shared load sample")
	errStaleSharedLoad = errors.New("shared load sample is stale")
)

// sharedLoad is the JSON document kept under the shared load key.
type sharedLoad struct {
	CPUPercent float64   `json:"cpu_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}

// RedisLoadSource shares one load reading between workers. The sampling
// worker publishes into it; every other worker samples from it.
type RedisLoadSource struct {
	rdb    redis.UniversalClient
	key    string
	ttl    time.Duration
	maxAge time.Duration
	now    func() time.Time
}

type RedisLoadOption func(*RedisLoadSource)

func WithLoadKey(key string) RedisLoadOption {
	return func(s *RedisLoadSource) { s.key = key }
}

// WithLoadTTL sets the expiry of published samples (default 30s).
func WithLoadTTL(d time.Duration) RedisLoadOption {
	return func(s *RedisLoadSource) { s.ttl = d }
}

// WithLoadMaxAge rejects samples older than d; 0 accepts any age.
func WithLoadMaxAge(d time.Duration) RedisLoadOption {
	return func(s *RedisLoadSource) { s.maxAge = d }
}

func NewRedisLoadSource(rdb redis.UniversalClient, opts ...RedisLoadOption) *RedisLoadSource {
	s := &RedisLoadSource{
		rdb:    rdb,
		key:    "rl:load",
		ttl:    30 * time.Second,
		maxAge: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisLoadSource) Sample(ctx context.Context) (float64, error) {
	raw, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, errNoSharedLoad
		}
		return 0, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var doc sharedLoad
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("decode shared load: %w", err)
	}
	if s.maxAge > 0 && !doc.SampledAt.IsZero() && s.now().Sub(doc.SampledAt) > s.maxAge {
		return 0, errStaleSharedLoad
	}
	return clampPercent(doc.CPUPercent), nil
}

func (s *RedisLoadSource) Publish(ctx context.Context, sample domain.LoadSample) error {
	raw, err := json.Marshal(sharedLoad{CPUPercent: sample.Load, SampledAt: sample.Timestamp.UTC()})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}
