package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// MemoryStore is an in-process CounterStore and BanStore with key expiry and
// periodic cleanup.
//
// It is correct only while a single process handles all traffic; anything
// running more than one worker needs RedisStore.
type MemoryStore struct {
	mu           sync.Mutex
	counters     map[string]*counterEntry
	bans         map[string]banEntry
	cleanupEvery time.Duration
	now          func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type banEntry struct {
	rec       domain.BanRecord
	expiresAt time.Time
}

type MemoryStoreOption func(*MemoryStore)

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		counters:     make(map[string]*counterEntry),
		bans:         make(map[string]banEntry),
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *MemoryStore) Incr(_ context.Context, current, previous string, ttl time.Duration) (domain.Counts, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.liveCounter(current, now)
	if ent == nil {
		ent = &counterEntry{expiresAt: now.Add(ttl)}
		s.counters[current] = ent
	}
	ent.count++

	out := domain.Counts{Current: ent.count}
	if prev := s.liveCounter(previous, now); prev != nil {
		out.Previous = prev.count
	}
	return out, nil
}

func (s *MemoryStore) Peek(_ context.Context, current, previous string) (domain.Counts, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out domain.Counts
	if ent := s.liveCounter(current, now); ent != nil {
		out.Current = ent.count
	}
	if ent := s.liveCounter(previous, now); ent != nil {
		out.Previous = ent.count
	}
	return out, nil
}

func (s *MemoryStore) Ban(_ context.Context, u domain.BanUpdate) (domain.BanRecord, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if ent, ok := s.bans[u.Identifier]; ok && !expired(ent.expiresAt, now) {
		count = ent.rec.BanCount
	}
	rec := domain.BanRecord{
		Identifier:           u.Identifier,
		ViolationCount:       u.ViolationCount,
		ViolationWindowStart: u.ViolationWindowStart,
		BannedUntil:          u.BannedUntil,
		BanCount:             count + 1,
	}
	ent := banEntry{rec: rec}
	if u.TTL > 0 {
		ent.expiresAt = now.Add(u.TTL)
	}
	s.bans[u.Identifier] = ent
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, identifier string) (domain.BanRecord, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.bans[identifier]
	if !ok || expired(ent.expiresAt, now) {
		return domain.BanRecord{}, false, nil
	}
	return ent.rec, true, nil
}

// Len reports the number of stored counters and ban records, expired or not.
func (s *MemoryStore) Len() (counters, bans int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters), len(s.bans)
}

// Cleanup drops every expired counter and ban record.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.counters {
		if expired(ent.expiresAt, now) {
			delete(s.counters, k)
		}
	}
	for k, ent := range s.bans {
		if expired(ent.expiresAt, now) {
			delete(s.bans, k)
		}
	}
}

// StartJanitor runs Cleanup every CleanupEvery until ctx is done.
func (s *MemoryStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext is the part of context.Context the janitor needs.
type DoneContext interface {
	Done() <-chan struct{}
}

func (s *MemoryStore) liveCounter(key string, now time.Time) *counterEntry {
	ent, ok := s.counters[key]
	if !ok {
		return nil
	}
	if expired(ent.expiresAt, now) {
		delete(s.counters, key)
		return nil
	}
	return ent
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}
