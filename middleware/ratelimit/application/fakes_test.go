package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

var errBoom = errors.New("connection refused")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is a thread-safe CounterStore and BanStore without expiry.
type memStore struct {
	mu       sync.Mutex
	counters map[string]int64
	bans     map[string]domain.BanRecord
	incrs    int
	gets     int
}

func newMemStore() *memStore {
	return &memStore{counters: map[string]int64{}, bans: map[string]domain.BanRecord{}}
}

func (s *memStore) Incr(_ context.Context, current, previous string, _ time.Duration) (domain.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrs++
	s.counters[current]++
	return domain.Counts{Current: s.counters[current], Previous: s.counters[previous]}, nil
}

func (s *memStore) Peek(_ context.Context, current, previous string) (domain.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Counts{Current: s.counters[current], Previous: s.counters[previous]}, nil
}

func (s *memStore) Ban(_ context.Context, u domain.BanUpdate) (domain.BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.bans[u.Identifier]
	rec.Identifier = u.Identifier
	rec.ViolationCount = u.ViolationCount
	rec.ViolationWindowStart = u.ViolationWindowStart
	rec.BannedUntil = u.BannedUntil
	rec.BanCount++
	s.bans[u.Identifier] = rec
	return rec, nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.BanRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	rec, ok := s.bans[id]
	return rec, ok, nil
}

func (s *memStore) counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// downStore fails every call.
type downStore struct{}

func (downStore) Incr(context.Context, string, string, time.Duration) (domain.Counts, error) {
	return domain.Counts{}, errBoom
}

func (downStore) Peek(context.Context, string, string) (domain.Counts, error) {
	return domain.Counts{}, errBoom
}

func (downStore) Ban(context.Context, domain.BanUpdate) (domain.BanRecord, error) {
	return domain.BanRecord{}, errBoom
}

func (downStore) Get(context.Context, string) (domain.BanRecord, bool, error) {
	return domain.BanRecord{}, false, errBoom
}

type recordingStats struct {
	mu     sync.Mutex
	events []domain.StatsEvent
}

func (r *recordingStats) Record(_ context.Context, ev domain.StatsEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingStats) last() domain.StatsEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func ipPolicy(limit int, window time.Duration) domain.Policy {
	return domain.Policy{Name: "ip-default", Scope: domain.ScopeIP, Limit: limit, Window: window}
}

func endpointPolicy(name, method, pattern string, limit int, window time.Duration, sensitive bool) domain.Policy {
	return domain.Policy{
		Name:      name,
		Scope:     domain.ScopeEndpoint,
		Matcher:   domain.Matcher{Method: method, Pattern: pattern},
		Limit:     limit,
		Window:    window,
		Sensitive: sensitive,
	}
}

func tierPolicy(tier string, limit int, window time.Duration) domain.Policy {
	return domain.Policy{
		Name:    "tier-" + tier,
		Scope:   domain.ScopeTenant,
		Matcher: domain.Matcher{Tier: tier},
		Limit:   limit,
		Window:  window,
	}
}

// base is aligned to both the minute and the hour.
var base = time.Unix(1_699_999_200, 0)

type sharedStore interface {
	domain.CounterStore
	domain.BanStore
}
