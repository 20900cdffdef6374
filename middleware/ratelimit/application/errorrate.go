package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	DefaultErrorRateInterval   = 10 * time.Second
	DefaultErrorRateMinSamples = 20
)

// ErrorRateMultiplierFor maps an upstream failure ratio onto a multiplier.
func ErrorRateMultiplierFor(rate float64) float64 {
	switch {
	case rate < 0.05:
		return 1.0
	case rate < 0.25:
		return 0.7
	default:
		return 0.3
	}
}

// ErrorRateMonitor tracks upstream failures per endpoint route and lowers the
// multiplier of routes that keep failing. Reads never touch the store.
type ErrorRateMonitor struct {
	store      domain.OutcomeStore
	interval   time.Duration
	minSamples int64
	timeout    time.Duration
	logger     *zap.Logger

	routes  sync.Map // route -> struct{}
	current atomic.Pointer[map[string]float64]
	warn    rate.Sometimes
}

type ErrorRateOption func(*ErrorRateMonitor)

func WithErrorRateInterval(d time.Duration) ErrorRateOption {
	return func(m *ErrorRateMonitor) { m.interval = d }
}

// WithErrorRateMinSamples ignores routes with fewer responses in the window.
func WithErrorRateMinSamples(n int64) ErrorRateOption {
	return func(m *ErrorRateMonitor) { m.minSamples = n }
}

func WithErrorRateLogger(l *zap.Logger) ErrorRateOption {
	return func(m *ErrorRateMonitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewErrorRateMonitor(store domain.OutcomeStore, opts ...ErrorRateOption) *ErrorRateMonitor {
	m := &ErrorRateMonitor{
		store:      store,
		interval:   DefaultErrorRateInterval,
		minSamples: DefaultErrorRateMinSamples,
		timeout:    DefaultStoreTimeout,
		logger:     zap.NewNop(),
		warn:       rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&map[string]float64{})
	return m
}

// Observe records one upstream response for route. 5xx statuses count as
// failures.
func (m *ErrorRateMonitor) Observe(ctx context.Context, route string, status int) {
	if route == "" || m.store == nil {
		return
	}
	m.routes.LoadOrStore(route, struct{}{})

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.RecordOutcome(callCtx, route, status >= 500); err != nil {
		m.logger.Debug("outcome not recorded", zap.String("route", route), zap.Error(err))
	}
}

// RouteMultiplier returns the last computed multiplier for route.
func (m *ErrorRateMonitor) RouteMultiplier(route string) float64 {
	if v, ok := (*m.current.Load())[route]; ok {
		return v
	}
	return 1.0
}

// Refresh recomputes the multiplier of every observed route. A route whose
// read fails keeps its previous value.
func (m *ErrorRateMonitor) Refresh(ctx context.Context) {
	prev := *m.current.Load()
	next := make(map[string]float64, len(prev))

	m.routes.Range(func(key, _ any) bool {
		route := key.(string)
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		failed, total, err := m.store.Outcomes(callCtx, route)
		cancel()
		if err != nil {
			m.warn.Do(func() {
				m.logger.Warn("error rate read failed, keeping last multiplier",
					zap.String("route", route),
					zap.Error(err),
				)
			})
			if v, ok := prev[route]; ok {
				next[route] = v
			}
			return true
		}

		mult := 1.0
		if total >= m.minSamples && total > 0 {
			mult = ErrorRateMultiplierFor(float64(failed) / float64(total))
		}
		if old, ok := prev[route]; (ok && old != mult) || (!ok && mult != 1.0) {
			m.logger.Info("route multiplier changed",
				zap.String("route", route),
				zap.Int64("failed", failed),
				zap.Int64("total", total),
				zap.Float64("to", mult),
			)
		}
		next[route] = mult
		return true
	})
	m.current.Store(&next)
}

// Start refreshes every interval until ctx is done.
func (m *ErrorRateMonitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.interval = DefaultErrorRateInterval
	}
	t := time.NewTicker(m.interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Refresh(ctx)
			}
		}
	}()
}

// CounterOutcomeStore keeps outcome counts as sliding-window counters in a
// CounterStore, so Redis and memory stores can both back it.
type CounterOutcomeStore struct {
	Store  domain.CounterStore
	Window time.Duration
	Prefix string
	Now    func() time.Time
}

// DefaultOutcomeWindow is the rolling window for error rates.
const DefaultOutcomeWindow = 5 * time.Minute

func (s CounterOutcomeStore) RecordOutcome(ctx context.Context, route string, failed bool) error {
	start, window := s.start()
	cur, prev := s.keys("total", route, start, window)
	if _, err := s.Store.Incr(ctx, cur, prev, 2*window); err != nil {
		return err
	}
	if !failed {
		return nil
	}
	cur, prev = s.keys("failed", route, start, window)
	_, err := s.Store.Incr(ctx, cur, prev, 2*window)
	return err
}

func (s CounterOutcomeStore) Outcomes(ctx context.Context, route string) (failed, total int64, err error) {
	start, window := s.start()
	elapsed := s.now().Sub(start)

	cur, prev := s.keys("total", route, start, window)
	t, err := s.Store.Peek(ctx, cur, prev)
	if err != nil {
		return 0, 0, err
	}
	cur, prev = s.keys("failed", route, start, window)
	f, err := s.Store.Peek(ctx, cur, prev)
	if err != nil {
		return 0, 0, err
	}
	return int64(Estimate(f, elapsed, window)), int64(Estimate(t, elapsed, window)), nil
}

func (s CounterOutcomeStore) keys(kind, route string, start time.Time, window time.Duration) (cur, prev string) {
	k := domain.RateLimitKey{Scope: domain.Scope("outcome:" + kind), Identifier: route, WindowStart: start}
	p := s.Prefix
	if p == "" {
		p = "rl:outcomes"
	}
	return p + ":" + k.String(), p + ":" + k.Previous(window).String()
}

func (s CounterOutcomeStore) start() (time.Time, time.Duration) {
	window := s.Window
	if window <= 0 {
		window = DefaultOutcomeWindow
	}
	return WindowStart(s.now(), window), window
}

func (s CounterOutcomeStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
