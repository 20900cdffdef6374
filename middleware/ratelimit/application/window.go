package application

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/domain"
)

var errNoStore = errors.New("no counter store configured")

// DefaultStoreTimeout bounds every call into the shared store.
const DefaultStoreTimeout = 50 * time.Millisecond

// WindowCounter implements sliding-window admission on top of a shared
// CounterStore. It holds no counter state of its own. Routes, when set, can
// only lower the multiplier of endpoint policies.
type WindowCounter struct {
	Store   domain.CounterStore
	Load    domain.MultiplierSource
	Routes  domain.RouteMultiplierSource
	Prefix  string
	Timeout time.Duration
	Now     func() time.Time
	Logger  *zap.Logger

	warn rate.Sometimes
}

// NewWindowCounter returns a WindowCounter with defaults filled in.
func NewWindowCounter(store domain.CounterStore, load domain.MultiplierSource, logger *zap.Logger) *WindowCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WindowCounter{
		Store:   store,
		Load:    load,
		Prefix:  "rl",
		Timeout: DefaultStoreTimeout,
		Now:     time.Now,
		Logger:  logger,
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// WindowStart returns the start of the fixed sub-window containing now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	ns := now.UnixNano()
	return time.Unix(0, ns-ns%window.Nanoseconds())
}

// EffectiveLimit scales limit by multiplier, flooring and never going below 1.
func EffectiveLimit(limit int, multiplier float64) int {
	if multiplier <= 0 {
		multiplier = 1
	}
	eff := int(math.Floor(float64(limit) * multiplier))
	if eff < 1 {
		return 1
	}
	return eff
}

// Estimate blends the previous sub-window into the current one by the
// fraction of the current window that has not yet elapsed.
func Estimate(c domain.Counts, elapsed, window time.Duration) float64 {
	frac := float64(elapsed) / float64(window)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return float64(c.Current) + float64(c.Previous)*(1-frac)
}

// Admit counts one request for identifier under p and decides whether it is
// within the policy. The increment happens before the decision, so denied
// requests consume quota as well.
//
// When the store fails, a non-sensitive or whitelisted policy is admitted with
// Degraded set and a nil error; any other sensitive policy is denied and the
// error is returned.
func (w *WindowCounter) Admit(ctx context.Context, p domain.Policy, identifier string) (domain.Admission, error) {
	now := w.now()
	start := WindowStart(now, p.Window)
	key := domain.RateLimitKey{Scope: p.Scope, Identifier: identifier, WindowStart: start}

	mult := 1.0
	if w.Load != nil && !p.Whitelisted {
		mult = w.Load.Multiplier()
	}
	if w.Routes != nil && !p.Whitelisted && p.Scope == domain.ScopeEndpoint {
		mult = math.Min(mult, w.Routes.RouteMultiplier(p.Name))
	}
	limit := p.Limit
	if !p.Whitelisted {
		limit = EffectiveLimit(p.Limit, mult)
	}

	adm := domain.Admission{
		Policy:     p,
		Key:        key,
		Limit:      limit,
		ResetAt:    start.Add(p.Window),
		Multiplier: mult,
	}

	counts, err := w.incr(ctx, key, p.Window)
	if err != nil {
		if p.Sensitive && !p.Whitelisted {
			w.log().Error("rate limit store unavailable, failing closed",
				zap.String("policy", p.Name),
				zap.String("scope", string(p.Scope)),
				zap.Error(err),
			)
			return adm, err
		}
		w.warn.Do(func() {
			w.log().Warn("rate limit store unavailable, failing open",
				zap.String("policy", p.Name),
				zap.String("scope", string(p.Scope)),
				zap.Error(err),
			)
		})
		adm.Allowed = true
		adm.Degraded = true
		adm.Remaining = limit
		return adm, nil
	}

	adm.Estimated = Estimate(counts, now.Sub(start), p.Window)
	if p.Whitelisted {
		adm.Allowed = true
		adm.Remaining = limit
		return adm, nil
	}

	adm.Allowed = adm.Estimated <= float64(limit)
	if rem := math.Floor(float64(limit) - adm.Estimated); rem > 0 {
		adm.Remaining = int(rem)
	}
	return adm, nil
}

func (w *WindowCounter) incr(ctx context.Context, key domain.RateLimitKey, window time.Duration) (domain.Counts, error) {
	cur := w.storeKey(key)
	prev := w.storeKey(key.Previous(window))
	if w.Store == nil {
		return domain.Counts{}, &domain.StoreUnavailableError{Op: "incr", Key: cur, Err: errNoStore}
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	counts, err := w.Store.Incr(callCtx, cur, prev, 2*window)
	if err != nil {
		if domain.IsStoreUnavailable(err) {
			return domain.Counts{}, err
		}
		return domain.Counts{}, &domain.StoreUnavailableError{Op: "incr", Key: cur, Err: err}
	}
	return counts, nil
}

func (w *WindowCounter) storeKey(k domain.RateLimitKey) string {
	if w.Prefix == "" {
		return k.String()
	}
	return w.Prefix + ":" + k.String()
}

func (w *WindowCounter) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *WindowCounter) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}
