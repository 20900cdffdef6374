package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	DefaultBanThreshold = 10
	DefaultBanWindow    = time.Hour
	DefaultBanDuration  = time.Hour
	// DefaultBanRetention keeps expired records around so BanCount survives.
	DefaultBanRetention = 24 * time.Hour
)

// BanTracker escalates repeated violations into temporary bans.
//
// Violations are counted with the same sliding window as request admission;
// bans are plain records whose activity is decided by comparing timestamps.
type BanTracker struct {
	Counter   domain.CounterStore
	Bans      domain.BanStore
	Threshold int
	Window    time.Duration
	Duration  time.Duration
	Retention time.Duration
	Prefix    string
	Timeout   time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

func NewBanTracker(counter domain.CounterStore, bans domain.BanStore, logger *zap.Logger) *BanTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BanTracker{
		Counter:   counter,
		Bans:      bans,
		Threshold: DefaultBanThreshold,
		Window:    DefaultBanWindow,
		Duration:  DefaultBanDuration,
		Retention: DefaultBanRetention,
		Prefix:    "ban",
		Timeout:   DefaultStoreTimeout,
		Now:       time.Now,
		Logger:    logger,
	}
}

// RecordViolation counts one violation for identifier. When the rolling
// count exceeds the threshold the ban is created or refreshed and returned.
// The zero record is returned while the identifier is only warned.
func (t *BanTracker) RecordViolation(ctx context.Context, identifier string) (domain.BanRecord, error) {
	now := t.now()
	start := WindowStart(now, t.window())
	cur, prev := t.keys(identifier, start)

	callCtx, cancel := t.callCtx(ctx)
	counts, err := t.Counter.Incr(callCtx, cur, prev, 2*t.window())
	cancel()
	if err != nil {
		return domain.BanRecord{}, t.unavailable("incr", cur, err)
	}

	est := Estimate(counts, now.Sub(start), t.window())
	if est <= float64(t.threshold()) {
		t.log().Debug("violation recorded",
			zap.String("identifier", identifier),
			zap.Float64("violations", est),
		)
		return domain.BanRecord{}, nil
	}

	callCtx, cancel = t.callCtx(ctx)
	defer cancel()
	rec, err := t.Bans.Ban(callCtx, domain.BanUpdate{
		Identifier:           identifier,
		ViolationCount:       counts.Current,
		ViolationWindowStart: start,
		BannedUntil:          now.Add(t.duration()),
		TTL:                  t.duration() + t.retention(),
	})
	if err != nil {
		return domain.BanRecord{}, t.unavailable("ban", identifier, err)
	}
	t.log().Warn("identifier banned",
		zap.String("identifier", identifier),
		zap.Float64("violations", est),
		zap.Time("banned_until", rec.BannedUntil),
		zap.Int64("ban_count", rec.BanCount),
	)
	return rec, nil
}

// Lookup returns the stored ban record for identifier without modifying it.
// A missing record is returned as the zero value.
func (t *BanTracker) Lookup(ctx context.Context, identifier string) (domain.BanRecord, error) {
	callCtx, cancel := t.callCtx(ctx)
	defer cancel()
	rec, ok, err := t.Bans.Get(callCtx, identifier)
	if err != nil {
		return domain.BanRecord{}, t.unavailable("get", identifier, err)
	}
	if !ok {
		return domain.BanRecord{}, nil
	}
	return rec, nil
}

// IsBanned reports whether identifier is banned right now. Read only.
func (t *BanTracker) IsBanned(ctx context.Context, identifier string) (bool, error) {
	rec, err := t.Lookup(ctx, identifier)
	if err != nil {
		return false, err
	}
	return rec.Active(t.now()), nil
}

// State reports clear, warned or banned for identifier. Read only.
func (t *BanTracker) State(ctx context.Context, identifier string) (domain.BanState, error) {
	banned, err := t.IsBanned(ctx, identifier)
	if err != nil {
		return domain.BanClear, err
	}
	if banned {
		return domain.BanActive, nil
	}

	now := t.now()
	start := WindowStart(now, t.window())
	cur, prev := t.keys(identifier, start)
	callCtx, cancel := t.callCtx(ctx)
	defer cancel()
	counts, err := t.Counter.Peek(callCtx, cur, prev)
	if err != nil {
		return domain.BanClear, t.unavailable("peek", cur, err)
	}
	if Estimate(counts, now.Sub(start), t.window()) >= 1 {
		return domain.BanWarned, nil
	}
	return domain.BanClear, nil
}

func (t *BanTracker) keys(identifier string, start time.Time) (cur, prev string) {
	k := domain.RateLimitKey{Scope: "violations", Identifier: identifier, WindowStart: start}
	p := t.Prefix
	if p == "" {
		p = "ban"
	}
	return p + ":" + k.String(), p + ":" + k.Previous(t.window()).String()
}

func (t *BanTracker) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := t.Timeout
	if d <= 0 {
		d = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, d)
}

func (t *BanTracker) unavailable(op, key string, err error) error {
	if domain.IsStoreUnavailable(err) {
		return err
	}
	return &domain.StoreUnavailableError{Op: op, Key: key, Err: err}
}

func (t *BanTracker) threshold() int {
	if t.Threshold <= 0 {
		return DefaultBanThreshold
	}
	return t.Threshold
}

func (t *BanTracker) window() time.Duration {
	if t.Window <= 0 {
		return DefaultBanWindow
	}
	return t.Window
}

func (t *BanTracker) duration() time.Duration {
	if t.Duration <= 0 {
		return DefaultBanDuration
	}
	return t.Duration
}

func (t *BanTracker) retention() time.Duration {
	if t.Retention < 0 {
		return 0
	}
	return t.Retention
}

func (t *BanTracker) log() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

func (t *BanTracker) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}
