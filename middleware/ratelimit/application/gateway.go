package application

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

// GatewayConfig wires the Gateway. Counter is required; Bans and Stats are
// optional.
type GatewayConfig struct {
	Policies domain.PolicySet
	Counter  *WindowCounter
	Bans     *BanTracker
	Stats    domain.StatsStore
	// Disabled turns the gateway into a pass-through. It can be flipped later
	// with SetEnabled.
	Disabled bool
	Now      func() time.Time
	Logger   *zap.Logger
}

// Gateway is the single admission entry point. It knows nothing about HTTP;
// it turns a Request into a Decision.
type Gateway struct {
	counter *WindowCounter
	bans    *BanTracker
	stats   domain.StatsStore
	now     func() time.Time
	logger  *zap.Logger

	resolver atomic.Pointer[Resolver]
	enabled  atomic.Bool
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Counter == nil {
		return nil, &domain.ConfigError{Field: "counter", Reason: "window counter is required"}
	}
	r, err := NewResolver(cfg.Policies)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		counter: cfg.Counter,
		bans:    cfg.Bans,
		stats:   cfg.Stats,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.resolver.Store(r)
	g.enabled.Store(!cfg.Disabled)
	return g, nil
}

// Reload validates set and swaps it in. On error the running policies stay.
func (g *Gateway) Reload(set domain.PolicySet) error {
	r, err := NewResolver(set)
	if err != nil {
		g.logger.Error("policy reload rejected", zap.Error(err))
		return err
	}
	g.resolver.Store(r)
	g.logger.Info("policies reloaded",
		zap.Int("endpoints", len(set.Endpoints)),
		zap.Int("tiers", len(set.Tiers)),
		zap.Int("ip", len(set.IP)),
	)
	return nil
}

func (g *Gateway) SetEnabled(on bool) { g.enabled.Store(on) }

func (g *Gateway) Enabled() bool { return g.enabled.Load() }

// Resolve exposes the policies that currently apply to req.
func (g *Gateway) Resolve(req domain.Request) []domain.Policy {
	return g.resolver.Load().Resolve(req)
}

// Check admits or denies req. Every applicable policy is counted, even when
// an earlier one already denied.
func (g *Gateway) Check(ctx context.Context, req domain.Request) domain.Decision {
	if !g.enabled.Load() {
		return g.finish(ctx, req, domain.Decision{Allowed: true, Bypassed: true}, "", false)
	}

	if dec, banned := g.checkBan(ctx, req); banned {
		return g.finish(ctx, req, dec, domain.ScopeIP, false)
	}

	r := g.resolver.Load()
	policies := r.Resolve(req)
	if len(policies) == 0 {
		return g.finish(ctx, req, domain.Decision{Allowed: true, Bypassed: true}, "", false)
	}

	route := ""
	for _, p := range policies {
		if p.Scope == domain.ScopeEndpoint {
			route = p.Name
		}
	}

	var (
		admissions = make([]domain.Admission, 0, len(policies))
		closed     *domain.Admission
		degraded   bool
	)
	for _, p := range policies {
		adm, err := g.counter.Admit(ctx, p, identifierFor(p, req))
		if err != nil {
			if closed == nil {
				a := adm
				closed = &a
			}
			continue
		}
		degraded = degraded || adm.Degraded
		admissions = append(admissions, adm)
	}

	now := g.now()
	if closed != nil {
		dec := domain.Decision{
			Reason:     domain.ReasonStoreUnavailable,
			Limit:      closed.Limit,
			ResetAt:    closed.ResetAt,
			RetryAfter: retryAfter(closed.ResetAt, now),
			Policy:     closed.Policy.Name,
			Route:      route,
		}
		return g.finish(ctx, req, dec, closed.Policy.Scope, true)
	}

	var violated *domain.Admission
	for i := range admissions {
		a := &admissions[i]
		if a.Allowed {
			continue
		}
		if violated == nil || a.Limit < violated.Limit ||
			(a.Limit == violated.Limit && a.ResetAt.After(violated.ResetAt)) {
			violated = a
		}
	}
	if violated != nil {
		g.recordViolation(ctx, req)
		dec := domain.Decision{
			Reason:     domain.ReasonRateLimited,
			Limit:      violated.Limit,
			Remaining:  violated.Remaining,
			ResetAt:    violated.ResetAt,
			RetryAfter: retryAfter(violated.ResetAt, now),
			Policy:     violated.Policy.Name,
			Route:      route,
		}
		return g.finish(ctx, req, dec, violated.Policy.Scope, degraded)
	}

	tightest := admissions[0]
	for _, a := range admissions[1:] {
		if a.Remaining < tightest.Remaining {
			tightest = a
		}
	}
	dec := domain.Decision{
		Allowed:   true,
		Limit:     tightest.Limit,
		Remaining: tightest.Remaining,
		ResetAt:   tightest.ResetAt,
		Policy:    tightest.Policy.Name,
		Route:     route,
	}
	return g.finish(ctx, req, dec, tightest.Policy.Scope, degraded)
}

func (g *Gateway) checkBan(ctx context.Context, req domain.Request) (domain.Decision, bool) {
	if g.bans == nil || req.ClientIP == "" {
		return domain.Decision{}, false
	}
	rec, err := g.bans.Lookup(ctx, req.ClientIP)
	if err != nil {
		g.logger.Warn("ban lookup failed, treating as not banned",
			zap.String("client_ip", req.ClientIP),
			zap.Error(err),
		)
		return domain.Decision{}, false
	}
	now := g.now()
	if !rec.Active(now) {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Reason:      domain.ReasonBanned,
		RetryAfter:  retryAfter(rec.BannedUntil, now),
		ResetAt:     rec.BannedUntil,
		BannedUntil: rec.BannedUntil,
	}, true
}

func (g *Gateway) recordViolation(ctx context.Context, req domain.Request) {
	if g.bans == nil || req.ClientIP == "" {
		return
	}
	if _, err := g.bans.RecordViolation(ctx, req.ClientIP); err != nil {
		g.logger.Warn("violation not recorded",
			zap.String("client_ip", req.ClientIP),
			zap.Error(err),
		)
	}
}

func (g *Gateway) finish(ctx context.Context, req domain.Request, dec domain.Decision, scope domain.Scope, degraded bool) domain.Decision {
	fields := []zap.Field{
		zap.String("request_id", req.RequestID),
		zap.String("client_ip", req.ClientIP),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("policy", dec.Policy),
		zap.Bool("allowed", dec.Allowed),
		zap.Int("limit", dec.Limit),
		zap.Int("remaining", dec.Remaining),
	}
	switch {
	case dec.Bypassed:
		g.logger.Debug("admission bypassed", fields...)
	case dec.Allowed:
		g.logger.Debug("request admitted", append(fields, zap.Bool("degraded", degraded))...)
	default:
		g.logger.Info("request denied", append(fields,
			zap.String("reason", string(dec.Reason)),
			zap.Duration("retry_after", dec.RetryAfter),
		)...)
	}

	if g.stats != nil {
		ev := domain.StatsEvent{
			RequestID: req.RequestID,
			ClientIP:  req.ClientIP,
			TenantID:  req.TenantID,
			Policy:    dec.Policy,
			Scope:     scope,
			Allowed:   dec.Allowed,
			Bypassed:  dec.Bypassed,
			Degraded:  degraded,
			Reason:    dec.Reason,
			Limit:     dec.Limit,
			Remaining: dec.Remaining,
			Method:    req.Method,
			Path:      req.Path,
			At:        g.now(),
		}
		if err := g.stats.Record(ctx, ev); err != nil {
			g.logger.Debug("stats record failed", zap.Error(err))
		}
	}
	return dec
}

// identifierFor picks the counter identity for p. Endpoint policies count
// per client per route.
func identifierFor(p domain.Policy, req domain.Request) string {
	switch p.Scope {
	case domain.ScopeTenant:
		return req.TenantID
	case domain.ScopeEndpoint:
		return p.Matcher.Method + p.Matcher.Pattern + "@" + req.ClientIP
	default:
		return req.ClientIP
	}
}

func retryAfter(until, now time.Time) time.Duration {
	d := until.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
