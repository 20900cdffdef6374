package application

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Resolver maps a request to the ordered list of policies that apply to it.
//
// A Resolver is immutable once built; reloads build a new one.
type Resolver struct {
	endpoints   []domain.Policy
	tiers       map[string]domain.Policy
	defaultTier string
	ip          []domain.Policy
	defaultIP   domain.Policy

	allowIPs     []netip.Prefix
	allowTenants map[string]struct{}
	excluded     []string
}

// NewResolver validates set and builds a Resolver. Any problem is reported as
// a *domain.ConfigError and must stop startup.
func NewResolver(set domain.PolicySet) (*Resolver, error) {
	r := &Resolver{
		tiers:        make(map[string]domain.Policy, len(set.Tiers)),
		defaultTier:  strings.ToLower(strings.TrimSpace(set.DefaultTier)),
		allowIPs:     set.AllowIPs,
		allowTenants: make(map[string]struct{}, len(set.AllowTenants)),
	}

	seen := make(map[string]struct{}, len(set.Endpoints))
	for i, p := range set.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if err := validatePolicy(field, p, domain.ScopeEndpoint); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(p.Matcher.Pattern, "/") {
			return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("pattern %q must start with /", p.Matcher.Pattern)}
		}
		// request paths are normalised before matching, so patterns must be too
		p.Matcher.Pattern = NormalizePath(p.Matcher.Pattern)
		p.Matcher.Method = strings.ToUpper(strings.TrimSpace(p.Matcher.Method))
		id := p.Matcher.Method + " " + p.Matcher.Pattern
		if _, dup := seen[id]; dup {
			return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("duplicate endpoint %q", strings.TrimSpace(id))}
		}
		seen[id] = struct{}{}
		r.endpoints = append(r.endpoints, p)
	}

	for i, p := range set.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if err := validatePolicy(field, p, domain.ScopeTenant); err != nil {
			return nil, err
		}
		tier := strings.ToLower(strings.TrimSpace(p.Matcher.Tier))
		if tier == "" {
			return nil, &domain.ConfigError{Field: field, Reason: "tier name is required"}
		}
		if _, dup := r.tiers[tier]; dup {
			return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("duplicate tier %q", tier)}
		}
		p.Matcher.Tier = tier
		r.tiers[tier] = p
	}
	if r.defaultTier != "" {
		if _, ok := r.tiers[r.defaultTier]; !ok {
			return nil, &domain.ConfigError{Field: "default_tier", Reason: fmt.Sprintf("tier %q is not configured", r.defaultTier)}
		}
	}

	haveDefault := false
	for i, p := range set.IP {
		field := fmt.Sprintf("ip[%d]", i)
		if err := validatePolicy(field, p, domain.ScopeIP); err != nil {
			return nil, err
		}
		if p.IsDefaultIP() {
			if haveDefault {
				return nil, &domain.ConfigError{Field: field, Reason: "more than one default IP policy"}
			}
			haveDefault = true
			r.defaultIP = p
			continue
		}
		r.ip = append(r.ip, p)
	}
	if !haveDefault {
		return nil, &domain.ConfigError{Field: "ip", Reason: "no default IP policy configured"}
	}

	byPriority := func(ps []domain.Policy) {
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].Priority > ps[j].Priority })
	}
	byPriority(r.endpoints)
	byPriority(r.ip)

	for _, t := range set.AllowTenants {
		if t = strings.TrimSpace(t); t != "" {
			r.allowTenants[t] = struct{}{}
		}
	}
	for _, p := range set.ExcludedPaths {
		if p = strings.TrimSpace(p); p != "" {
			r.excluded = append(r.excluded, NormalizePath(p))
		}
	}
	return r, nil
}

func validatePolicy(field string, p domain.Policy, want domain.Scope) error {
	switch {
	case p.Scope != want:
		return &domain.ConfigError{Field: field, Reason: fmt.Sprintf("scope %q, expected %q", p.Scope, want)}
	case p.Limit <= 0:
		return &domain.ConfigError{Field: field, Reason: fmt.Sprintf("limit must be > 0, got %d", p.Limit)}
	case p.Window < time.Second:
		return &domain.ConfigError{Field: field, Reason: fmt.Sprintf("window must be >= 1s, got %s", p.Window)}
	case p.Window%time.Second != 0:
		return &domain.ConfigError{Field: field, Reason: fmt.Sprintf("window must be whole seconds, got %s", p.Window)}
	}
	return nil
}

// Excluded reports whether path bypasses admission control entirely.
func (r *Resolver) Excluded(path string) bool {
	norm := NormalizePath(path)
	for _, pat := range r.excluded {
		if matchPattern(pat, norm) {
			return true
		}
	}
	return false
}

// Resolve returns the applicable policies: the endpoint policy, or failing
// that the tenant tier policy, followed by the IP policy. Excluded paths
// resolve to nil.
func (r *Resolver) Resolve(req domain.Request) []domain.Policy {
	if r.Excluded(req.Path) {
		return nil
	}

	out := make([]domain.Policy, 0, 2)
	if p, ok := r.endpointPolicy(req); ok {
		out = append(out, p)
	} else if p, ok := r.tenantPolicy(req); ok {
		out = append(out, p)
	}
	out = append(out, r.ipPolicy(req.ClientIP))

	// Tenant ids are client supplied, so an allowlisted tenant only lifts
	// its tier policy. Endpoint and IP policies still apply.
	ipAllowed := r.ipWhitelisted(req.ClientIP)
	tenantAllowed := r.tenantWhitelisted(req.TenantID)
	for i := range out {
		if ipAllowed || (tenantAllowed && out[i].Scope == domain.ScopeTenant) {
			out[i] = out[i].Unbounded()
		}
	}
	return out
}

func (r *Resolver) endpointPolicy(req domain.Request) (domain.Policy, bool) {
	path := NormalizePath(req.Path)
	method := strings.ToUpper(req.Method)
	for _, p := range r.endpoints {
		if p.Matcher.Method != "" && p.Matcher.Method != method {
			continue
		}
		if matchPattern(p.Matcher.Pattern, path) {
			return p, true
		}
	}
	return domain.Policy{}, false
}

func (r *Resolver) tenantPolicy(req domain.Request) (domain.Policy, bool) {
	if strings.TrimSpace(req.TenantID) == "" || len(r.tiers) == 0 {
		return domain.Policy{}, false
	}
	if p, ok := r.tiers[strings.ToLower(strings.TrimSpace(req.TenantTier))]; ok {
		return p, true
	}
	p, ok := r.tiers[r.defaultTier]
	return p, ok
}

func (r *Resolver) ipPolicy(clientIP string) domain.Policy {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return r.defaultIP
	}
	addr = addr.Unmap()
	for _, p := range r.ip {
		if p.Priority > r.defaultIP.Priority && p.Matcher.Prefix.Contains(addr) {
			return p
		}
	}
	return r.defaultIP
}

func (r *Resolver) tenantWhitelisted(tenantID string) bool {
	if tenantID == "" {
		return false
	}
	_, ok := r.allowTenants[tenantID]
	return ok
}

func (r *Resolver) ipWhitelisted(clientIP string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, pfx := range r.allowIPs {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}
