package domain

import (
	"math"
	"net/netip"
	"strings"
	"time"
)

// Scope is the dimension a policy counts against.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
	ScopeTenant   Scope = "tenant"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeIP, ScopeEndpoint, ScopeTenant:
		return true
	}
	return false
}

// UnboundedLimit is the limit carried by whitelisted policies.
const UnboundedLimit = math.MaxInt32

// Matcher selects the requests a policy applies to. Which fields are
// meaningful depends on the policy scope:
//   - endpoint: Pattern (and optionally Method)
//   - tenant: Tier
//   - ip: Prefix; the zero Prefix marks the default IP policy
type Matcher struct {
	Pattern string
	Method  string
	Tier    string
	Prefix  netip.Prefix
}

// Policy is one validated rate rule.
type Policy struct {
	Name     string
	Scope    Scope
	Matcher  Matcher
	Limit    int
	Window   time.Duration
	Priority int
	// Sensitive policies fail closed when the shared store is unavailable.
	Sensitive   bool
	Whitelisted bool
}

// IsDefaultIP reports whether p is the catch-all IP policy.
func (p Policy) IsDefaultIP() bool {
	return p.Scope == ScopeIP && !p.Matcher.Prefix.IsValid()
}

// Unbounded returns a copy of p that counts but never denies.
func (p Policy) Unbounded() Policy {
	p.Whitelisted = true
	p.Limit = UnboundedLimit
	return p
}

// PolicySet is the full, deploy-time policy configuration.
type PolicySet struct {
	Endpoints []Policy
	Tiers     []Policy
	IP        []Policy
	// DefaultTier is used for tenants whose tier is unknown or empty.
	DefaultTier string

	AllowIPs      []netip.Prefix
	AllowTenants  []string
	ExcludedPaths []string
}

// ParsePrefix parses "10.0.0.1" as a single-address prefix and "10.0.0.0/8"
// as a masked CIDR.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return pfx.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
