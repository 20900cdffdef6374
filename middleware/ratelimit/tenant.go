package ratelimit

import "context"

type tenantKey struct{}

type tenant struct {
	id   string
	tier string
}

// WithTenant attaches an authenticated tenant to ctx. Auth middleware running
// before the admission middleware should use it.
func WithTenant(ctx context.Context, id, tier string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant{id: id, tier: tier})
}

// TenantFrom returns the tenant attached by WithTenant.
func TenantFrom(ctx context.Context) (id, tier string, ok bool) {
	t, ok := ctx.Value(tenantKey{}).(tenant)
	if !ok {
		return "", "", false
	}
	return t.id, t.tier, true
}
