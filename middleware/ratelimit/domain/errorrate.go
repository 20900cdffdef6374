package domain

import "context"

// OutcomeStore counts upstream responses per route over a rolling window.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, route string, failed bool) error
	// Outcomes returns the failed and total responses seen for route.
	Outcomes(ctx context.Context, route string) (failed, total int64, err error)
}

// RouteMultiplierSource exposes a per-route adaptive multiplier. Unknown
// routes report 1.
type RouteMultiplierSource interface {
	RouteMultiplier(route string) float64
}
