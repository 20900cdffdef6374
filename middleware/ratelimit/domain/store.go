package domain

import (
	"context"
	"time"
)

// CounterStore is the shared, atomically accessible counter backend.
//
// Implementations must perform Incr as one atomic operation: increment the
// current key, arm ttl when the key is new, and read the previous key. A
// separate read-then-write loses updates under concurrent workers.
type CounterStore interface {
	Incr(ctx context.Context, current, previous string, ttl time.Duration) (Counts, error)
	// Peek reads both keys without mutating them. Missing keys count as zero.
	Peek(ctx context.Context, current, previous string) (Counts, error)
}

// BanUpdate carries the fields written when a ban is created or refreshed.
type BanUpdate struct {
	Identifier           string
	ViolationCount       int64
	ViolationWindowStart time.Time
	BannedUntil          time.Time
	// TTL only bounds storage; activity is decided by BannedUntil.
	TTL time.Duration
}

// BanStore persists ban records shared by all workers.
type BanStore interface {
	// Ban atomically writes u and increments the ban count, returning the result.
	Ban(ctx context.Context, u BanUpdate) (BanRecord, error)
	// Get returns the stored record, ok=false when none exists.
	Get(ctx context.Context, identifier string) (BanRecord, bool, error)
}
