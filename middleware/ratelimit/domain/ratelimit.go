package domain

// Admission-control domain layer.
//
// Rules and contracts (interfaces/types) with no dependency on net/http.

import (
	"fmt"
	"strconv"
	"time"
)

// DenyReason is the machine-readable code attached to a denied Decision.
type DenyReason string

const (
	ReasonNone             DenyReason = ""
	ReasonRateLimited      DenyReason = "RATE_LIMIT_ERROR"
	ReasonBanned           DenyReason = "IP_BANNED"
	ReasonStoreUnavailable DenyReason = "STORE_UNAVAILABLE"
)

// Request is the transport-agnostic view of an inbound request.
type Request struct {
	Path       string
	Method     string
	ClientIP   string
	TenantID   string
	TenantTier string
	RequestID  string
}

// RateLimitKey addresses one sub-window counter in the shared store.
type RateLimitKey struct {
	Scope       Scope
	Identifier  string
	WindowStart time.Time
}

// String renders the key for the store. The braces are a Redis Cluster hash tag
// so adjacent sub-windows of the same identity land on the same slot.
func (k RateLimitKey) String() string {
	return fmt.Sprintf("{%s:%s}:%s", k.Scope, k.Identifier, strconv.FormatInt(k.WindowStart.Unix(), 10))
}

// Previous returns the key of the sub-window immediately before k.
func (k RateLimitKey) Previous(window time.Duration) RateLimitKey {
	k.WindowStart = k.WindowStart.Add(-window)
	return k
}

// Counts is what a single increment-with-expiry call reports back.
type Counts struct {
	Current  int64
	Previous int64
}

// CounterRecord describes one sub-window counter as stored.
type CounterRecord struct {
	Key         RateLimitKey
	Count       int64
	WindowStart time.Time
	TTL         time.Duration
}

// Admission is the outcome of evaluating one policy for one identifier.
type Admission struct {
	Policy     Policy
	Key        RateLimitKey
	Allowed    bool
	Limit      int
	Remaining  int
	Estimated  float64
	ResetAt    time.Time
	Multiplier float64
	// Degraded is set when the store could not be reached and the policy failed open.
	Degraded bool
}

// Decision is produced once per request by the admission gateway.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
	// RetryAfter is the value for Retry-After when denied. Zero when allowed.
	RetryAfter time.Duration
	Reason     DenyReason
	// BannedUntil is set only when Reason is ReasonBanned.
	BannedUntil time.Time
	// Bypassed is set for excluded paths and a disabled gateway; no headers are written.
	Bypassed bool
	// Policy names the policy that produced Limit/Remaining.
	Policy string
	// Route names the endpoint policy that matched, if any. Upstream outcomes
	// are recorded against it.
	Route string
}
