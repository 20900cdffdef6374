package domain

import "time"

// BanState is the externally visible state of an identifier.
type BanState string

const (
	BanClear  BanState = "clear"
	BanWarned BanState = "warned"
	BanActive BanState = "banned"
)

// BanRecord is created on the violation that crosses the threshold and
// becomes inert once now passes BannedUntil. Nothing sweeps it.
type BanRecord struct {
	Identifier           string
	ViolationCount       int64
	ViolationWindowStart time.Time
	BannedUntil          time.Time
	BanCount             int64
}

// Active reports whether the ban is in force at now. Pure.
func (r BanRecord) Active(now time.Time) bool {
	return !r.BannedUntil.IsZero() && now.Before(r.BannedUntil)
}

// Remaining is the time left on the ban at now, or zero.
func (r BanRecord) Remaining(now time.Time) time.Duration {
	if !r.Active(now) {
		return 0
	}
	return r.BannedUntil.Sub(now)
}
