package domain

import "time"

// Owner names one of the two processes that may hold the registration.
type Owner string

const (
	OwnerForeground Owner = "foreground"
	OwnerBackground Owner = "background"
)

// Peer returns the other process.
func (o Owner) Peer() Owner {
	if o == OwnerForeground {
		return OwnerBackground
	}
	return OwnerForeground
}

const (
	// OwnershipStaleness applies to general liveness decisions.
	OwnershipStaleness = 5 * time.Minute
	// CallOwnershipStaleness applies when deciding who handles a call.
	CallOwnershipStaleness = 2 * time.Minute
)

// OwnershipRecord is one process's durable liveness report.
type OwnershipRecord struct {
	Owner     Owner     `json:"owner"`
	Active    bool      `json:"active"`
	Heartbeat time.Time `json:"heartbeat"`
}

// IsStale reports whether the record is older than threshold at now.
// A record that was never written is always stale.
func (r OwnershipRecord) IsStale(now time.Time, threshold time.Duration) bool {
	if r.Heartbeat.IsZero() {
		return true
	}
	return now.Sub(r.Heartbeat) > threshold
}

// ActiveAt reports whether the record claims ownership and is still fresh.
func (r OwnershipRecord) ActiveAt(now time.Time, threshold time.Duration) bool {
	return r.Active && !r.IsStale(now, threshold)
}
