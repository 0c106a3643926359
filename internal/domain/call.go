package domain

import (
	"fmt"
	"time"
)

// CallDirection is incoming or outgoing.
type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// CallState is the protocol-level state reported for a call.
type CallState string

const (
	CallInitiation CallState = "initiation"
	CallProgress   CallState = "progress"
	CallAccepted   CallState = "accepted"
	CallConfirmed  CallState = "confirmed"
	CallEnded      CallState = "ended"
	CallFailed     CallState = "failed"
)

// Ringing reports whether the call has not been answered yet.
func (s CallState) Ringing() bool {
	return s == CallInitiation || s == CallProgress
}

// Terminal reports whether the call is over.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// HandoffState tracks a forwarded call until someone takes responsibility for it.
type HandoffState string

const (
	HandoffNone         HandoffState = ""
	HandoffAnnounced    HandoffState = "announced"
	HandoffClaimed      HandoffState = "claimed"
	HandoffAutoAnswered HandoffState = "auto_answered"
	HandoffDeclined     HandoffState = "declined"
	HandoffExpired      HandoffState = "expired"
)

// Settled reports whether the handoff reached a final state.
func (s HandoffState) Settled() bool {
	switch s {
	case HandoffClaimed, HandoffAutoAnswered, HandoffDeclined, HandoffExpired:
		return true
	}
	return false
}

// DeclineCode is sent when the user rejects a call from the notification.
const DeclineCode = "declined"

// CallRecord is a live call known to this process.
type CallRecord struct {
	ID        string        `json:"call_id"`
	Direction CallDirection `json:"direction"`
	Remote    string        `json:"remote"`
	State     CallState     `json:"state"`
	Handoff   HandoffState  `json:"handoff,omitempty"`
	Owner     Owner         `json:"owner"`
	CreatedAt time.Time     `json:"created_at"`

	reassigned bool
}

// Reassign moves the call to a new owner. It succeeds only once.
func (c *CallRecord) Reassign(to Owner) error {
	if c.reassigned {
		return fmt.Errorf("domain: call %s already reassigned to %s", c.ID, c.Owner)
	}
	c.reassigned = true
	c.Owner = to
	return nil
}

// ForwardedCallDescriptor is the durable mirror of a CallRecord that lets
// the other process recognise and claim the same call.
type ForwardedCallDescriptor struct {
	CallID    string        `json:"forwarded_call_id"`
	Caller    string        `json:"forwarded_call_caller"`
	Direction CallDirection `json:"forwarded_call_direction"`
	State     HandoffState  `json:"forwarded_call_state"`
	Timestamp time.Time     `json:"forwarded_call_timestamp"`
}

// DescriptorFor builds the descriptor mirroring c.
func DescriptorFor(c *CallRecord, now time.Time) ForwardedCallDescriptor {
	return ForwardedCallDescriptor{
		CallID:    c.ID,
		Caller:    c.Remote,
		Direction: c.Direction,
		State:     c.Handoff,
		Timestamp: now,
	}
}

// IsStale reports whether the descriptor is too old to act on.
func (d ForwardedCallDescriptor) IsStale(now time.Time, threshold time.Duration) bool {
	return d.Timestamp.IsZero() || now.Sub(d.Timestamp) > threshold
}
