package domain

import (
	"fmt"
	"time"
)

// ConnectionState is the registration state of one reconnection engine.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateRegistered
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	v, err := ParseConnectionState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseConnectionState converts the String form back to a state.
func ParseConnectionState(s string) (ConnectionState, error) {
	switch s {
	case "disconnected":
		return StateDisconnected, nil
	case "connecting":
		return StateConnecting, nil
	case "registered":
		return StateRegistered, nil
	case "failed":
		return StateFailed, nil
	}
	return StateDisconnected, fmt.Errorf("domain: unknown connection state %q", s)
}

// ReconnectionAttempt tracks consecutive failures since the last success.
type ReconnectionAttempt struct {
	Count       int       `json:"count"`
	LastFailure string    `json:"last_failure,omitempty"`
	NextAt      time.Time `json:"next_at,omitempty"`
}

// Reset clears the counter after a success or network restore.
func (a *ReconnectionAttempt) Reset() {
	*a = ReconnectionAttempt{}
}

// Fail records one more failure and returns the new count.
func (a *ReconnectionAttempt) Fail(reason string) int {
	a.Count++
	a.LastFailure = reason
	a.NextAt = time.Time{}
	return a.Count
}
