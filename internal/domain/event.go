package domain

import "time"

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventConnectionState EventType = "connection_state"
	EventRegistration    EventType = "registration"
	EventTransport       EventType = "transport"
	EventCall            EventType = "call"
	EventNetwork         EventType = "network"
	EventOwnership       EventType = "ownership"
	EventHandoff         EventType = "handoff"
	EventSessionStart    EventType = "session_start"
	EventSessionEnd      EventType = "session_end"
)

// SchemaVersion is the version of every NDJSON event line.
const SchemaVersion = 1

// Event is the one canonical event dispatched on the bus. Exactly one
// payload pointer matching Type is set.
type Event struct {
	Type          EventType `json:"type"`
	SchemaVersion int       `json:"schemaVersion"`
	Timestamp     string    `json:"timestamp"`
	Source        Owner     `json:"source,omitempty"` // process that published it

	Connection   *ConnectionChange   `json:"connection,omitempty"`
	Registration *RegistrationChange `json:"registration,omitempty"`
	Transport    *TransportChange    `json:"transport,omitempty"`
	Call         *CallChange         `json:"call,omitempty"`
	Network      *NetworkChange      `json:"network,omitempty"`
	Ownership    *OwnershipChange    `json:"ownership,omitempty"`
	Handoff      *HandoffChange      `json:"handoff,omitempty"`
	SessionStart *SessionStart       `json:"session_start,omitempty"`
	SessionEnd   *SessionEnd         `json:"session_end,omitempty"`
}

// ConnectionChange is a reconnection engine state transition.
type ConnectionChange struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Attempt   int             `json:"attempt"`
	Cause     string          `json:"cause,omitempty"`
	Exhausted bool            `json:"exhausted,omitempty"`
	Config    bool            `json:"config_error,omitempty"`
	NextRetry string          `json:"next_retry,omitempty"` // RFC3339 when a retry is scheduled
}

// RegistrationStatus is reported by the protocol engine.
type RegistrationStatus string

const (
	RegistrationRegistered   RegistrationStatus = "registered"
	RegistrationUnregistered RegistrationStatus = "unregistered"
	RegistrationFailed       RegistrationStatus = "registration_failed"
)

type RegistrationChange struct {
	Status RegistrationStatus `json:"status"`
	Cause  string             `json:"cause,omitempty"`
}

type TransportChange struct {
	Connected bool   `json:"connected"`
	Cause     string `json:"cause,omitempty"`
}

type CallChange struct {
	CallID    string        `json:"call_id"`
	Remote    string        `json:"remote,omitempty"`
	Direction CallDirection `json:"direction,omitempty"`
	State     CallState     `json:"state"`
}

type NetworkChange struct {
	Online bool `json:"online"`
}

type OwnershipChange struct {
	Owner  Owner `json:"owner"`
	Active bool  `json:"active"`
}

type HandoffChange struct {
	CallID string       `json:"call_id"`
	Caller string       `json:"caller,omitempty"`
	From   HandoffState `json:"from,omitempty"`
	To     HandoffState `json:"to"`
	Reason string       `json:"reason,omitempty"`
}

func newEvent(t EventType, at time.Time) Event {
	return Event{
		Type:          t,
		SchemaVersion: SchemaVersion,
		Timestamp:     at.UTC().Format(time.RFC3339Nano),
	}
}

// NewConnectionEvent creates a connection_state event.
func NewConnectionEvent(at time.Time, c ConnectionChange) Event {
	ev := newEvent(EventConnectionState, at)
	ev.Connection = &c
	return ev
}

// NewRegistrationEvent creates a registration event.
func NewRegistrationEvent(at time.Time, status RegistrationStatus, cause string) Event {
	ev := newEvent(EventRegistration, at)
	ev.Registration = &RegistrationChange{Status: status, Cause: cause}
	return ev
}

// NewTransportEvent creates a transport event.
func NewTransportEvent(at time.Time, connected bool, cause string) Event {
	ev := newEvent(EventTransport, at)
	ev.Transport = &TransportChange{Connected: connected, Cause: cause}
	return ev
}

// NewCallEvent creates a call event.
func NewCallEvent(at time.Time, c CallChange) Event {
	ev := newEvent(EventCall, at)
	ev.Call = &c
	return ev
}

// NewNetworkEvent creates a network event.
func NewNetworkEvent(at time.Time, online bool) Event {
	ev := newEvent(EventNetwork, at)
	ev.Network = &NetworkChange{Online: online}
	return ev
}

// NewOwnershipEvent creates an ownership event.
func NewOwnershipEvent(at time.Time, owner Owner, active bool) Event {
	ev := newEvent(EventOwnership, at)
	ev.Ownership = &OwnershipChange{Owner: owner, Active: active}
	return ev
}

// NewHandoffEvent creates a handoff event.
func NewHandoffEvent(at time.Time, h HandoffChange) Event {
	ev := newEvent(EventHandoff, at)
	ev.Handoff = &h
	return ev
}
