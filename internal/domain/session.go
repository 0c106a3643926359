package domain

import "time"

// SessionStart is emitted when a registration session begins
type SessionStart struct {
	Session         int    `json:"session"`                    // Session number (1, 2, 3...)
	SessionID       string `json:"session_id"`                 // Unique id for log correlation
	Alert           string `json:"alert,omitempty"`            // "REREGISTERED" when a previous session existed
	PreviousSession int    `json:"previous_session,omitempty"` // Session that ended before this one
	Account         string `json:"account"`                    // user@host
	Server          string `json:"server"`                     // host:port
	Owner           Owner  `json:"owner"`                      // Process holding the registration
	Timestamp       string `json:"timestamp"`                  // ISO8601 timestamp
}

// SessionEnd is emitted when a registration session ends (drop, release or stop)
type SessionEnd struct {
	Session   int            `json:"session"`    // Session number that ended
	SessionID string         `json:"session_id"` // Matches SessionStart.SessionID
	Reason    string         `json:"reason"`     // e.g. transport_drop, released, stopped
	Summary   SessionSummary `json:"summary"`    // Summary of the session
}

// SessionSummary contains statistics about a completed session
type SessionSummary struct {
	Calls           int `json:"calls"`
	Reregistrations int `json:"reregistrations"`
	DurationSeconds int `json:"duration_seconds"`
}

// NewSessionStart creates a session_start event
func NewSessionStart(at time.Time, start SessionStart) Event {
	start.Timestamp = at.UTC().Format(time.RFC3339)
	if start.PreviousSession > 0 {
		start.Alert = "REREGISTERED"
	}
	ev := newEvent(EventSessionStart, at)
	ev.SessionStart = &start
	return ev
}

// NewSessionEnd creates a session_end event
func NewSessionEnd(at time.Time, end SessionEnd) Event {
	ev := newEvent(EventSessionEnd, at)
	ev.SessionEnd = &end
	return ev
}
