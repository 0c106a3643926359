package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/vburojevic/rtckeep/internal/domain"
)

// Tracker follows registration sessions: one session spans from a
// Registered transition until the registration is lost or released.
type Tracker struct {
	mu              sync.Mutex
	clock           clock.Clock
	owner           domain.Owner
	currentSession  int
	sessionID       string
	sessionStart    time.Time
	calls           int
	reregistrations int
	account         string
	server          string
	active          bool
}

// SessionChange contains events emitted when a session changes
type SessionChange struct {
	EndSession   *domain.Event
	StartSession *domain.Event
}

// Events returns the non-nil events in emission order.
func (c *SessionChange) Events() []domain.Event {
	if c == nil {
		return nil
	}
	var out []domain.Event
	if c.EndSession != nil {
		out = append(out, *c.EndSession)
	}
	if c.StartSession != nil {
		out = append(out, *c.StartSession)
	}
	return out
}

// NewTracker creates a new session tracker
func NewTracker(owner domain.Owner, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{owner: owner, clock: clk}
}

// Registered records a successful registration. A refresh of an active
// session only bumps its counter; a new account or server ends the old
// session and starts another.
func (t *Tracker) Registered(ep domain.Endpoint) *SessionChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	account := ep.AOR()

	if t.active && account == t.account && ep.Server == t.server {
		t.reregistrations++
		return nil
	}

	change := &SessionChange{}
	previous := 0
	if t.active {
		end := t.endLocked(now, "endpoint_changed")
		change.EndSession = &end
		previous = t.currentSession
	} else if t.currentSession > 0 {
		previous = t.currentSession
	}

	t.currentSession++
	t.sessionID = uuid.NewString()
	t.sessionStart = now
	t.calls = 0
	t.reregistrations = 0
	t.account = account
	t.server = ep.Server
	t.active = true

	start := domain.NewSessionStart(now, domain.SessionStart{
		Session:         t.currentSession,
		SessionID:       t.sessionID,
		PreviousSession: previous,
		Account:         account,
		Server:          ep.Server,
		Owner:           t.owner,
	})
	change.StartSession = &start
	return change
}

// Ended closes the active session, if any.
func (t *Tracker) Ended(reason string) *SessionChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	end := t.endLocked(t.clock.Now(), reason)
	return &SessionChange{EndSession: &end}
}

func (t *Tracker) endLocked(now time.Time, reason string) domain.Event {
	t.active = false
	return domain.NewSessionEnd(now, domain.SessionEnd{
		Session:   t.currentSession,
		SessionID: t.sessionID,
		Reason:    reason,
		Summary: domain.SessionSummary{
			Calls:           t.calls,
			Reregistrations: t.reregistrations,
			DurationSeconds: int(now.Sub(t.sessionStart).Seconds()),
		},
	})
}

// CountCall attributes a call to the active session.
func (t *Tracker) CountCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.calls++
	}
}

// CurrentSession returns the current session number
func (t *Tracker) CurrentSession() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentSession
}

// Stats returns current session statistics
func (t *Tracker) Stats() (session int, since time.Time, calls int, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentSession, t.sessionStart, t.calls, t.active
}
