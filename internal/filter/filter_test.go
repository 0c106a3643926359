package filter

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/rtckeep/internal/domain"
)

func TestDedupeFilter_Window(t *testing.T) {
	mock := clock.NewMock()
	f := NewDedupeFilter(2*time.Second, mock)

	r := f.Check("active")
	assert.True(t, r.ShouldEmit)
	assert.Equal(t, 1, r.Count)

	mock.Add(time.Second)
	r = f.Check("active")
	assert.False(t, r.ShouldEmit)
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, time.Second, f.Remaining("active"))

	t.Run("repeats do not extend the window", func(t *testing.T) {
		mock.Add(999 * time.Millisecond)
		assert.False(t, f.Check("active").ShouldEmit)
		mock.Add(time.Millisecond)
		assert.True(t, f.Check("active").ShouldEmit)
	})

	t.Run("other keys are independent", func(t *testing.T) {
		assert.True(t, f.Check("inactive").ShouldEmit)
	})
}

func TestDedupeFilter_Consecutive(t *testing.T) {
	f := NewDedupeFilter(0, clock.NewMock())

	assert.True(t, f.Check("a").ShouldEmit)
	assert.False(t, f.Check("a").ShouldEmit)
	assert.True(t, f.Check("b").ShouldEmit)
	assert.True(t, f.Check("a").ShouldEmit, "a is no longer the last key")
	assert.Zero(t, f.Remaining("a"))
}

func TestDedupeFilter_ForgetAndReset(t *testing.T) {
	f := NewDedupeFilter(time.Minute, clock.NewMock())
	f.Check("x")
	f.Check("y")

	f.Forget("x")
	assert.True(t, f.Check("x").ShouldEmit)
	assert.False(t, f.Check("y").ShouldEmit)

	f.Reset()
	assert.True(t, f.Check("y").ShouldEmit)
}

func TestParseWhereClause(t *testing.T) {
	tests := []struct {
		clause  string
		field   string
		op      string
		value   string
		wantErr bool
	}{
		{"type=call", "type", "=", "call", false},
		{"state!=registered", "state", "!=", "registered", false},
		{"cause~time.?out", "cause", "~", "time.?out", false},
		{"cause!~refused", "cause", "!~", "refused", false},
		{"attempt>=3", "attempt", ">=", "3", false},
		{"call_id^abc", "call_id", "^", "abc", false},
		{"State=failed", "state", "=", "failed", false},
		{"attempt>=many", "", "", "", true},
		{"colour=blue", "", "", "", true},
		{"cause~[", "", "", "", true},
		{"no operator", "", "", "", true},
		{"=value", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.clause, func(t *testing.T) {
			wc, err := ParseWhereClause(tt.clause)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.field, wc.Field)
			assert.Equal(t, tt.op, wc.Operator)
			assert.Equal(t, tt.value, wc.Value)
		})
	}
}

func TestWhereFilter_Match(t *testing.T) {
	now := time.Now()
	failed := domain.NewConnectionEvent(now, domain.ConnectionChange{From: domain.StateConnecting, To: domain.StateFailed, Attempt: 4, Cause: "dial timeout"})
	call := domain.NewCallEvent(now, domain.CallChange{CallID: "abc-123", State: domain.CallInitiation})
	handoff := domain.NewHandoffEvent(now, domain.HandoffChange{CallID: "abc-123", To: domain.HandoffAutoAnswered, Reason: "fallback"})
	owner := domain.NewOwnershipEvent(now, domain.OwnerBackground, true)

	tests := []struct {
		name    string
		clauses []string
		ev      domain.Event
		want    bool
	}{
		{"type match", []string{"type=connection_state"}, failed, true},
		{"attempt threshold", []string{"attempt>=3"}, failed, true},
		{"attempt below threshold", []string{"attempt<=3"}, failed, false},
		{"cause regex", []string{"cause~timeout"}, failed, true},
		{"and logic", []string{"type=connection_state", "state=registered"}, failed, false},
		{"call id prefix", []string{"call_id^abc"}, call, true},
		{"handoff state", []string{"state=auto_answered", "cause=fallback"}, handoff, true},
		{"ownership", []string{"owner=background", "state=active"}, owner, true},
		{"missing field reads empty", []string{"call_id=abc-123"}, owner, false},
		{"attempt on non-connection", []string{"attempt>=0"}, call, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewWhereFilter(tt.clauses)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(&tt.ev))
		})
	}

	t.Run("empty clause list yields nil filter that matches", func(t *testing.T) {
		f, err := NewWhereFilter(nil)
		require.NoError(t, err)
		assert.Nil(t, f)
		assert.True(t, f.Match(&call))
	})
}
