package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vburojevic/rtckeep/internal/domain"
)

// WhereClause represents a parsed --where condition
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // Compiled regex for ~ and !~ operators
}

// ParseWhereClause parses a where clause like "type=call" or "cause~timeout"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// Longest operators first so "!=" is not read as "="
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx > 0 {
			field := strings.ToLower(strings.TrimSpace(clause[:idx]))
			value := strings.TrimSpace(clause[idx+len(op):])

			if field == "" || value == "" {
				return nil, fmt.Errorf("invalid where clause: %s", clause)
			}
			if !knownField(field) {
				return nil, fmt.Errorf("unknown field %q in where clause (use %s)", field, strings.Join(whereFields, ", "))
			}

			wc := &WhereClause{
				Field:    field,
				Operator: op,
				Value:    value,
			}

			if op == "~" || op == "!~" {
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
				}
				wc.regex = re
			}
			if op == ">=" || op == "<=" {
				if _, err := strconv.Atoi(value); err != nil {
					return nil, fmt.Errorf("%s needs a number in where clause '%s'", op, clause)
				}
			}

			return wc, nil
		}
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

var whereFields = []string{"type", "source", "state", "call_id", "cause", "owner", "online", "attempt"}

func knownField(f string) bool {
	for _, k := range whereFields {
		if k == f {
			return true
		}
	}
	return false
}

// Match checks if an event matches this where clause
func (wc *WhereClause) Match(ev *domain.Event) bool {
	fieldValue := FieldValue(ev, wc.Field)

	switch wc.Operator {
	case "=":
		return fieldValue == wc.Value
	case "!=":
		return fieldValue != wc.Value
	case "~":
		return wc.regex.MatchString(fieldValue)
	case "!~":
		return !wc.regex.MatchString(fieldValue)
	case "^":
		return strings.HasPrefix(fieldValue, wc.Value)
	case "$":
		return strings.HasSuffix(fieldValue, wc.Value)
	case ">=", "<=":
		return wc.compareNumber(fieldValue)
	}

	return false
}

func (wc *WhereClause) compareNumber(fieldValue string) bool {
	got, err := strconv.Atoi(fieldValue)
	if err != nil {
		return false
	}
	want, _ := strconv.Atoi(wc.Value)
	if wc.Operator == ">=" {
		return got >= want
	}
	return got <= want
}

// FieldValue extracts a named field from whichever payload ev carries.
// Fields the payload does not have read as "".
func FieldValue(ev *domain.Event, field string) string {
	switch field {
	case "type":
		return string(ev.Type)
	case "source":
		return string(ev.Source)
	}

	switch {
	case ev.Connection != nil:
		c := ev.Connection
		switch field {
		case "state":
			return c.To.String()
		case "cause":
			return c.Cause
		case "attempt":
			return strconv.Itoa(c.Attempt)
		}
	case ev.Registration != nil:
		switch field {
		case "state":
			return string(ev.Registration.Status)
		case "cause":
			return ev.Registration.Cause
		}
	case ev.Transport != nil:
		switch field {
		case "state":
			if ev.Transport.Connected {
				return "connected"
			}
			return "disconnected"
		case "cause":
			return ev.Transport.Cause
		}
	case ev.Call != nil:
		switch field {
		case "state":
			return string(ev.Call.State)
		case "call_id":
			return ev.Call.CallID
		}
	case ev.Handoff != nil:
		switch field {
		case "state":
			return string(ev.Handoff.To)
		case "call_id":
			return ev.Handoff.CallID
		case "cause":
			return ev.Handoff.Reason
		}
	case ev.Network != nil:
		if field == "online" {
			return strconv.FormatBool(ev.Network.Online)
		}
	case ev.Ownership != nil:
		switch field {
		case "owner":
			return string(ev.Ownership.Owner)
		case "state":
			if ev.Ownership.Active {
				return "active"
			}
			return "inactive"
		}
	case ev.SessionEnd != nil:
		if field == "cause" {
			return ev.SessionEnd.Reason
		}
	}
	return ""
}

// WhereFilter is a filter that applies multiple where clauses (AND logic)
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter creates a filter from multiple where clause strings
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}

	filter := &WhereFilter{}
	for _, clause := range whereClauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		filter.clauses = append(filter.clauses, wc)
	}

	return filter, nil
}

// Match returns true if the event matches ALL where clauses (AND logic)
func (f *WhereFilter) Match(ev *domain.Event) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(ev) {
			return false
		}
	}
	return true
}
