package cli

import (
	"encoding/json"
	"strings"

	"github.com/vburojevic/rtckeep/internal/domain"
)

// SchemaCmd outputs JSON Schema for rtckeep output types
type SchemaCmd struct {
	Type []string `short:"t" help:"Output types to include (event,status,ready,error). Default: all"`
}

var schemaTypes = []string{"event", "status", "ready", "error"}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := map[string]interface{}{
		"event":  eventSchema(),
		"status": statusSchema(),
		"ready":  readySchema(),
		"error":  errorSchema(),
	}

	typesToOutput := c.Type
	if len(typesToOutput) == 0 {
		typesToOutput = schemaTypes
	}

	output := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "rtckeep Output Schemas",
		"description": "JSON Schema definitions for all rtckeep NDJSON output types",
		"definitions": map[string]interface{}{},
	}

	defs := output["definitions"].(map[string]interface{})
	for _, t := range typesToOutput {
		t = strings.ToLower(strings.TrimSpace(t))
		if schema, ok := schemas[t]; ok {
			defs[t] = schema
		}
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func object(title string, props map[string]interface{}, required ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"title":      title,
		"properties": props,
		"required":   required,
	}
}

func connectionStates() []string {
	return []string{
		domain.StateDisconnected.String(),
		domain.StateConnecting.String(),
		domain.StateRegistered.String(),
		domain.StateFailed.String(),
	}
}

func eventSchema() map[string]interface{} {
	s := object("Event", map[string]interface{}{
		"type": map[string]interface{}{
			"type": "string",
			"enum": []domain.EventType{
				domain.EventConnectionState, domain.EventRegistration, domain.EventTransport,
				domain.EventCall, domain.EventNetwork, domain.EventOwnership,
				domain.EventHandoff, domain.EventSessionStart, domain.EventSessionEnd,
			},
			"description": "Selects which payload object is present",
		},
		"schemaVersion": prop("integer", "Output schema version"),
		"timestamp":     map[string]interface{}{"type": "string", "format": "date-time"},
		"source": map[string]interface{}{
			"type": "string",
			"enum": []domain.Owner{domain.OwnerForeground, domain.OwnerBackground},
		},
		"connection": object("Connection Change", map[string]interface{}{
			"from":         map[string]interface{}{"type": "string", "enum": connectionStates()},
			"to":           map[string]interface{}{"type": "string", "enum": connectionStates()},
			"attempt":      prop("integer", "Consecutive failed attempts so far"),
			"cause":        prop("string", "What triggered the transition"),
			"exhausted":    prop("boolean", "Retry ceiling reached; only force-reconnect resumes"),
			"config_error": prop("boolean", "Failure was a configuration error; not retried"),
			"next_retry":   map[string]interface{}{"type": "string", "format": "date-time"},
		}, "from", "to", "attempt"),
		"registration": object("Registration Change", map[string]interface{}{
			"status": map[string]interface{}{"type": "string", "enum": []domain.RegistrationStatus{
				domain.RegistrationRegistered, domain.RegistrationUnregistered, domain.RegistrationFailed,
			}},
			"cause": prop("string", "Server or transport reason"),
		}, "status"),
		"transport": object("Transport Change", map[string]interface{}{
			"connected": prop("boolean", "Transport link is up"),
			"cause":     prop("string", "Reason for the change"),
		}, "connected"),
		"call": object("Call Change", map[string]interface{}{
			"call_id":   prop("string", "Call identifier"),
			"remote":    prop("string", "Remote party"),
			"direction": prop("string", "incoming or outgoing"),
			"state":     prop("string", "Call state"),
		}, "call_id", "state"),
		"network": object("Network Change", map[string]interface{}{
			"online": prop("boolean", "Network reachable"),
		}, "online"),
		"ownership": object("Ownership Change", map[string]interface{}{
			"owner":  prop("string", "Process whose record changed"),
			"active": prop("boolean", "Process reported itself active"),
		}, "owner", "active"),
		"handoff": object("Handoff Change", map[string]interface{}{
			"call_id": prop("string", "Forwarded call"),
			"caller":  prop("string", "Caller display"),
			"from":    prop("string", "Previous handoff state"),
			"to":      prop("string", "New handoff state"),
			"reason":  prop("string", "Why the handoff moved"),
		}, "call_id", "to"),
		"session_start": object("Session Start", map[string]interface{}{
			"session":          prop("integer", "Session number"),
			"session_id":       prop("string", "Unique session id"),
			"alert":            prop("string", "REREGISTERED when a previous session existed"),
			"previous_session": prop("integer", "Session that ended before this one"),
			"account":          prop("string", "user@host"),
			"server":           prop("string", "host:port"),
			"owner":            prop("string", "Process holding the registration"),
		}, "session", "session_id", "account"),
		"session_end": object("Session End", map[string]interface{}{
			"session":    prop("integer", "Session number that ended"),
			"session_id": prop("string", "Matches session_start.session_id"),
			"reason":     prop("string", "transport_drop, released or stopped"),
			"summary": object("Session Summary", map[string]interface{}{
				"calls":            prop("integer", "Calls seen in the session"),
				"reregistrations":  prop("integer", "Refreshes of the registration"),
				"duration_seconds": prop("integer", "Session length"),
			}),
		}, "session", "session_id", "reason"),
	}, "type", "schemaVersion", "timestamp")
	s["description"] = "One line per coordinator event; exactly one payload object matches type"
	return s
}

func statusSchema() map[string]interface{} {
	s := object("Status", map[string]interface{}{
		"type":          map[string]interface{}{"type": "string", "const": "status"},
		"schemaVersion": prop("integer", "Output schema version"),
		"timestamp":     map[string]interface{}{"type": "string", "format": "date-time"},
		"process":       map[string]interface{}{"type": "string", "enum": []string{"worker", "app", "shared"}},
		"status": object("Process Status", map[string]interface{}{
			"running":           prop("boolean", "Process answered ping"),
			"state":             map[string]interface{}{"type": "string", "enum": connectionStates()},
			"maintaining":       prop("boolean", "Engine is keeping the registration alive"),
			"attempts":          prop("integer", "Consecutive failed attempts"),
			"exhausted":         prop("boolean", "Retry ceiling reached"),
			"owning":            prop("boolean", "Worker holds the registration"),
			"foreground_active": prop("boolean", "Worker sees an active foreground"),
			"last_takeover":     prop("string", "Outcome of the app's last takeover"),
		}),
	}, "type", "process", "status")
	s["description"] = "Snapshot of one process, or of the shared store"
	return s
}

func readySchema() map[string]interface{} {
	s := object("Ready", map[string]interface{}{
		"type":          map[string]interface{}{"type": "string", "const": "ready"},
		"schemaVersion": prop("integer", "Output schema version"),
		"timestamp":     map[string]interface{}{"type": "string", "format": "date-time"},
		"process":       map[string]interface{}{"type": "string", "enum": []string{"worker", "app"}},
		"socket":        prop("string", "IPC socket the process serves"),
	}, "type", "process")
	s["description"] = "Written once when worker or app starts serving"
	return s
}

func errorSchema() map[string]interface{} {
	s := object("Error", map[string]interface{}{
		"type": map[string]interface{}{"type": "string", "const": "error"},
		"code": map[string]interface{}{
			"type":        "string",
			"description": "Error code",
			"enum": []string{
				"NOT_CONFIGURED",
				"CONFIG_ERROR",
				"ATTEMPTS_EXHAUSTED",
				"CALL_NOT_FOUND",
				"PROCESS_UNAVAILABLE",
				"REMOTE_ERROR",
				"SOCKET_IN_USE",
				"INVALID_FLAGS",
				"INVALID_FILTER",
				"INVALID_ENDPOINT",
				"ERROR",
			},
		},
		"message": prop("string", "Human-readable error description"),
		"hint":    prop("string", "Suggested next step"),
	}, "type", "code", "message")
	s["description"] = "Error message from rtckeep"
	return s
}
