package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/output"
)

// outputErrorCommon normalizes error emission across commands, respecting
// ndjson vs text formats so scripts always get machine-readable failures.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return errors.New(message)
}

// classify maps an error to a code and hint for outputErrorCommon.
func classify(err error) (code, hint string) {
	switch {
	case errors.Is(err, domain.ErrNotConfigured):
		return "NOT_CONFIGURED", "run rtckeep endpoint set"
	case domain.IsConfigError(err):
		return "CONFIG_ERROR", "connection failed, check settings"
	case errors.Is(err, domain.ErrAttemptsExhausted):
		return "ATTEMPTS_EXHAUSTED", "run rtckeep force-reconnect"
	case errors.Is(err, domain.ErrCallNotFound):
		return "CALL_NOT_FOUND", "the call may have ended"
	case errors.Is(err, ipc.ErrUnavailable):
		return "PROCESS_UNAVAILABLE", "start it with rtckeep worker or rtckeep app"
	case errors.Is(err, ipc.ErrRemote):
		return "REMOTE_ERROR", ""
	}
	return "ERROR", ""
}

func outputError(globals *Globals, err error) error {
	code, hint := classify(err)
	return outputErrorCommon(globals, code, err.Error(), hint)
}
