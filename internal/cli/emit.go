package cli

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/samber/lo"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/filter"
	"github.com/vburojevic/rtckeep/internal/output"
	"go.uber.org/zap"
)

// StreamFlags are shared by the long-running commands.
type StreamFlags struct {
	Pattern string   `short:"p" help:"Regex an event line must match"`
	Exclude []string `short:"x" help:"Regex that drops matching event lines (repeatable)"`
	Where   []string `short:"w" help:"Field filter, e.g. type=handoff or attempt>=3 (repeatable)"`
	Output  string   `short:"o" type:"path" help:"Also write events to DIR/session-N.ndjson, one file per registration session"`
}

func (f StreamFlags) pipeline() (*filter.Pipeline, error) {
	var pattern *regexp.Regexp
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid --pattern: %w", err)
		}
		pattern = re
	}
	var excludes []*regexp.Regexp
	for _, x := range lo.Compact(f.Exclude) {
		re, err := regexp.Compile(x)
		if err != nil {
			return nil, fmt.Errorf("invalid --exclude: %w", err)
		}
		excludes = append(excludes, re)
	}
	var where *filter.WhereFilter
	if len(f.Where) > 0 {
		w, err := filter.NewWhereFilter(f.Where)
		if err != nil {
			return nil, err
		}
		where = w
	}
	return filter.NewPipeline(pattern, excludes, where), nil
}

// eventEmitter writes bus events that pass the pipeline to the command's
// output, and to the per-session file when rotation is on.
type eventEmitter struct {
	out      output.Writer
	pipeline *filter.Pipeline
	rot      *rotation
	log      *zap.Logger

	mu   sync.Mutex
	file *output.NDJSONWriter
}

func newEventEmitter(out output.Writer, p *filter.Pipeline, rot *rotation, log *zap.Logger) *eventEmitter {
	return &eventEmitter{out: out, pipeline: p, rot: rot, log: log}
}

// Attach subscribes to every event on bus.
func (e *eventEmitter) Attach(bus *events.Bus) func() {
	return bus.Subscribe(e.emit)
}

func (e *eventEmitter) emit(ev domain.Event) {
	if ev.SessionStart != nil && e.rot != nil {
		e.rotate(ev.SessionStart.Session)
	}
	if !e.pipeline.Match(&ev) {
		return
	}
	if err := e.out.WriteEvent(ev); err != nil {
		e.log.Debug("event not written", zap.Error(err))
	}
	e.mu.Lock()
	f := e.file
	e.mu.Unlock()
	if f != nil {
		if err := f.WriteEvent(ev); err != nil {
			e.log.Warn("session file write failed", zap.Error(err))
		}
	}
}

func (e *eventEmitter) rotate(session int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, path, err := e.rot.Open(session)
	if err != nil {
		e.log.Warn("session file rotation failed", zap.Error(err))
		e.file = nil
		return
	}
	e.file = output.NewNDJSONWriter(w)
	e.log.Info("writing session events", zap.String("path", path))
}

func (e *eventEmitter) Close() {
	if e.rot != nil {
		e.rot.Close()
	}
}
