package filter

import (
	"encoding/json"
	"regexp"

	"github.com/vburojevic/rtckeep/internal/domain"
)

// Pipeline decides which events reach the NDJSON output.
// A nil Pipeline allows everything.
type Pipeline struct {
	pattern  *regexp.Regexp
	excludes []*regexp.Regexp
	where    *WhereFilter
}

// NewPipeline returns nil when no filter is configured.
// pattern and excludes are matched against the event's JSON line.
func NewPipeline(pattern *regexp.Regexp, excludes []*regexp.Regexp, where *WhereFilter) *Pipeline {
	if pattern == nil && len(excludes) == 0 && where == nil {
		return nil
	}
	return &Pipeline{pattern: pattern, excludes: excludes, where: where}
}

// Match applies pattern, then excludes, then where clauses.
func (p *Pipeline) Match(ev *domain.Event) bool {
	if p == nil {
		return true
	}
	if p.pattern != nil || len(p.excludes) > 0 {
		line, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if p.pattern != nil && !p.pattern.Match(line) {
			return false
		}
		for _, ex := range p.excludes {
			if ex.Match(line) {
				return false
			}
		}
	}
	return p.where.Match(ev)
}
