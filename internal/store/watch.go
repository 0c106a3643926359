package store

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher signals when the database file may have been changed by
// another process. Signals are coalesced: a slow reader sees one pending
// notification, never a backlog.
type Watcher struct {
	store    *Store
	fallback time.Duration
	clock    clock.Clock
	log      *zap.Logger
	changes  chan struct{}
	last     string
}

// NewWatcher watches s. fallback is the safety-net poll interval used
// alongside fsnotify and as the only mechanism when fsnotify is unavailable.
func NewWatcher(s *Store, fallback time.Duration, clk clock.Clock, log *zap.Logger) *Watcher {
	if fallback <= 0 {
		fallback = 60 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		store:    s,
		fallback: fallback,
		clock:    clk,
		log:      log,
		changes:  make(chan struct{}, 1),
	}
}

// Changes delivers a value after each detected change.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.last, _ = w.store.Fingerprint(ctx)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
		w.pollLoop(ctx)
		return
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.store.Path())); err != nil {
		w.log.Warn("watch store dir failed, polling only", zap.Error(err))
		w.pollLoop(ctx)
		return
	}

	fallbackTicker := w.clock.Ticker(w.fallback)
	defer fallbackTicker.Stop()

	base := filepath.Base(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), base) && ev.Has(fsnotify.Write) {
				w.check(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("store watcher error", zap.Error(err))
		case <-fallbackTicker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := w.clock.Ticker(w.fallback)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check compares fingerprints so our own reads (and WAL checkpoints) do
// not count as changes.
func (w *Watcher) check(ctx context.Context) {
	fp, err := w.store.Fingerprint(ctx)
	if err != nil {
		w.log.Debug("store fingerprint failed", zap.Error(err))
		return
	}
	if fp == w.last {
		return
	}
	w.last = fp
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
