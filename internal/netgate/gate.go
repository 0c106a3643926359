// Package netgate tracks network reachability and tells reconnection
// engines when they may try again.
package netgate

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Signal is delivered to subscribers on reachability transitions.
type Signal int

const (
	// SignalRetryNow is sent once on no-network -> network.
	SignalRetryNow Signal = iota + 1
	// SignalPause is sent on network -> no-network.
	SignalPause
)

func (s Signal) String() string {
	switch s {
	case SignalRetryNow:
		return "retry_now"
	case SignalPause:
		return "pause"
	}
	return "unknown"
}

// Prober answers whether the network is usable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// TCPProber considers the network present when Address accepts a TCP connection.
type TCPProber struct {
	Address string
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

type subscriber struct {
	id       int
	maintain func() bool
	fn       func(Signal)
}

// Gate is the connectivity gate.
type Gate struct {
	mu     sync.Mutex
	online bool
	subs   []subscriber
	nextID int

	prober   Prober
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger
	onChange func(online bool)
}

// Option configures a Gate.
type Option func(*Gate)

// WithProber enables periodic probing in Run.
func WithProber(p Prober, interval time.Duration) Option {
	return func(g *Gate) {
		g.prober = p
		g.interval = interval
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// OnChange registers a callback for every transition, used to publish
// network events.
func OnChange(fn func(online bool)) Option {
	return func(g *Gate) { g.onChange = fn }
}

// New returns a gate that starts out online. Without a prober the gate
// stays online until told otherwise with Set.
func New(opts ...Option) *Gate {
	g := &Gate{
		online:   true,
		clock:    clock.New(),
		log:      zap.NewNop(),
		interval: 10 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// HasNetwork reports the last observed reachability.
func (g *Gate) HasNetwork() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// Subscribe registers fn for signals. maintain is consulted on restore;
// SignalRetryNow is only delivered while it returns true. A nil maintain
// always receives it.
func (g *Gate) Subscribe(maintain func() bool, fn func(Signal)) (cancel func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.subs = append(g.subs, subscriber{id: id, maintain: maintain, fn: fn})
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subs {
			if s.id == id {
				g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
				return
			}
		}
	}
}

// Set records an observation and signals subscribers on a transition.
// It returns true when the state changed.
func (g *Gate) Set(online bool) bool {
	g.mu.Lock()
	if g.online == online {
		g.mu.Unlock()
		return false
	}
	g.online = online
	subs := append([]subscriber(nil), g.subs...)
	onChange := g.onChange
	g.mu.Unlock()

	g.log.Info("network reachability changed", zap.Bool("online", online))
	if onChange != nil {
		onChange(online)
	}

	for _, s := range subs {
		if !online {
			s.fn(SignalPause)
			continue
		}
		if s.maintain == nil || s.maintain() {
			s.fn(SignalRetryNow)
		}
	}
	return true
}

// Run probes on every interval until ctx is done. It returns immediately
// when no prober is configured.
func (g *Gate) Run(ctx context.Context) {
	if g.prober == nil {
		return
	}
	g.probeOnce(ctx)

	ticker := g.clock.Ticker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.probeOnce(ctx)
		}
	}
}

func (g *Gate) probeOnce(ctx context.Context) {
	g.Set(g.prober.Probe(ctx))
}
