package netgate

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recorder) add(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) get() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

func TestGateTransitions(t *testing.T) {
	g := New()
	require.True(t, g.HasNetwork())

	maintaining := true
	var rec recorder
	g.Subscribe(func() bool { return maintaining }, rec.add)

	t.Run("same state is not a transition", func(t *testing.T) {
		assert.False(t, g.Set(true))
		assert.Empty(t, rec.get())
	})

	t.Run("loss pauses", func(t *testing.T) {
		assert.True(t, g.Set(false))
		assert.False(t, g.HasNetwork())
		assert.Equal(t, []Signal{SignalPause}, rec.get())
	})

	t.Run("restore retries once", func(t *testing.T) {
		assert.True(t, g.Set(true))
		assert.False(t, g.Set(true))
		assert.Equal(t, []Signal{SignalPause, SignalRetryNow}, rec.get())
	})

	t.Run("restore without maintain flag is silent", func(t *testing.T) {
		maintaining = false
		g.Set(false)
		g.Set(true)
		assert.Equal(t, []Signal{SignalPause, SignalRetryNow, SignalPause}, rec.get())
	})
}

func TestGateUnsubscribe(t *testing.T) {
	g := New()
	var rec recorder
	cancel := g.Subscribe(nil, rec.add)
	cancel()
	g.Set(false)
	assert.Empty(t, rec.get())
}

func TestGateOnChange(t *testing.T) {
	var seen []bool
	g := New(OnChange(func(online bool) { seen = append(seen, online) }))
	g.Set(false)
	g.Set(false)
	g.Set(true)
	assert.Equal(t, []bool{false, true}, seen)
}

func TestGateRunProbesOnTicker(t *testing.T) {
	mock := clock.NewMock()
	var up atomic.Bool
	probes := atomic.Int32{}
	prober := ProberFunc(func(context.Context) bool {
		probes.Add(1)
		return up.Load()
	})

	g := New(WithClock(mock), WithProber(prober, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !g.HasNetwork() }, time.Second, time.Millisecond)

	up.Store(true)
	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return g.HasNetwork()
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, probes.Load(), int32(2))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGateRunWithoutProberReturns(t *testing.T) {
	g := New()
	g.Run(context.Background())
	assert.True(t, g.HasNetwork())
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := TCPProber{Address: ln.Addr().String(), Timeout: time.Second}
	assert.True(t, p.Probe(context.Background()))

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	assert.False(t, TCPProber{Address: addr, Timeout: 200 * time.Millisecond}.Probe(context.Background()))
}
