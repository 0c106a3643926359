// Package backoff maps a reconnection attempt count to a delay.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Policy computes the wait before attempt n (n >= 1 is the failure count).
type Policy interface {
	Delay(attempt int) time.Duration
	Name() string
}

// Exponential is clamp(base*2^attempt + jitter, base, max) with jitter in [0, Jitter).
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	Rand   func() float64 // in [0,1); nil uses math/rand
}

func (p Exponential) Name() string { return PolicyExponential }

func (p Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^40 seconds is far past any sane max; stop doubling before overflow.
	exp := math.Min(float64(attempt), 40)
	d := time.Duration(float64(p.Base) * math.Pow(2, exp))
	if d <= 0 || d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(p.Jitter))
	}
	return clamp(d, p.Base, p.Max)
}

// Linear is Offset + Step*attempt, clamped to [Offset, Max].
type Linear struct {
	Offset time.Duration
	Step   time.Duration
	Max    time.Duration
}

func (p Linear) Name() string { return PolicyLinear }

func (p Linear) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return clamp(p.Offset+time.Duration(attempt)*p.Step, p.Offset, p.Max)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if hi > 0 && d > hi {
		d = hi
	}
	if d < lo {
		d = lo
	}
	return d
}

const (
	PolicyExponential = "exponential"
	PolicyLinear      = "linear"
)

// Config selects and parameterises a policy.
type Config struct {
	Policy  string        `mapstructure:"policy"`
	Base    time.Duration `mapstructure:"base"`
	Max     time.Duration `mapstructure:"max"`
	Jitter  time.Duration `mapstructure:"jitter"`
	Offset  time.Duration `mapstructure:"offset"`
	Step    time.Duration `mapstructure:"step"`
	Ceiling int           `mapstructure:"ceiling"` // attempts before scheduling stops
}

// DefaultExponential is the fast policy used by the foreground process.
func DefaultExponential() Config {
	return Config{
		Policy:  PolicyExponential,
		Base:    2 * time.Second,
		Max:     300 * time.Second,
		Jitter:  5 * time.Second,
		Ceiling: 10,
	}
}

// DefaultLinear is the policy used by the background worker.
func DefaultLinear() Config {
	return Config{
		Policy:  PolicyLinear,
		Offset:  5 * time.Second,
		Step:    2 * time.Second,
		Max:     300 * time.Second,
		Ceiling: 10,
	}
}

// New builds the policy named by cfg.Policy.
func New(cfg Config) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case PolicyExponential, "":
		if cfg.Base <= 0 || cfg.Max < cfg.Base {
			return nil, fmt.Errorf("backoff: exponential needs 0 < base <= max (base=%s max=%s)", cfg.Base, cfg.Max)
		}
		return Exponential{Base: cfg.Base, Max: cfg.Max, Jitter: cfg.Jitter}, nil
	case PolicyLinear:
		if cfg.Offset <= 0 || cfg.Step < 0 || cfg.Max < cfg.Offset {
			return nil, fmt.Errorf("backoff: linear needs 0 < offset <= max and step >= 0 (offset=%s step=%s max=%s)", cfg.Offset, cfg.Step, cfg.Max)
		}
		return Linear{Offset: cfg.Offset, Step: cfg.Step, Max: cfg.Max}, nil
	default:
		return nil, fmt.Errorf("backoff: unknown policy %q (use %s or %s)", cfg.Policy, PolicyExponential, PolicyLinear)
	}
}
