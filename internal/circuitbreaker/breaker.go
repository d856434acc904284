// Package circuitbreaker trips a per-operation circuit after repeated
// outages so callers fail fast instead of queueing behind a dead processor.
//
// A circuit is closed until Threshold consecutive countable failures, then
// open for Cooldown. The first call after the cooldown is a probe: its
// success closes the circuit, its failure re-opens it. Calls arriving while
// a probe is in flight are rejected.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while a circuit rejects calls.
var ErrOpen = errors.New("circuit breaker open")

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradehold",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state changes by key and target state.",
}, []string{"key", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Config tunes a Breaker. Zero fields take defaults.
type Config struct {
	Threshold int           // consecutive failures that open a circuit (5)
	Cooldown  time.Duration // how long an open circuit rejects calls (30s)
	Now       func() time.Time
}

// Transition describes a state change, delivered to the OnTransition hook.
type Transition struct {
	Key      string
	From, To State
	Failures int
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	cfg      Config
	mu       sync.Mutex
	circuits map[string]*circuit
	hook     func(Transition)
}

// New builds a breaker from cfg.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit)}
}

// OnTransition registers fn to run synchronously after each state change,
// outside the breaker lock.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	b.hook = fn
	b.mu.Unlock()
}

// Execute runs fn unless key's circuit is rejecting calls. Errors for which
// countable returns false are caller mistakes (a declined card, a bad
// request) and leave the circuit alone; a nil countable counts every error.
func (b *Breaker) Execute(key string, countable func(error) bool, fn func() error) error {
	probe, ok := b.admit(key)
	if !ok {
		return ErrOpen
	}
	err := fn()
	failed := err != nil && (countable == nil || countable(err))
	b.settle(key, probe, failed)
	return err
}

// State reports key's current state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists the keys whose circuits are currently open, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k, c := range b.circuits {
		if c.state == StateOpen {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// admit decides whether a call may proceed and whether it is the probe.
func (b *Breaker) admit(key string) (probe, ok bool) {
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		b.mu.Unlock()
		return false, true
	}
	var t *Transition
	switch c.state {
	case StateOpen:
		if b.cfg.Now().Sub(c.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, false
		}
		t = b.move(key, c, StateHalfOpen)
		probe, ok = true, true
	case StateHalfOpen:
		ok = false
	default:
		ok = true
	}
	hook := b.hook
	b.mu.Unlock()
	b.fire(hook, t)
	return probe, ok
}

func (b *Breaker) settle(key string, probe, failed bool) {
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		if !failed {
			b.mu.Unlock()
			return
		}
		c = &circuit{}
		b.circuits[key] = c
	}

	var t *Transition
	switch {
	case !failed:
		c.failures = 0
		if probe || c.state == StateHalfOpen {
			t = b.move(key, c, StateClosed)
		}
	case probe || c.state == StateHalfOpen:
		c.failures++
		c.openedAt = b.cfg.Now()
		t = b.move(key, c, StateOpen)
	default:
		c.failures++
		if c.state == StateClosed && c.failures >= b.cfg.Threshold {
			c.openedAt = b.cfg.Now()
			t = b.move(key, c, StateOpen)
		}
	}
	hook := b.hook
	b.mu.Unlock()
	b.fire(hook, t)
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) *Transition {
	if c.state == to {
		return nil
	}
	t := &Transition{Key: key, From: c.state, To: to, Failures: c.failures}
	c.state = to
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
	return t
}

func (b *Breaker) fire(hook func(Transition), t *Transition) {
	if hook != nil && t != nil {
		hook(*t)
	}
}
