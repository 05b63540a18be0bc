// Package circuitbreaker stops calling an upstream that keeps failing and
// probes it again after a cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of a single circuit.
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

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecashwallet",
	Subsystem: "upstream",
	Name:      "circuit_transitions_total",
	Help:      "Upstream circuit state changes by key and target state.",
}, []string{"key", "from", "to"})

func init() {
	prometheus.MustRegister(transitions)
}

// Config for a Breaker.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // how long the circuit stays open before a probe
}

// DefaultConfig opens after 5 failures and probes after 30s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker keeps one circuit per key (typically an upstream URL).
type Breaker struct {
	cfg      Config
	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
}

// New creates a breaker. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Do runs fn unless the circuit for key is open. Only one call runs while
// half-open. A cancelled ctx is not held against the upstream.
func (b *Breaker) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := b.acquire(key); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.succeed(key)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		b.release(key)
	default:
		b.fail(key)
	}
	return err
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open reports whether any circuit is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.circuits {
		if c.state == StateOpen {
			return true
		}
	}
	return false
}

func (b *Breaker) acquire(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setLocked(key, c, StateHalfOpen)
		c.probing = true
	case StateHalfOpen:
		if c.probing {
			return ErrOpen
		}
		c.probing = true
	}
	return nil
}

func (b *Breaker) succeed(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	c.failures = 0
	c.probing = false
	b.setLocked(key, c, StateClosed)
}

func (b *Breaker) fail(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	c.failures++
	c.probing = false
	if c.state == StateHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.openedAt = b.now()
		b.setLocked(key, c, StateOpen)
	}
}

// release frees a half-open probe slot without judging the upstream.
func (b *Breaker) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuitLocked(key).probing = false
}

func (b *Breaker) circuitLocked(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) setLocked(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
