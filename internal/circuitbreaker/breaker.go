// Package circuitbreaker implements the provisioning circuit breaker that
// keeps a flapping docker daemon or VPN from being hammered with doomed
// container launches.
//
// # State machine
//
//	Closed ──(N consecutive failures)──► Open ──(Timeout elapsed)──► HalfOpen
//	  ▲                                                                  │
//	  ├────────────────(probe succeeds)──────────────────────────────────┤
//	  └────────────────(probe fails: back to Open)───────────────────────┘
//
// A single success in Closed resets the consecutive-failure count.
// HalfOpen admits exactly one probe; its outcome decides the next state.
//
// # Concurrency
//
// All public methods are safe for concurrent use; each acquires the
// internal mutex. The Registry uses a read-write mutex so the common read
// path (an existing breaker) does not contend with registration.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Requests are rejected
	StateHalfOpen              // A single probe request is allowed
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

// Config holds the circuit breaker configuration.
type Config struct {
	// Threshold is the number of consecutive failures that trips the
	// breaker.
	Threshold int
	// Timeout is how long the breaker stays open before admitting a probe.
	Timeout time.Duration
}

// Breaker guards one operation class (e.g. "provisioning").
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failures      int // consecutive failures while closed
	openedAt      time.Time
	probeInFlight bool
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return &Breaker{cfg: cfg}
}

// Allow checks whether a request should pass through the breaker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.probeInFlight = false
	}
}

// RecordFailure records a failed operation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
	}
}

// State returns the current breaker state, applying the Open→HalfOpen
// transition when the timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Timeout {
		b.state = StateHalfOpen
		b.probeInFlight = false
	}
	return b.state
}

// RetryAfter reports how long callers should wait before the next attempt
// has a chance of passing. Zero when the breaker is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.Timeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Registry holds named circuit breakers, one per operation class.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with a shared default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an operation class, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double check
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns operation class → state for observability.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
