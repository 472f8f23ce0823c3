// Package breaker implements per-peer circuit breakers. A peer that keeps
// failing is skipped for a cooldown period instead of costing a full retry
// budget every cycle.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuza/mDNS-Mirror/internal/metrics"
)

// State represents the current state of the circuit breaker
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpenState is returned when the breaker rejects a call.
var ErrOpenState = errors.New("circuit breaker is open")

// Settings configures a Breaker
type Settings struct {
	Name string
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
	// HalfOpenRequests caps concurrent probes while half-open.
	HalfOpenRequests uint32
	OnStateChange    func(name string, from State, to State)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker is a state machine counting consecutive failures of one peer.
type Breaker struct {
	name          string
	failures      uint32
	cooldown      time.Duration
	halfOpenMax   uint32
	onStateChange func(name string, from State, to State)
	now           func() time.Time

	mu          sync.Mutex
	state       State
	consecutive uint32
	inFlight    uint32
	openedAt    time.Time
}

// New creates a Breaker. Zero settings open after 5 failures for 60s.
func New(st Settings) *Breaker {
	b := &Breaker{
		name:          st.Name,
		failures:      st.Failures,
		cooldown:      st.Cooldown,
		halfOpenMax:   st.HalfOpenRequests,
		onStateChange: st.OnStateChange,
		now:           st.Now,
	}
	if b.failures == 0 {
		b.failures = 5
	}
	if b.cooldown == 0 {
		b.cooldown = 60 * time.Second
	}
	if b.halfOpenMax == 0 {
		b.halfOpenMax = 1
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Name returns the name of the Breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cooldown)) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if to == StateClosed {
		b.consecutive = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// Do runs fn unless the breaker is open. A non-nil error from fn counts as
// a failure.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.currentState() {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpenState
	case StateHalfOpen:
		if b.inFlight >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpenState
		}
	}
	b.inFlight++
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	if err != nil {
		b.consecutive++
		switch b.state {
		case StateClosed:
			if b.consecutive >= b.failures {
				b.setState(StateOpen)
			}
		case StateHalfOpen:
			b.setState(StateOpen)
		}
		return err
	}
	b.consecutive = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
	return nil
}

// Registry hands out one Breaker per peer, all sharing the same settings.
type Registry struct {
	settings Settings
	logger   zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. State changes are logged and exported as
// the breaker state gauge.
func NewRegistry(st Settings, logger *zerolog.Logger) *Registry {
	return &Registry{
		settings: st,
		logger:   logger.With().Str("component", "breaker").Logger(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for peer, creating it closed on first use.
func (r *Registry) Get(peer string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[peer]; ok {
		return b
	}
	st := r.settings
	st.Name = peer
	user := st.OnStateChange
	st.OnStateChange = func(name string, from, to State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		r.logger.Info().
			Str("peer", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
		if user != nil {
			user(name, from, to)
		}
	}
	b := New(st)
	r.breakers[peer] = b
	metrics.BreakerState.WithLabelValues(peer).Set(float64(StateClosed))
	return b
}

// Remove forgets peer's breaker.
func (r *Registry) Remove(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, peer)
	metrics.BreakerState.DeleteLabelValues(peer)
}
