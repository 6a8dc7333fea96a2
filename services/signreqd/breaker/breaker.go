package breaker

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that opens a circuit.
	DefaultFailureThreshold = 5
	// DefaultCoolDown is how long an open circuit rejects calls before probing again.
	DefaultCoolDown = 60 * time.Second
)

// State enumerates the circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	CoolDown         time.Duration
	Now              func() time.Time
	// OnStateChange, when set, is invoked after every transition. It runs
	// outside the breaker lock.
	OnStateChange func(network string, from, to State)
}

// Status is a point in time view of one network's circuit.
type Status struct {
	Network             string     `json:"network"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

type circuit struct {
	failures int
	openedAt time.Time
	open     bool
}

// Breaker tracks upstream failures per network. State lives only in memory so
// a restart starts every network closed.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	onChange  func(network string, from, to State)
	circuits  map[string]*circuit
}

// New constructs a breaker with defaults applied.
func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	coolDown := cfg.CoolDown
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       now,
		onChange:  cfg.OnStateChange,
		circuits:  make(map[string]*circuit),
	}
}

func normalise(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

func (b *Breaker) stateLocked(c *circuit, now time.Time) State {
	if c == nil || !c.open {
		return Closed
	}
	if now.Sub(c.openedAt) >= b.coolDown {
		return HalfOpen
	}
	return Open
}

// IsAvailable reports whether calls to network may proceed. It is false only
// while the circuit is open and the cool-down has not elapsed.
func (b *Breaker) IsAvailable(network string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.circuits[normalise(network)], b.now()) != Open
}

// State returns the current state for network.
func (b *Breaker) State(network string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.circuits[normalise(network)], b.now())
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess(network string) {
	key := normalise(network)
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		b.mu.Unlock()
		return
	}
	from := b.stateLocked(c, b.now())
	c.failures = 0
	c.open = false
	c.openedAt = time.Time{}
	b.mu.Unlock()
	b.notify(key, from, Closed)
}

// RecordFailure counts a failure for network. It returns false when this call
// opened the circuit, either by reaching the threshold or by failing a
// half-open probe, and true otherwise.
func (b *Breaker) RecordFailure(network string) bool {
	key := normalise(network)
	now := b.now()
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	from := b.stateLocked(c, now)
	c.failures++
	opened := false
	switch from {
	case HalfOpen:
		c.openedAt = now
		opened = true
	case Closed:
		if c.failures >= b.threshold {
			c.open = true
			c.openedAt = now
			opened = true
		}
	}
	b.mu.Unlock()
	if opened {
		b.notify(key, from, Open)
	}
	return !opened
}

// Snapshot lists every tracked network in name order.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	now := b.now()
	out := make([]Status, 0, len(b.circuits))
	for network, c := range b.circuits {
		status := Status{
			Network:             network,
			State:               b.stateLocked(c, now).String(),
			ConsecutiveFailures: c.failures,
		}
		if c.open {
			openedAt := c.openedAt
			status.OpenedAt = &openedAt
		}
		out = append(out, status)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}

func (b *Breaker) notify(network string, from, to State) {
	if b.onChange == nil || from == to {
		return
	}
	b.onChange(network, from, to)
}
