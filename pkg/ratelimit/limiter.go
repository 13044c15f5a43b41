// Package ratelimit gates repeated connection attempts in the conduit
// transports: outbound dials toward a discovered peer address and
// inbound handshakes from a remote host. A fixed requests-per-second
// budget fits neither site; what both need is "leave a failing key
// alone, exponentially longer each time, and forget it the moment it
// works". Gate gives each key its own exponential cooldown, cleared by
// Succeed, with idle keys swept to bound memory.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultInitialCooldown separates the first retry from the attempt
	// that preceded it.
	DefaultInitialCooldown = 2 * time.Second
	// DefaultMaxCooldown caps how long a persistently failing key waits
	// between attempts.
	DefaultMaxCooldown = 5 * time.Minute
	// DefaultMaxKeys bounds how many keys are tracked at once.
	DefaultMaxKeys = 4096
)

// attempt is one key's cooldown state.
type attempt struct {
	policy    *backoff.ExponentialBackOff
	notBefore time.Time
	lastSeen  time.Time
}

// Gate admits the first attempt for a key immediately and every later
// attempt only after that key's cooldown has elapsed. Each admitted
// attempt schedules the next cooldown from the key's exponential
// policy; Succeed drops the key so a healthy peer is never penalised
// for its past. Safe for concurrent use.
type Gate struct {
	initial time.Duration
	max     time.Duration
	maxKeys int

	// now is swapped out by tests to drive the clock.
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*attempt
}

// NewGate builds a Gate whose per-key cooldown starts at initial and
// grows (with jitter) up to max.
func NewGate(initial, max time.Duration) *Gate {
	if initial <= 0 {
		initial = DefaultInitialCooldown
	}
	if max < initial {
		max = DefaultMaxCooldown
	}
	return &Gate{
		initial: initial,
		max:     max,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
		keys:    map[string]*attempt{},
	}
}

// NewDefault builds a Gate with the default cooldown range.
func NewDefault() *Gate { return NewGate(DefaultInitialCooldown, DefaultMaxCooldown) }

// Allow reports whether an attempt for key may proceed now. An admitted
// attempt starts the key's next cooldown window.
func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	a, ok := g.keys[key]
	if !ok {
		if len(g.keys) >= g.maxKeys {
			g.sweepLocked(now)
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = g.initial
		policy.MaxInterval = g.max
		a = &attempt{policy: policy}
		g.keys[key] = a
	}
	a.lastSeen = now
	if now.Before(a.notBefore) {
		return false
	}
	a.notBefore = now.Add(a.policy.NextBackOff())
	return true
}

// Succeed clears key's cooldown state entirely: the attempt worked, so
// the next one starts fresh.
func (g *Gate) Succeed(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
}

// sweepLocked evicts keys that have sat idle past the maximum cooldown.
// If none qualify, the single stalest key goes instead, so the map never
// grows past maxKeys by more than the insert in flight.
func (g *Gate) sweepLocked(now time.Time) {
	var stalestKey string
	var stalestSeen time.Time
	evicted := false
	for k, a := range g.keys {
		if now.Sub(a.lastSeen) > g.max {
			delete(g.keys, k)
			evicted = true
			continue
		}
		if stalestKey == "" || a.lastSeen.Before(stalestSeen) {
			stalestKey, stalestSeen = k, a.lastSeen
		}
	}
	if !evicted && stalestKey != "" {
		delete(g.keys, stalestKey)
	}
}
