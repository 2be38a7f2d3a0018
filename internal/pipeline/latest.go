package pipeline

import (
	"sync"
	"time"
)

// Latest holds the most recent result of a polling cycle. Cycles take a
// token when they start; only the cycle holding the newest token may
// publish, so a slow cycle can never overwrite a newer one.
type Latest[T any] struct {
	mu        sync.RWMutex
	started   uint64
	applied   uint64
	value     T
	hasValue  bool
	updatedAt time.Time
	lastErr   error
	stale     int
	starved   int // stale drops since a cycle last landed
}

// Begin issues the next token.
func (l *Latest[T]) Begin() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	return l.started
}

// Apply stores v if token is still the most recently started one and clears
// any recorded error. It reports whether v was stored.
func (l *Latest[T]) Apply(token uint64, v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != l.started {
		l.stale++
		l.starved++
		return false
	}
	l.starved = 0
	l.value = v
	l.hasValue = true
	l.applied = token
	l.updatedAt = time.Now()
	l.lastErr = nil
	return true
}

// Fail records a fatal cycle error under the same staleness rule as Apply.
// The last good value is kept.
func (l *Latest[T]) Fail(token uint64, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != l.started {
		l.stale++
		l.starved++
		return false
	}
	l.starved = 0
	l.lastErr = err
	return true
}

// Get returns the last applied value and the token it was applied under.
func (l *Latest[T]) Get() (T, uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.value, l.applied, l.hasValue
}

// Err returns the error of the newest cycle if it failed.
func (l *Latest[T]) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

type Status struct {
	Started   uint64    `json:"started"`
	Applied   uint64    `json:"applied"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Stale     int       `json:"stale"`
	Starved   int       `json:"starved"`
	Error     string    `json:"error,omitempty"`
}

func (l *Latest[T]) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Status{
		Started:   l.started,
		Applied:   l.applied,
		UpdatedAt: l.updatedAt,
		Stale:     l.stale,
		Starved:   l.starved,
	}
	if l.lastErr != nil {
		s.Error = l.lastErr.Error()
	}
	return s
}
