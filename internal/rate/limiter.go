package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config bounds a limiter to Calls per Period.
type Config struct {
	Calls  int
	Period time.Duration
}

func (c Config) validate() error {
	if c.Calls <= 0 {
		return fmt.Errorf("rate: calls must be positive, got %d", c.Calls)
	}
	if c.Period <= 0 {
		return fmt.Errorf("rate: period must be positive, got %s", c.Period)
	}
	return nil
}

// Limiter admits at most Calls callers in any Period-long interval.
// Callers over quota wait for the next slot instead of being rejected.
// Slots are handed out in the order Wait is entered, so no caller starves.
type Limiter struct {
	mu     sync.Mutex
	period time.Duration
	// slots holds the last len(slots) admission times as a ring; head is the oldest.
	slots []time.Time
	head  int
	now   func() time.Time
}

// New creates a limiter. It panics on a non-positive Calls or Period;
// use NewChecked where the config comes from user input.
func New(cfg Config) *Limiter {
	lim, err := NewChecked(cfg)
	if err != nil {
		panic(err)
	}
	return lim
}

// NewChecked is New with an error instead of a panic.
func NewChecked(cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		period: cfg.Period,
		slots:  make([]time.Time, cfg.Calls),
		now:    time.Now,
	}, nil
}

// reserve books the earliest admissible slot and returns when it opens.
func (l *Limiter) reserve() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.now()
	if oldest := l.slots[l.head]; !oldest.IsZero() {
		if open := oldest.Add(l.period); open.After(at) {
			at = open
		}
	}
	l.slots[l.head] = at
	l.head = (l.head + 1) % len(l.slots)
	return at
}

// Wait blocks until the caller's slot opens or ctx is done.
// A slot booked by a caller that gives up is not handed back.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	at := l.reserve()
	delay := at.Sub(l.now())
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager holds one limiter per endpoint key.
type Manager struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	defaults  Config
	overrides map[string]Config
}

// NewManager returns a manager that builds limiters from defaults unless
// overrides has an entry for the key.
func NewManager(defaults Config, overrides map[string]Config) *Manager {
	return &Manager{
		limiters:  make(map[string]*Limiter),
		defaults:  defaults,
		overrides: overrides,
	}
}

func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	cfg := m.defaults
	if o, ok := m.overrides[key]; ok {
		cfg = o
	}
	lim := New(cfg)
	m.limiters[key] = lim
	return lim
}

// Wait ensures rate limit compliance for a given key.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}
