package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Limiter = (*Memory)(nil)

type windowKey struct {
	client string
	class  string
}

type window struct {
	start time.Time
	count int
}

// Memory is an in-process Limiter. Counters live in one mutex-guarded map.
type Memory struct {
	mu       sync.Mutex
	policies Policies
	windows  map[windowKey]*window
	now      func() time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory builds a Memory limiter. Policies are validated.
func NewMemory(policies Policies, opts ...MemoryOption) (*Memory, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{
		policies: clonePolicies(policies),
		windows:  make(map[windowKey]*window),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Memory) Allow(ctx context.Context, clientKey, class string) error {
	p, ok := m.policies[class]
	if !ok {
		return nil
	}
	now := m.now()
	start := windowStart(now, p.Window)
	key := windowKey{client: clientKey, class: class}

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		m.windows[key] = w
	}
	w.count++
	if w.count > p.Limit {
		return exceeded(class, p, start, now)
	}
	return nil
}

// Prune drops windows that have elapsed and returns how many were removed.
func (m *Memory) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, w := range m.windows {
		p, ok := m.policies[key.class]
		if !ok || !now.Before(w.start.Add(p.Window)) {
			delete(m.windows, key)
			n++
		}
	}
	return n
}

// Run prunes every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}

func clonePolicies(in Policies) Policies {
	out := make(Policies, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
