package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/store"
)

// Manager owns one breaker per upstream service. Breakers are created on
// first use with the gateway-wide threshold and timeout.
type Manager struct {
	threshold int
	timeout   time.Duration
	lock      *probeLock

	mu       sync.RWMutex
	breakers map[string]*Breaker

	// onStateChange is invoked outside the breaker lock after any
	// transition, for persistence and logging. May be nil.
	onStateChange func(Snapshot)
}

// NewManager creates a breaker manager. c may be nil in tests; probes are
// then serialized per process only.
func NewManager(threshold int, timeout time.Duration, c *cache.Cache, onStateChange func(Snapshot)) *Manager {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		threshold:     threshold,
		timeout:       timeout,
		lock:          &probeLock{cache: c},
		breakers:      make(map[string]*Breaker),
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for a service, creating it closed on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[service]; ok {
		return b
	}
	b = &Breaker{
		service:   service,
		threshold: m.threshold,
		timeout:   m.timeout,
		lock:      m.lock,
	}
	m.breakers[service] = b
	return b
}

// Allow reports whether a request to the service may proceed.
func (m *Manager) Allow(ctx context.Context, service string) bool {
	return m.Get(service).Allow(ctx)
}

// RecordSuccess notes a successful upstream response and notifies on a
// state transition.
func (m *Manager) RecordSuccess(ctx context.Context, service string) {
	b := m.Get(service)
	if b.RecordSuccess(ctx) {
		m.notify(b)
	}
}

// RecordFailure notes a failed upstream response and notifies on a state
// transition.
func (m *Manager) RecordFailure(ctx context.Context, service string) {
	b := m.Get(service)
	if b.RecordFailure(ctx) {
		m.notify(b)
	}
}

// AbortProbe returns a probe slot that will never settle and notifies on
// the state transition.
func (m *Manager) AbortProbe(ctx context.Context, service string) {
	b := m.Get(service)
	if b.AbortProbe(ctx) {
		m.notify(b)
	}
}

// Reset forces a breaker closed. Returns false if the service has no
// breaker yet.
func (m *Manager) Reset(ctx context.Context, service string) bool {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset(ctx)
	m.notify(b)
	return true
}

// Restore seeds breakers from persisted rows on startup.
func (m *Manager) Restore(rows []store.BreakerRecord) {
	for _, row := range rows {
		b := m.Get(row.ServiceName)
		var openedAt time.Time
		if row.NextAttemptAt.Valid {
			openedAt = row.NextAttemptAt.Time.Add(-m.timeout)
		} else if row.LastFailureAt.Valid {
			openedAt = row.LastFailureAt.Time
		}
		b.restore(ParseState(row.State), row.FailureCount, openedAt)
	}
}

// Snapshots returns a stable-ordered view of all breakers.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (m *Manager) notify(b *Breaker) {
	if m.onStateChange != nil {
		m.onStateChange(b.Snapshot())
	}
}
