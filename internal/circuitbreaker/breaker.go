package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/logging"
)

// State is a circuit breaker state.
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

// ParseState maps a persisted state string back to a State. Unknown values
// map to closed.
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Service        string    `json:"service_name"`
	State          string    `json:"state"`
	FailureCount   int       `json:"failure_count"`
	Threshold      int       `json:"threshold"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
	TotalRequests  int64     `json:"total_requests"`
	TotalFailures  int64     `json:"total_failures"`
	TotalSuccesses int64     `json:"total_successes"`
	TotalRejected  int64     `json:"total_rejected"`
}

// Breaker guards one upstream service. Closed counts consecutive failures;
// open rejects until the timeout elapses; half-open admits exactly one probe
// across the whole gateway fleet, serialized through a shared lock.
type Breaker struct {
	service   string
	threshold int
	timeout   time.Duration
	lock      *probeLock

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// Allow reports whether a request may proceed. An open breaker whose timeout
// has elapsed admits a single probe; everyone else is rejected until the
// probe settles.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) < b.timeout {
			b.totalRejected.Add(1)
			return false
		}
		if !b.lock.acquire(ctx, b.service, b.timeout) {
			b.totalRejected.Add(1)
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true

	case StateHalfOpen:
		if b.probeInFlight {
			b.totalRejected.Add(1)
			return false
		}
		b.probeInFlight = true
		return true
	}

	b.totalRejected.Add(1)
	return false
}

// RecordSuccess notes a successful upstream response. A successful probe
// closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probeInFlight = false
		b.lock.release(ctx, b.service)
		return true
	}
	return false
}

// RecordFailure notes a failed upstream response. The threshold applies to
// consecutive failures; a failed probe reopens the breaker for a full
// timeout.
func (b *Breaker) RecordFailure(ctx context.Context) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			return true
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probeInFlight = false
		return true
	}
	return false
}

// AbortProbe returns an admitted probe slot when the probe never produced
// an upstream verdict (no healthy instance, caller hung up). The breaker
// goes back to open with its original deadline and the shared lock is
// released, so the next request can probe instead of being rejected by a
// slot nobody will ever settle.
func (b *Breaker) AbortProbe(ctx context.Context) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen || !b.probeInFlight {
		return false
	}
	b.state = StateOpen
	b.probeInFlight = false
	b.lock.release(ctx, b.service)
	return true
}

// Reset forces the breaker closed. Used by the admin API.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.probeInFlight = false
	b.lock.release(ctx, b.service)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Service:        b.service,
		State:          b.state.String(),
		FailureCount:   b.failureCount,
		Threshold:      b.threshold,
		LastFailure:    b.lastFailure,
		OpenedAt:       b.openedAt,
		TotalRequests:  b.totalRequests.Load(),
		TotalFailures:  b.totalFailures.Load(),
		TotalSuccesses: b.totalSuccesses.Load(),
		TotalRejected:  b.totalRejected.Load(),
	}
}

// restore seeds the breaker from persisted state on startup.
func (b *Breaker) restore(state State, failureCount int, openedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = state
	b.failureCount = failureCount
	b.openedAt = openedAt
	if state == StateHalfOpen {
		// A probe owned by a previous process never settles; reopen and
		// let the timeout admit a fresh one.
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// probeLock serializes half-open probes across gateway processes. The lock
// key expires with the breaker timeout so a crashed prober cannot wedge the
// breaker. A cache outage degrades to per-process serialization.
type probeLock struct {
	cache *cache.Cache
}

func (pl *probeLock) acquire(ctx context.Context, service string, ttl time.Duration) bool {
	if pl.cache == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	won, err := pl.cache.SetNX(ctx, "gw:cb:probe:"+service, "1", ttl)
	if err != nil {
		logging.Warn("probe lock unavailable, probing locally",
			zap.String("service", service), zap.Error(err))
		return true
	}
	return won
}

func (pl *probeLock) release(ctx context.Context, service string) {
	if pl.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 100*time.Millisecond)
	defer cancel()

	if err := pl.cache.Delete(ctx, "gw:cb:probe:"+service); err != nil {
		logging.Debug("probe lock release failed", zap.String("service", service), zap.Error(err))
	}
}
