// Package breaker implements C3: a per-target circuit breaker guarding
// calls to a downstream that may be failing, giving it time to recover and
// probing for recovery before resuming full traffic.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/metrics"
)

// State is a breaker's current lifecycle phase.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// stateValue reports the gauge value for the dashboard-style state metric
// convention (0=closed, 1=half_open, 2=open).
func stateValue(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// Config tunes a breaker's thresholds and windows. Defaults mirror
// spec.md's §4.3 state machine precisely.
type Config struct {
	FailureThreshold     int
	RecoveryTimeout      time.Duration
	SuccessThreshold     int
	RequestTimeout       time.Duration
	SlidingWindowSize    int
	MinimumRequests      int
	FailureRateThreshold float64 // percent, 0-100
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		RecoveryTimeout:      60 * time.Second,
		SuccessThreshold:     3,
		RequestTimeout:       30 * time.Second,
		SlidingWindowSize:    20,
		MinimumRequests:      10,
		FailureRateThreshold: 50.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = d.SlidingWindowSize
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = d.MinimumRequests
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	return c
}

// outcome is one recorded call result, kept in the sliding window.
type outcome struct {
	success        bool
	responseTimeMs float64
	timestamp      time.Time
}

// Metrics mirrors the stats tracked per breaker.
type Metrics struct {
	TotalRequests        int
	SuccessfulRequests   int
	FailedRequests       int
	TotalBlocks          int
	LastFailureTime      time.Time
	LastSuccessTime      time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	StateChanges         int
	AvgResponseTimeMs    float64
}

// FailureRate returns the overall percentage of failed requests.
func (m Metrics) FailureRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailedRequests) / float64(m.TotalRequests) * 100
}

// SuccessRate returns the overall percentage of successful requests.
func (m Metrics) SuccessRate() float64 {
	return 100 - m.FailureRate()
}

// Status is the serializable snapshot returned by Status().
type Status struct {
	Name                 string
	State                State
	TimeInCurrentState   time.Duration
	Metrics              Metrics
	RecentWindowSize     int
	RecentWindowFailures int
	Config               Config
	LastFailure          time.Time
	LastSuccess          time.Time
	StateChangedAt       time.Time
}

// ErrOpen is returned by Call when the breaker is open and the request is
// rejected without being attempted. A half-open breaker admits every
// request.
var ErrOpen = ferrors.New(ferrors.Unavailable, "circuit breaker open")

// Breaker is a single named circuit breaker instance. Safe for concurrent
// use; Call serializes the allow-check but runs the guarded function
// outside the lock.
type Breaker struct {
	name  string
	cfg   Config
	clock clock.Clock

	mu             sync.Mutex
	state          State
	stateChangedAt time.Time
	lastFailureAt  time.Time
	metrics        Metrics
	history        []outcome
}

// New creates a breaker named name, starting CLOSED.
func New(name string, cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:           name,
		cfg:            cfg,
		clock:          clk,
		state:          Closed,
		stateChangedAt: clk.Now(),
	}
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(Closed))
	return b
}

// Call executes fn under the breaker's protection: blocked immediately if
// the breaker is open, timed against RequestTimeout, and its outcome fed
// back into the state machine.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		b.mu.Lock()
		b.metrics.TotalBlocks++
		b.mu.Unlock()
		return ErrOpen
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	start := b.clock.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	var callErr error
	select {
	case callErr = <-errCh:
	case <-ctx.Done():
		callErr = ctx.Err()
	}
	elapsedMs := float64(b.clock.Now().Sub(start).Milliseconds())

	if callErr != nil {
		b.recordFailure(elapsedMs)
		return callErr
	}
	b.recordSuccess(elapsedMs)
	return nil
}

// Test runs healthFn (typically used to probe a HALF_OPEN breaker) and
// records its boolean result as a success/failure outcome, independent of
// the allow-gate Call applies.
func (b *Breaker) Test(ctx context.Context, healthFn func(context.Context) bool) bool {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	start := b.clock.Now()
	ok := healthFn(ctx)
	elapsedMs := float64(b.clock.Now().Sub(start).Milliseconds())

	if ok {
		b.recordSuccess(elapsedMs)
	} else {
		b.recordFailure(elapsedMs)
	}
	return ok
}

// allow reports whether a request may proceed, transitioning OPEN ->
// HALF_OPEN once the recovery timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if !b.lastFailureAt.IsZero() && b.clock.Now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
			b.changeStateLocked(HalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordSuccess(responseTimeMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.metrics.TotalRequests++
	b.metrics.SuccessfulRequests++
	b.metrics.ConsecutiveSuccesses++
	b.metrics.ConsecutiveFailures = 0
	b.metrics.LastSuccessTime = now

	if b.metrics.AvgResponseTimeMs == 0 {
		b.metrics.AvgResponseTimeMs = responseTimeMs
	} else {
		b.metrics.AvgResponseTimeMs = 0.9*b.metrics.AvgResponseTimeMs + 0.1*responseTimeMs
	}

	b.appendHistoryLocked(outcome{success: true, responseTimeMs: responseTimeMs, timestamp: now})

	if b.state == HalfOpen && b.metrics.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.changeStateLocked(Closed)
	}
}

func (b *Breaker) recordFailure(responseTimeMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.metrics.TotalRequests++
	b.metrics.FailedRequests++
	b.metrics.ConsecutiveFailures++
	b.metrics.ConsecutiveSuccesses = 0
	b.metrics.LastFailureTime = now
	b.lastFailureAt = now

	b.appendHistoryLocked(outcome{success: false, responseTimeMs: responseTimeMs, timestamp: now})
	b.evaluateTransitionLocked()
}

// appendHistoryLocked trims the sliding window at 2x its configured size,
// matching the original's "trim to SlidingWindowSize once it doubles"
// amortized-shrink behavior.
func (b *Breaker) appendHistoryLocked(o outcome) {
	b.history = append(b.history, o)
	if len(b.history) > b.cfg.SlidingWindowSize*2 {
		b.history = b.history[len(b.history)-b.cfg.SlidingWindowSize:]
	}
}

func (b *Breaker) evaluateTransitionLocked() {
	switch b.state {
	case Closed:
		shouldOpen := b.metrics.ConsecutiveFailures >= b.cfg.FailureThreshold
		if !shouldOpen {
			window := b.recentWindowLocked()
			if len(window) >= b.cfg.MinimumRequests {
				failures := 0
				for _, o := range window {
					if !o.success {
						failures++
					}
				}
				rate := float64(failures) / float64(len(window)) * 100
				if rate >= b.cfg.FailureRateThreshold {
					shouldOpen = true
				}
			}
		}
		if shouldOpen {
			b.changeStateLocked(Open)
		}
	case HalfOpen:
		b.changeStateLocked(Open)
	}
}

func (b *Breaker) recentWindowLocked() []outcome {
	if len(b.history) <= b.cfg.SlidingWindowSize {
		return b.history
	}
	return b.history[len(b.history)-b.cfg.SlidingWindowSize:]
}

func (b *Breaker) changeStateLocked(next State) {
	if next == b.state {
		return
	}
	b.state = next
	b.stateChangedAt = b.clock.Now()
	b.metrics.StateChanges++
	metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(next))
	if next == Open {
		metrics.BreakerTrips.WithLabelValues(b.name).Inc()
	}
}

// ForceOpen forces the breaker into OPEN regardless of recent outcomes.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changeStateLocked(Open)
	b.lastFailureAt = b.clock.Now()
}

// ForceClose forces the breaker into CLOSED and clears the consecutive
// failure counter.
func (b *Breaker) ForceClose(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changeStateLocked(Closed)
	b.metrics.ConsecutiveFailures = 0
}

// Reset returns the breaker to its initial CLOSED state with all metrics
// and history cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.stateChangedAt = b.clock.Now()
	b.metrics = Metrics{}
	b.history = nil
	b.lastFailureAt = time.Time{}
	metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(Closed))
}

// StateNow reports the current state without recording an attempt.
func (b *Breaker) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker's current state and metrics.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := b.recentWindowLocked()
	failures := 0
	for _, o := range window {
		if !o.success {
			failures++
		}
	}

	return Status{
		Name:                 b.name,
		State:                b.state,
		TimeInCurrentState:   b.clock.Now().Sub(b.stateChangedAt),
		Metrics:              b.metrics,
		RecentWindowSize:     len(window),
		RecentWindowFailures: failures,
		Config:               b.cfg,
		LastFailure:          b.metrics.LastFailureTime,
		LastSuccess:          b.metrics.LastSuccessTime,
		StateChangedAt:       b.stateChangedAt,
	}
}
