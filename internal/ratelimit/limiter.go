// Package ratelimit implements C5: per-client request admission across five
// strategies, with adaptive load-based throttling layered on top.
package ratelimit

import (
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/metrics"
)

// Strategy selects the admission algorithm a client is checked against.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
	LeakyBucket   Strategy = "leaky_bucket"
	Adaptive      Strategy = "adaptive"
)

// ThrottleLevel is the adaptive throttling tier the system's rolling load
// currently maps to.
type ThrottleLevel string

const (
	ThrottleNone     ThrottleLevel = "none"
	ThrottleLight    ThrottleLevel = "light"
	ThrottleModerate ThrottleLevel = "moderate"
	ThrottleHeavy    ThrottleLevel = "heavy"
	ThrottleBlocked  ThrottleLevel = "blocked"
)

// AdaptiveConfig tunes the load thresholds each ThrottleLevel activates at.
type AdaptiveConfig struct {
	LoadThresholdLight    float64
	LoadThresholdModerate float64
	LoadThresholdHeavy    float64
	LoadThresholdBlocked  float64
}

func defaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		LoadThresholdLight:    0.70,
		LoadThresholdModerate: 0.80,
		LoadThresholdHeavy:    0.90,
		LoadThresholdBlocked:  0.95,
	}
}

// Config tunes a Limiter's defaults.
type Config struct {
	Strategy       Strategy
	DefaultLimit   int
	WindowSize     time.Duration
	EnableAdaptive bool
	Adaptive       AdaptiveConfig
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = TokenBucket
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 1000
	}
	if c.WindowSize <= 0 {
		c.WindowSize = time.Hour
	}
	if c.Adaptive == (AdaptiveConfig{}) {
		c.Adaptive = defaultAdaptiveConfig()
	}
	return c
}

// Result is the outcome of a single admission check.
type Result struct {
	Allowed       bool
	Remaining     int
	ResetAt       time.Time
	ThrottleLevel ThrottleLevel
	RetryAfter    time.Duration
	Error         string
}

type fixedWindowState struct {
	count       int
	windowStart time.Time
}

type tokenBucketState struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens/sec
	lastRefill time.Time
}

func (b *tokenBucketState) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min64(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func (b *tokenBucketState) consume(now time.Time, n float64) bool {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

type leakyBucketState struct {
	volume   float64
	capacity float64
	lastLeak time.Time
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Limiter is C5: a multi-strategy, multi-client rate limiter with optional
// adaptive load-based throttling, built around a per-client mutex-guarded
// map.
type Limiter struct {
	mu sync.Mutex

	cfg   Config
	clock clock.Clock

	fixedWindows  map[string]*fixedWindowState
	slidingWindow map[string][]time.Time
	tokenBuckets  map[string]*tokenBucketState
	leakyBuckets  map[string]*leakyBucketState

	clientLimits   map[string]int
	clientStrategy map[string]Strategy
	throttleLevels map[string]ThrottleLevel
	bypassClients  map[string]bool
	systemLoad     []float64

	allowed  int
	rejected int
}

// New creates a Limiter.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		cfg:            cfg.withDefaults(),
		clock:          clk,
		fixedWindows:   make(map[string]*fixedWindowState),
		slidingWindow:  make(map[string][]time.Time),
		tokenBuckets:   make(map[string]*tokenBucketState),
		leakyBuckets:   make(map[string]*leakyBucketState),
		clientLimits:   make(map[string]int),
		clientStrategy: make(map[string]Strategy),
		throttleLevels: make(map[string]ThrottleLevel),
		bypassClients:  make(map[string]bool),
	}
}

// ClientID resolves the rate-limit identity for a request: explicit API
// key, then authenticated user id, then client IP -- in that priority
// order, matching spec.md's resolution order.
func ClientID(apiKey, userID, clientIP string) string {
	if apiKey != "" {
		return "api_key:" + apiKey
	}
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP
}

// Check evaluates whether clientID may proceed, applying adaptive
// throttling (if enabled) before the client's configured strategy.
func (l *Limiter) Check(clientID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bypassClients[clientID] {
		return Result{Allowed: true, Remaining: 999999, ResetAt: l.clock.Now().Add(l.cfg.WindowSize), ThrottleLevel: ThrottleNone}
	}

	limit := l.cfg.DefaultLimit
	if custom, ok := l.clientLimits[clientID]; ok {
		limit = custom
	}
	strategy := l.cfg.Strategy
	if custom, ok := l.clientStrategy[clientID]; ok {
		strategy = custom
	}

	throttle := ThrottleNone
	if l.cfg.EnableAdaptive {
		l.updateSystemLoadLocked()
		throttle = l.calculateThrottleLevelLocked(clientID)

		switch throttle {
		case ThrottleBlocked:
			metrics.RateLimitRejected.WithLabelValues(string(strategy)).Inc()
			l.rejected++
			return Result{
				Allowed:       false,
				Remaining:     0,
				ResetAt:       l.clock.Now().Add(60 * time.Second),
				ThrottleLevel: throttle,
				RetryAfter:    60 * time.Second,
				Error:         "system overloaded, try again later",
			}
		case ThrottleHeavy:
			limit = int(float64(limit) * 0.2)
		case ThrottleModerate:
			limit = int(float64(limit) * 0.5)
		case ThrottleLight:
			limit = int(float64(limit) * 0.8)
		}
	}

	var result Result
	switch strategy {
	case FixedWindow:
		result = l.checkFixedWindowLocked(clientID, limit)
	case SlidingWindow:
		result = l.checkSlidingWindowLocked(clientID, limit)
	case LeakyBucket:
		result = l.checkLeakyBucketLocked(clientID, limit)
	default:
		result = l.checkTokenBucketLocked(clientID, limit)
	}
	result.ThrottleLevel = throttle

	if result.Allowed {
		l.allowed++
		metrics.RateLimitAllowed.WithLabelValues(string(strategy)).Inc()
	} else {
		l.rejected++
		metrics.RateLimitRejected.WithLabelValues(string(strategy)).Inc()
	}
	return result
}

func (l *Limiter) checkFixedWindowLocked(clientID string, limit int) Result {
	now := l.clock.Now()
	windowSize := l.cfg.WindowSize
	windowStart := now.Truncate(windowSize)

	w, ok := l.fixedWindows[clientID]
	if !ok {
		w = &fixedWindowState{windowStart: windowStart}
		l.fixedWindows[clientID] = w
	}
	if !w.windowStart.Equal(windowStart) {
		w.count = 0
		w.windowStart = windowStart
	}

	resetAt := windowStart.Add(windowSize)
	if w.count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	w.count++
	return Result{Allowed: true, Remaining: limit - w.count, ResetAt: resetAt}
}

func (l *Limiter) checkSlidingWindowLocked(clientID string, limit int) Result {
	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.WindowSize)

	reqs := l.slidingWindow[clientID]
	kept := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	reqs = kept

	if len(reqs) >= limit {
		oldest := reqs[0]
		for _, t := range reqs {
			if t.Before(oldest) {
				oldest = t
			}
		}
		l.slidingWindow[clientID] = reqs
		resetAt := oldest.Add(l.cfg.WindowSize)
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}

	reqs = append(reqs, now)
	l.slidingWindow[clientID] = reqs
	return Result{Allowed: true, Remaining: limit - len(reqs), ResetAt: now.Add(l.cfg.WindowSize)}
}

func (l *Limiter) checkTokenBucketLocked(clientID string, limit int) Result {
	now := l.clock.Now()
	refillRate := float64(limit) / l.cfg.WindowSize.Seconds()

	b, ok := l.tokenBuckets[clientID]
	if !ok {
		b = &tokenBucketState{capacity: float64(limit), tokens: float64(limit), refillRate: refillRate, lastRefill: now}
		l.tokenBuckets[clientID] = b
	}

	if b.consume(now, 1) {
		secondsToFull := (b.capacity - b.tokens) / b.refillRate
		return Result{Allowed: true, Remaining: int(b.tokens), ResetAt: now.Add(time.Duration(secondsToFull * float64(time.Second)))}
	}
	retryAfter := time.Duration((1 / b.refillRate) * float64(time.Second))
	return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(retryAfter), RetryAfter: retryAfter}
}

func (l *Limiter) checkLeakyBucketLocked(clientID string, limit int) Result {
	now := l.clock.Now()
	leakRate := float64(limit) / l.cfg.WindowSize.Seconds()

	b, ok := l.leakyBuckets[clientID]
	if !ok {
		b = &leakyBucketState{capacity: float64(limit), lastLeak: now}
		l.leakyBuckets[clientID] = b
	}

	elapsed := now.Sub(b.lastLeak).Seconds()
	b.volume = max64(0, b.volume-elapsed*leakRate)
	b.lastLeak = now

	if b.volume >= b.capacity {
		retryAfter := time.Duration((1 / leakRate) * float64(time.Second))
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(retryAfter), RetryAfter: retryAfter}
	}

	b.volume++
	secondsToDrain := b.volume / leakRate
	return Result{Allowed: true, Remaining: int(b.capacity - b.volume), ResetAt: now.Add(time.Duration(secondsToDrain * float64(time.Second)))}
}

// updateSystemLoadLocked approximates system load from the number of
// distinct clients currently tracked under sliding-window state, bounded
// to a rolling 100-sample history, matching the original's simple
// client-count proxy.
func (l *Limiter) updateSystemLoadLocked() {
	load := float64(len(l.slidingWindow)) / 1000
	l.systemLoad = append(l.systemLoad, load)
	if len(l.systemLoad) > 100 {
		l.systemLoad = l.systemLoad[1:]
	}
}

func (l *Limiter) calculateThrottleLevelLocked(clientID string) ThrottleLevel {
	if len(l.systemLoad) == 0 {
		return ThrottleNone
	}
	var sum float64
	for _, v := range l.systemLoad {
		sum += v
	}
	avg := sum / float64(len(l.systemLoad))

	var level ThrottleLevel
	switch {
	case avg >= l.cfg.Adaptive.LoadThresholdBlocked:
		level = ThrottleBlocked
	case avg >= l.cfg.Adaptive.LoadThresholdHeavy:
		level = ThrottleHeavy
	case avg >= l.cfg.Adaptive.LoadThresholdModerate:
		level = ThrottleModerate
	case avg >= l.cfg.Adaptive.LoadThresholdLight:
		level = ThrottleLight
	default:
		level = ThrottleNone
	}

	if l.throttleLevels[clientID] != level {
		l.throttleLevels[clientID] = level
	}
	metrics.RateLimitThrottleLevel.Set(throttleLevelValue(level))
	return level
}

func throttleLevelValue(t ThrottleLevel) float64 {
	switch t {
	case ThrottleLight:
		return 1
	case ThrottleModerate:
		return 2
	case ThrottleHeavy:
		return 3
	case ThrottleBlocked:
		return 4
	default:
		return 0
	}
}

// SetClientLimit overrides the per-client admission limit and (optionally)
// strategy.
func (l *Limiter) SetClientLimit(clientID string, limit int, strategy Strategy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clientLimits[clientID] = limit
	if strategy != "" {
		l.clientStrategy[clientID] = strategy
	}
}

// AddBypass exempts clientID from all admission checks.
func (l *Limiter) AddBypass(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bypassClients[clientID] = true
}

// RemoveBypass removes a client from the bypass list.
func (l *Limiter) RemoveBypass(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bypassClients, clientID)
}

// Reset clears all tracked state for a client.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fixedWindows, clientID)
	delete(l.slidingWindow, clientID)
	delete(l.tokenBuckets, clientID)
	delete(l.leakyBuckets, clientID)
	delete(l.throttleLevels, clientID)
}

// ClientStatus is the status snapshot returned by Status().
type ClientStatus struct {
	ClientID        string
	Limit           int
	Strategy        Strategy
	ThrottleLevel   ThrottleLevel
	Bypassed        bool
	TokensRemaining int
	HasTokenBucket  bool
}

// Status reports a client's current configuration and (if using the token
// bucket strategy) its remaining tokens.
func (l *Limiter) Status(clientID string) ClientStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.DefaultLimit
	if custom, ok := l.clientLimits[clientID]; ok {
		limit = custom
	}
	strategy := l.cfg.Strategy
	if custom, ok := l.clientStrategy[clientID]; ok {
		strategy = custom
	}

	st := ClientStatus{
		ClientID:      clientID,
		Limit:         limit,
		Strategy:      strategy,
		ThrottleLevel: l.throttleLevels[clientID],
		Bypassed:      l.bypassClients[clientID],
	}
	if b, ok := l.tokenBuckets[clientID]; ok {
		st.TokensRemaining = int(b.tokens)
		st.HasTokenBucket = true
	}
	return st
}

// GlobalStats summarizes limiter-wide state.
type GlobalStats struct {
	Strategy          Strategy
	TotalClients      int
	BypassClients     int
	AdaptiveEnabled   bool
	CurrentSystemLoad float64
	RequestsAllowed   int
	RequestsRejected  int
}

// GlobalStats reports limiter-wide counters.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	for id := range l.fixedWindows {
		seen[id] = true
	}
	for id := range l.slidingWindow {
		seen[id] = true
	}
	for id := range l.tokenBuckets {
		seen[id] = true
	}
	for id := range l.leakyBuckets {
		seen[id] = true
	}

	var load float64
	if n := len(l.systemLoad); n > 0 {
		load = l.systemLoad[n-1]
	}

	return GlobalStats{
		Strategy:          l.cfg.Strategy,
		TotalClients:      len(seen),
		BypassClients:     len(l.bypassClients),
		AdaptiveEnabled:   l.cfg.EnableAdaptive,
		CurrentSystemLoad: load,
		RequestsAllowed:   l.allowed,
		RequestsRejected:  l.rejected,
	}
}
