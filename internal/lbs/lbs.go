// Package lbs implements the Load-Balancer State: a process-wide,
// concurrently-accessed map from (config name, upstream index) to health
// (cooldown, consecutive failures, last error class/latency,
// usage-exhausted). Per-key atomic state and striped-by-key access, scaled
// out from a single circuit breaker to a keyed map of lightweight health
// records — never one global lock.
package lbs

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Latias94/codex-helper/internal/model"
)

// Key identifies one upstream within the LBS map.
type Key struct {
	ConfigName    string
	UpstreamIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.ConfigName, k.UpstreamIndex)
}

// State is a point-in-time read of one upstream's health. Returned by
// value so callers never hold a reference into the striped map.
type State struct {
	CooldownUntil       time.Time
	HasCooldown         bool
	ConsecutiveFailures int
	LastErrorClass      model.ErrorClass
	HasLastErrorClass   bool
	LastLatencyMs       int64
	HasLastLatency      bool
	UsageExhausted      bool
}

// IsHot reports whether the upstream's cooldown has elapsed (or was never
// set) as of now.
func (s State) IsHot(now time.Time) bool {
	return !s.HasCooldown || !now.Before(s.CooldownUntil)
}

// entry is the mutable record behind one Key, each guarded by its own
// mutex so planning one request never contends with updates to unrelated
// upstreams.
type entry struct {
	mu sync.Mutex
	st State
}

// CooldownPolicy configures the per-class cooldown penalties and the
// exponential backoff multiplier applied across consecutive failures.
// Mirrors the [retry] cooldown_* fields.
type CooldownPolicy struct {
	CloudflareChallengeSecs int
	CloudflareTimeoutSecs   int
	TransportSecs           int
	ServerErrorSecs         int // "transport_cooldown_secs" applied to server_error under failover, per §4.2
	BackoffFactor           float64
	BackoffMaxSecs          int
}

// DefaultCooldownPolicy matches the defaults implied by §4.2.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		CloudflareChallengeSecs: 300,
		CloudflareTimeoutSecs:   60,
		TransportSecs:           30,
		ServerErrorSecs:         30,
		BackoffFactor:           1,
		BackoffMaxSecs:          0,
	}
}

func (p CooldownPolicy) basePenalty(class model.ErrorClass) time.Duration {
	switch class {
	case model.ClassCloudflareChallenge:
		return time.Duration(p.CloudflareChallengeSecs) * time.Second
	case model.ClassCloudflareTimeout:
		return time.Duration(p.CloudflareTimeoutSecs) * time.Second
	case model.ClassUpstreamTransport, model.ClassAuthRouting:
		return time.Duration(p.TransportSecs) * time.Second
	case model.ClassServerError:
		return time.Duration(p.ServerErrorSecs) * time.Second
	default:
		// rate_limited relies on per-attempt backoff, not cooldown;
		// client_error_non_retryable is a client-side fault and adds no
		// cooldown either.
		return 0
	}
}

// LBS is the striped health map. The zero value is not usable; use New.
type LBS struct {
	mu      sync.RWMutex // guards the map structure only, not entry contents
	entries map[Key]*entry
	now     func() time.Time
}

// New returns an empty LBS.
func New() *LBS {
	return &LBS{entries: make(map[Key]*entry), now: time.Now}
}

func (l *LBS) getOrCreate(key Key) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// Snapshot returns a consistent point-in-time read of key's state, for use
// by a single planning operation. Lazily creates the entry if unseen.
func (l *LBS) Snapshot(key Key) State {
	e := l.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// All returns a point-in-time copy of every key the LBS has observed so
// far, for the Control API's health dashboards. Keys never tracked (no
// attempt made yet) are absent rather than reported hot.
func (l *LBS) All() map[Key]State {
	l.mu.RLock()
	keys := make([]Key, 0, len(l.entries))
	entries := make([]*entry, 0, len(l.entries))
	for k, e := range l.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make(map[Key]State, len(keys))
	for i, k := range keys {
		e := entries[i]
		e.mu.Lock()
		out[k] = e.st
		e.mu.Unlock()
	}
	return out
}

// SetUsageExhausted is the only entry point an external usage-budget
// poller may use; the retry engine never calls this itself (§4.2).
func (l *LBS) SetUsageExhausted(key Key, exhausted bool) {
	e := l.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.UsageExhausted = exhausted
}

// RecordSuccess resets consecutive_failures to 0 and clears cooldown_until,
// per §3's UpstreamState invariants.
func (l *LBS) RecordSuccess(key Key, latency time.Duration) {
	e := l.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.ConsecutiveFailures = 0
	e.st.HasCooldown = false
	e.st.LastErrorClass = model.ClassOK
	e.st.HasLastErrorClass = true
	e.st.LastLatencyMs = latency.Milliseconds()
	e.st.HasLastLatency = true
}

// RecordFailure applies the cooldown penalty for class under policy,
// enforcing the monotonic-non-decreasing invariant: cooldown_until becomes
// max(now + new_penalty, cooldown_until).
func (l *LBS) RecordFailure(key Key, class model.ErrorClass, latency time.Duration, policy CooldownPolicy) {
	e := l.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.ConsecutiveFailures++
	e.st.LastErrorClass = class
	e.st.HasLastErrorClass = true
	e.st.LastLatencyMs = latency.Milliseconds()
	e.st.HasLastLatency = true

	base := policy.basePenalty(class)
	if base <= 0 {
		return
	}

	penalty := base
	if policy.BackoffFactor > 1 {
		mult := math.Pow(policy.BackoffFactor, float64(e.st.ConsecutiveFailures-1))
		penalty = time.Duration(float64(base) * mult)
		if policy.BackoffMaxSecs > 0 {
			maxPenalty := time.Duration(policy.BackoffMaxSecs) * time.Second
			if penalty > maxPenalty {
				penalty = maxPenalty
			}
		}
	}

	now := l.now()
	candidate := now.Add(penalty)
	if !e.st.HasCooldown || candidate.After(e.st.CooldownUntil) {
		e.st.CooldownUntil = candidate
		e.st.HasCooldown = true
	}
}

// Now returns the LBS's clock, overridable in tests via SetClock.
func (l *LBS) Now() time.Time { return l.now() }

// SetClock overrides the LBS's time source; used only by tests that need
// deterministic cooldown arithmetic (e.g. S6's probe-back scenario).
func (l *LBS) SetClock(now func() time.Time) {
	l.now = now
}
