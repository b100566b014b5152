// Package retry implements the Retry Engine (§4.4): a two-layer attempt
// loop over a planner-produced candidate list, a guardrail-first
// should_retry decision function, jittered exponential backoff between
// attempts, and load-balancer-state updates after every attempt.
//
// The attempt loop classifies the outcome, decides whether to keep going,
// emits a span and a counter per attempt, and stops on exhaustion; the
// jitter arithmetic itself is delegated to github.com/cenkalti/backoff/v5
// rather than hand-rolled math.Sin jitter.
package retry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Latias94/codex-helper/internal/ferrors"
	"github.com/Latias94/codex-helper/internal/lbs"
	"github.com/Latias94/codex-helper/internal/logx"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/planner"
	"github.com/Latias94/codex-helper/internal/telemetry"
)

// Layer identifies which retry-policy layer governed a should_retry
// decision: "upstream" while only one config has been tried so far,
// "provider" once the loop crosses into a second config.
type Layer string

const (
	LayerUpstream Layer = "upstream"
	LayerProvider Layer = "provider"
)

// Outcome is the classified result of one attempt against one candidate.
type Outcome struct {
	Class        model.ErrorClass
	Status       int
	Latency      time.Duration
	Committed    bool // true once any response byte reached the client
	TransportErr error
}

// AttemptFunc performs one attempt against candidate and returns its
// outcome. Implemented by internal/proxy; kept as a function type here so
// the engine carries no net/http plumbing of its own.
type AttemptFunc func(ctx context.Context, candidate planner.Candidate, attemptIndex int) (Outcome, error)

// Result is what Engine.Run returns once the loop ends, whether by
// success, a guardrail stop, commit-point termination, or exhaustion.
type Result struct {
	Trace        model.RetryTrace
	FinalOutcome Outcome
	// Committed is true once any response byte reached the client; the
	// caller must not attempt anything further for this request.
	Committed bool
	// Blocked is true when should_retry returned false for FinalOutcome
	// (a guardrail, or a class/status outside the layer's retryable set)
	// as opposed to the candidate list simply running out. Callers should
	// pass FinalOutcome's real status/body through verbatim when Blocked
	// is true, and synthesize a 502 UpstreamUnavailable when it is false
	// (§7's two distinct non-success cases).
	Blocked bool
	// Err is nil on success. It is non-nil on exhaustion, on a guardrail
	// stop, on context cancellation, and when a committed stream failed
	// part-way (then it carries that attempt's error).
	Err error
}

// Engine drives attempts across a planner-produced candidate list.
type Engine struct {
	lbs       *lbs.LBS
	telemetry *telemetry.Provider
	logger    logx.Logger
}

// New builds an Engine. tel/logger may be nil; no-op implementations are
// substituted.
func New(l *lbs.LBS, tel *telemetry.Provider, logger logx.Logger) *Engine {
	if logger == nil {
		logger = logx.NoOpLogger{}
	}
	if tel == nil {
		tel = telemetry.NoopProvider()
	}
	return &Engine{lbs: l, telemetry: tel, logger: logger}
}

// Run drives attempt across candidates, following the two-layer loop from
// §4.4.
func (e *Engine) Run(ctx context.Context, candidates []planner.Candidate, policy model.RetryPolicy, attempt AttemptFunc) Result {
	var trace model.RetryTrace
	var lastOutcome Outcome
	configsTried := map[string]bool{}
	backoffs := map[Layer]backoff.BackOff{}

	if len(candidates) == 0 {
		return Result{Err: ferrors.New("retry.Run", "no_candidates", ferrors.ErrNoCandidates)}
	}

	for i, cand := range candidates {
		configsTried[cand.ConfigName] = true
		layer := LayerUpstream
		if len(configsTried) > 1 {
			layer = LayerProvider
		}

		attemptCtx, span := e.telemetry.Tracer.Start(ctx, "retry.attempt")
		outcome, attemptErr := attempt(attemptCtx, cand, i)
		span.End()
		lastOutcome = outcome
		trace.Attempts++
		trace.UpstreamChain = append(trace.UpstreamChain, fmt.Sprintf("%s→%s", cand.ConfigName, cand.Upstream.Name))

		key := lbs.Key{ConfigName: cand.ConfigName, UpstreamIndex: cand.UpstreamIndex}
		e.onAttemptResult(key, outcome, policy)
		e.telemetry.AttemptCounter.Add(ctx, 1)

		if outcome.Class == model.ClassOK {
			return Result{Trace: trace, FinalOutcome: outcome, Committed: outcome.Committed}
		}

		if outcome.Committed {
			// Response bytes already reached the client (a 2xx SSE stream
			// that then failed mid-stream). The commit point forbids any
			// further attempt regardless of classification.
			return Result{Trace: trace, FinalOutcome: outcome, Committed: true, Err: attemptErr}
		}

		layerPolicy := policy.Upstream
		if layer == LayerProvider {
			layerPolicy = policy.Provider
		}

		if !ShouldRetry(outcome.Class, outcome.Status, policy, layerPolicy) {
			return Result{Trace: trace, FinalOutcome: outcome, Blocked: true, Err: ferrors.ErrUpstreamUnavailable}
		}

		if layer == LayerProvider && i > 0 && cand.ConfigName != candidates[i-1].ConfigName {
			e.telemetry.FailoverCounter.Add(ctx, 1)
		}

		if i == len(candidates)-1 {
			break
		}

		d := nextBackoff(backoffs, layer, layerPolicy)
		select {
		case <-ctx.Done():
			return Result{Trace: trace, FinalOutcome: outcome, Err: ctx.Err()}
		case <-time.After(d):
		}
	}

	e.telemetry.ExhaustedCounter.Add(ctx, 1)
	return Result{Trace: trace, FinalOutcome: lastOutcome, Err: ferrors.ErrUpstreamUnavailable}
}

// onAttemptResult applies the LBS update side effects described in §4.2:
// success clears cooldown/failure-count, failure applies the class's
// cooldown penalty with backoff.
func (e *Engine) onAttemptResult(key lbs.Key, outcome Outcome, policy model.RetryPolicy) {
	if outcome.Class == model.ClassOK {
		e.lbs.RecordSuccess(key, outcome.Latency)
		return
	}
	cooldown := lbs.CooldownPolicy{
		CloudflareChallengeSecs: policy.CooldownCloudflareChallengeSecs,
		CloudflareTimeoutSecs:   policy.CooldownCloudflareTimeoutSecs,
		TransportSecs:           policy.CooldownTransportSecs,
		ServerErrorSecs:         policy.CooldownTransportSecs,
		BackoffFactor:           policy.CooldownBackoffFactor,
		BackoffMaxSecs:          policy.CooldownBackoffMaxSecs,
	}
	e.lbs.RecordFailure(key, outcome.Class, outcome.Latency, cooldown)
}

// ShouldRetry implements the decision function from §4.4. never_on_class
// is an absolute guardrail: nothing overrides it. never_on_status is not
// quite absolute — a class explicitly listed in the layer's on_class still
// wins over it, which is the fix for the historical bug where a default
// never_on_status=400 suppressed cloudflare_challenge recovery (see §9).
func ShouldRetry(class model.ErrorClass, status int, policy model.RetryPolicy, layer model.RetryLayerPolicy) bool {
	if classInSet(class, policy.NeverOnClass) {
		return false
	}
	if classInSet(class, layer.OnClass) {
		return true
	}
	if statusMatches(policy.NeverOnStatus, status) {
		return false
	}
	if statusMatches(layer.OnStatus, status) {
		return true
	}
	return false
}

func classInSet(class model.ErrorClass, set []model.ErrorClass) bool {
	for _, c := range set {
		if c == class {
			return true
		}
	}
	return false
}

// statusMatches parses the comma/range syntax from §4.4, e.g.
// "429,500-599,524".
func statusMatches(spec string, status int) bool {
	if spec == "" {
		return false
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := parseRange(part); ok {
			if status >= lo && status <= hi {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && n == status {
			return true
		}
	}
	return false
}

func parseRange(part string) (lo, hi int, ok bool) {
	idx := strings.Index(part, "-")
	if idx <= 0 || idx == len(part)-1 {
		return 0, 0, false
	}
	loVal, err1 := strconv.Atoi(strings.TrimSpace(part[:idx]))
	hiVal, err2 := strconv.Atoi(strings.TrimSpace(part[idx+1:]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return loVal, hiVal, true
}

func newLayerBackOff(p model.RetryLayerPolicy) backoff.BackOff {
	initial := time.Duration(p.BackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxInterval := time.Duration(p.BackoffMaxMs) * time.Millisecond
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}
	randomization := 0.0
	if p.BackoffMs > 0 && p.JitterMs > 0 {
		randomization = float64(p.JitterMs) / float64(p.BackoffMs)
		if randomization > 1 {
			randomization = 1
		}
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithRandomizationFactor(randomization),
		backoff.WithMultiplier(2),
	)
}

// nextBackoff returns the delay before the next attempt on layer, lazily
// building (and then reusing, so consecutive attempts within the same
// layer see real exponential growth) a backoff.BackOff per layer.
// BackOff.NextBackOff() in backoff/v5 returns a single time.Duration, with
// backoff.Stop as the sentinel for "give up" rather than an error.
func nextBackoff(backoffs map[Layer]backoff.BackOff, layer Layer, policy model.RetryLayerPolicy) time.Duration {
	b, ok := backoffs[layer]
	if !ok {
		b = newLayerBackOff(policy)
		backoffs[layer] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return time.Duration(policy.BackoffMaxMs) * time.Millisecond
	}
	return d
}
