package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latias94/codex-helper/internal/lbs"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/planner"
	"github.com/Latias94/codex-helper/internal/telemetry"
)

func testPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		Upstream: model.RetryLayerPolicy{
			MaxAttempts: 2,
			OnStatus:    "429,500-599,524",
			OnClass: []model.ErrorClass{
				model.ClassRateLimited, model.ClassServerError,
				model.ClassCloudflareChallenge, model.ClassCloudflareTimeout,
				model.ClassUpstreamTransport, model.ClassAuthRouting,
			},
		},
		Provider: model.RetryLayerPolicy{
			MaxAttempts: 2,
			OnStatus:    "429,500-599,524",
			OnClass: []model.ErrorClass{
				model.ClassRateLimited, model.ClassServerError,
				model.ClassCloudflareChallenge, model.ClassCloudflareTimeout,
				model.ClassUpstreamTransport, model.ClassAuthRouting,
			},
		},
		NeverOnStatus:          "400,413,415,422",
		CooldownCloudflareChallengeSecs: 300,
		CooldownTransportSecs:          30,
	}
}

func cand(config, upstreamName string, idx int) planner.Candidate {
	return planner.Candidate{ConfigName: config, UpstreamIndex: idx, Upstream: model.Upstream{Name: upstreamName}}
}

func TestEngine_S1_CrossConfigFailoverOnAuthError(t *testing.T) {
	l := lbs.New()
	e := New(l, telemetry.NoopProvider(), nil)

	candidates := []planner.Candidate{
		cand("primary", "U1", 0),
		cand("backup", "U2", 0),
	}

	calls := 0
	attempt := func(ctx context.Context, c planner.Candidate, idx int) (Outcome, error) {
		calls++
		if c.ConfigName == "primary" {
			return Outcome{Class: model.ClassAuthRouting, Status: 401}, nil
		}
		return Outcome{Class: model.ClassOK, Status: 200}, nil
	}

	result := e.Run(context.Background(), candidates, testPolicy(), attempt)

	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Trace.Attempts)
	assert.Equal(t, []string{"primary→U1", "backup→U2"}, result.Trace.UpstreamChain)
	assert.Equal(t, model.ClassOK, result.FinalOutcome.Class)

	st := l.Snapshot(lbs.Key{ConfigName: "primary", UpstreamIndex: 0})
	assert.True(t, st.HasCooldown)
}

func TestEngine_S2_CloudflareChallengeRetriesWithinConfig(t *testing.T) {
	l := lbs.New()
	e := New(l, telemetry.NoopProvider(), nil)

	candidates := []planner.Candidate{
		cand("main", "U1", 0),
		cand("main", "U2", 1),
	}

	attempt := func(ctx context.Context, c planner.Candidate, idx int) (Outcome, error) {
		if c.UpstreamIndex == 0 {
			return Outcome{Class: model.ClassCloudflareChallenge, Status: 503}, nil
		}
		return Outcome{Class: model.ClassOK, Status: 200}, nil
	}

	result := e.Run(context.Background(), candidates, testPolicy(), attempt)

	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Trace.Attempts)
	st := l.Snapshot(lbs.Key{ConfigName: "main", UpstreamIndex: 0})
	assert.True(t, st.HasCooldown)
	assert.Greater(t, st.CooldownUntil.Sub(l.Now()), 250*time.Second)
}

func TestEngine_S3_GuardrailBlocksReplayOf413(t *testing.T) {
	l := lbs.New()
	e := New(l, telemetry.NoopProvider(), nil)

	candidates := []planner.Candidate{cand("main", "U1", 0), cand("main", "U2", 1)}
	calls := 0
	attempt := func(ctx context.Context, c planner.Candidate, idx int) (Outcome, error) {
		calls++
		return Outcome{Class: model.ClassClientNonRetryable, Status: 413}, nil
	}

	result := e.Run(context.Background(), candidates, testPolicy(), attempt)

	assert.Equal(t, 1, calls, "guardrail must stop after the first attempt")
	assert.Equal(t, 1, result.Trace.Attempts)
	assert.Error(t, result.Err)

	st := l.Snapshot(lbs.Key{ConfigName: "main", UpstreamIndex: 0})
	assert.False(t, st.HasCooldown, "a guardrail-blocked non-retryable class must not add a cooldown")
}

func TestEngine_CommitPointStopsFurtherAttempts(t *testing.T) {
	l := lbs.New()
	e := New(l, telemetry.NoopProvider(), nil)

	candidates := []planner.Candidate{cand("main", "U1", 0), cand("main", "U2", 1)}
	calls := 0
	attempt := func(ctx context.Context, c planner.Candidate, idx int) (Outcome, error) {
		calls++
		return Outcome{Class: model.ClassUpstreamTransport, Committed: true}, nil
	}

	result := e.Run(context.Background(), candidates, testPolicy(), attempt)

	assert.Equal(t, 1, calls)
	assert.True(t, result.Committed)
}

func TestEngine_ExhaustionReturnsUpstreamUnavailable(t *testing.T) {
	l := lbs.New()
	e := New(l, telemetry.NoopProvider(), nil)

	candidates := []planner.Candidate{cand("main", "U1", 0)}
	attempt := func(ctx context.Context, c planner.Candidate, idx int) (Outcome, error) {
		return Outcome{Class: model.ClassServerError, Status: 503}, nil
	}

	result := e.Run(context.Background(), candidates, testPolicy(), attempt)
	assert.Error(t, result.Err)
	assert.Equal(t, 1, result.Trace.Attempts)
}

func TestShouldRetry_GuardrailBlocksStatusBasedRetry(t *testing.T) {
	policy := testPolicy()
	ok := ShouldRetry(model.ClassClientNonRetryable, 413, policy, policy.Upstream)
	assert.False(t, ok)
}

func TestShouldRetry_ClassWinsOverStatusGuardrail(t *testing.T) {
	policy := testPolicy()
	policy.NeverOnStatus = "400,413,415,422,503"
	// cloudflare_challenge commonly arrives as 503; the class must still
	// win over the guardrail matching on status alone.
	ok := ShouldRetry(model.ClassCloudflareChallenge, 503, policy, policy.Upstream)
	assert.True(t, ok)
}

func TestShouldRetry_NeverOnClassAlwaysBlocks(t *testing.T) {
	policy := testPolicy()
	policy.NeverOnClass = []model.ErrorClass{model.ClassServerError}
	policy.Upstream.OnClass = []model.ErrorClass{model.ClassServerError}

	ok := ShouldRetry(model.ClassServerError, 503, policy, policy.Upstream)
	assert.False(t, ok, "never_on_class must block even when also listed in on_class")
}

func TestStatusMatches_CommaAndRangeSyntax(t *testing.T) {
	assert.True(t, statusMatches("429,500-599,524", 429))
	assert.True(t, statusMatches("429,500-599,524", 524))
	assert.True(t, statusMatches("429,500-599,524", 503))
	assert.False(t, statusMatches("429,500-599,524", 404))
}
