package lbs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Latias94/codex-helper/internal/model"
)

func TestLBS_SnapshotOfUnseenKeyIsHot(t *testing.T) {
	l := New()
	st := l.Snapshot(Key{ConfigName: "primary", UpstreamIndex: 0})
	assert.True(t, st.IsHot(time.Now()))
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestLBS_RecordFailure_AppliesCooldownPenalty(t *testing.T) {
	l := New()
	base := time.Unix(1_700_000_000, 0)
	l.SetClock(func() time.Time { return base })

	key := Key{ConfigName: "main", UpstreamIndex: 0}
	l.RecordFailure(key, model.ClassCloudflareChallenge, 50*time.Millisecond, DefaultCooldownPolicy())

	st := l.Snapshot(key)
	assert.True(t, st.HasCooldown)
	assert.Equal(t, base.Add(300*time.Second), st.CooldownUntil)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.False(t, st.IsHot(base))
}

func TestLBS_RecordSuccess_ResetsFailuresAndClearsCooldown(t *testing.T) {
	l := New()
	key := Key{ConfigName: "main", UpstreamIndex: 0}
	l.RecordFailure(key, model.ClassUpstreamTransport, time.Second, DefaultCooldownPolicy())

	l.RecordSuccess(key, 10*time.Millisecond)

	st := l.Snapshot(key)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, st.HasCooldown)
}

func TestLBS_CooldownIsMonotonicNonDecreasing(t *testing.T) {
	l := New()
	now := time.Unix(1_700_000_000, 0)
	l.SetClock(func() time.Time { return now })

	key := Key{ConfigName: "primary", UpstreamIndex: 0}
	policy := CooldownPolicy{ServerErrorSecs: 60, BackoffFactor: 2, BackoffMaxSecs: 3600}

	l.RecordFailure(key, model.ClassServerError, 0, policy) // T+60s
	first := l.Snapshot(key).CooldownUntil

	now = now.Add(5 * time.Second) // still before first cooldown elapses
	l.RecordFailure(key, model.ClassServerError, 0, policy) // factor^1 = 2 -> 120s from T+5s
	second := l.Snapshot(key).CooldownUntil

	assert.True(t, second.After(first) || second.Equal(first))
}

func TestLBS_RecordFailure_RateLimitedAddsNoCooldown(t *testing.T) {
	l := New()
	key := Key{ConfigName: "main", UpstreamIndex: 0}
	l.RecordFailure(key, model.ClassRateLimited, time.Second, DefaultCooldownPolicy())

	st := l.Snapshot(key)
	assert.False(t, st.HasCooldown)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestLBS_UsageExhausted_SetByExternalCallerOnly(t *testing.T) {
	l := New()
	key := Key{ConfigName: "main", UpstreamIndex: 1}
	l.SetUsageExhausted(key, true)

	st := l.Snapshot(key)
	assert.True(t, st.UsageExhausted)

	l.RecordFailure(key, model.ClassServerError, 0, DefaultCooldownPolicy())
	assert.True(t, l.Snapshot(key).UsageExhausted, "failures must not clear usage_exhausted")
}
