package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Latias94/codex-helper/internal/lbs"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/overrides"
)

func twoConfigPlan() *model.RoutingPlan {
	return &model.RoutingPlan{
		ActiveConfigName: "primary",
		Configs: map[string]*model.Config{
			"primary": {
				Name: "primary", Level: 1, Enabled: true, Active: true,
				Upstreams: []model.Upstream{{Name: "U1", BaseURL: "https://u1"}},
			},
			"backup": {
				Name: "backup", Level: 1, Enabled: true,
				Upstreams: []model.Upstream{{Name: "U2", BaseURL: "https://u2"}},
			},
		},
		Retry: model.RetryPolicy{
			Upstream: model.RetryLayerPolicy{MaxAttempts: 2},
			Provider: model.RetryLayerPolicy{MaxAttempts: 2},
		},
	}
}

// S1 — cross-config failover on auth error: plan order should put primary's
// U1 first, backup's U2 second.
func TestPlanner_S1_ActiveConfigFirstWithinLevelBucket(t *testing.T) {
	p := New(lbs.New(), overrides.NewStore())
	plan := twoConfigPlan()

	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 2)
	assert.Equal(t, "primary", candidates[0].ConfigName)
	assert.Equal(t, "backup", candidates[1].ConfigName)
}

// S4 — pinned session overrides active: only backup's upstreams appear.
func TestPlanner_S4_SessionPinOverridesActive(t *testing.T) {
	store := overrides.NewStore()
	store.SetSessionPinnedConfig("sess-S", "backup")
	p := New(lbs.New(), store)
	plan := twoConfigPlan()

	candidates := p.Plan(plan, Fingerprint{SessionID: "sess-S"})

	require.Len(t, candidates, 1)
	assert.Equal(t, "backup", candidates[0].ConfigName)
}

func TestPlanner_DisabledConfigOnlyParticipatesWhenActive(t *testing.T) {
	plan := twoConfigPlan()
	plan.Configs["backup"].Enabled = false

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 1)
	assert.Equal(t, "primary", candidates[0].ConfigName)
}

func TestPlanner_ActiveDisabledStillParticipates(t *testing.T) {
	plan := twoConfigPlan()
	plan.Configs["primary"].Enabled = false // active overrides disabled, per §9 open question

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{})

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.ConfigName
	}
	assert.Contains(t, names, "primary")
}

func TestPlanner_CooldownSortPrefersHotOverCooling(t *testing.T) {
	store := overrides.NewStore()
	lb := lbs.New()
	now := time.Unix(1_700_000_000, 0)
	lb.SetClock(func() time.Time { return now })

	plan := &model.RoutingPlan{
		ActiveConfigName: "main",
		Configs: map[string]*model.Config{
			"main": {
				Name: "main", Level: 1, Enabled: true, Active: true,
				Upstreams: []model.Upstream{
					{Name: "U1", BaseURL: "https://u1"},
					{Name: "U2", BaseURL: "https://u2"},
				},
			},
		},
		Retry: model.RetryPolicy{
			Upstream: model.RetryLayerPolicy{MaxAttempts: 2},
			Provider: model.RetryLayerPolicy{MaxAttempts: 1},
		},
	}

	lb.RecordFailure(lbs.Key{ConfigName: "main", UpstreamIndex: 0}, model.ClassCloudflareChallenge, 0, lbs.DefaultCooldownPolicy())

	p := New(lb, store, WithClock(func() time.Time { return now }))
	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 2)
	assert.Equal(t, 1, candidates[0].UpstreamIndex, "hot U2 must precede cooling U1")
	assert.Equal(t, 0, candidates[1].UpstreamIndex)
}

func TestPlanner_ModelMappingGlobRewritesModel(t *testing.T) {
	plan := &model.RoutingPlan{
		ActiveConfigName: "main",
		Configs: map[string]*model.Config{
			"main": {
				Name: "main", Level: 1, Enabled: true, Active: true,
				Upstreams: []model.Upstream{
					{
						Name: "U1", BaseURL: "https://u1",
						ModelMapping: map[string]string{"gpt-4*": "gpt-4-internal"},
					},
				},
			},
		},
		Retry: model.RetryPolicy{
			Upstream: model.RetryLayerPolicy{MaxAttempts: 1},
			Provider: model.RetryLayerPolicy{MaxAttempts: 1},
		},
	}
	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{Model: "gpt-4-turbo"})

	require.Len(t, candidates, 1)
	assert.Equal(t, "gpt-4-internal", candidates[0].ResolvedModel)
}

func TestPlanner_SupportedModelsGlobExcludesConfig(t *testing.T) {
	plan := twoConfigPlan()
	plan.Configs["primary"].SupportedModels = []string{"claude-*"}

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{Model: "gpt-4"})

	for _, c := range candidates {
		assert.NotEqual(t, "primary", c.ConfigName)
	}
}

func TestPlanner_TruncatesByProviderMaxAttempts(t *testing.T) {
	plan := twoConfigPlan()
	plan.Retry.Provider.MaxAttempts = 1

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 1)
	assert.Equal(t, "primary", candidates[0].ConfigName)
}

func TestPlanner_DeterministicGivenSameInputs(t *testing.T) {
	plan := twoConfigPlan()
	p := New(lbs.New(), overrides.NewStore())

	first := p.Plan(plan, Fingerprint{})
	second := p.Plan(plan, Fingerprint{})

	assert.Equal(t, first, second)
}

func TestPlanner_SameUpstreamStrategyRepeatsBestCandidate(t *testing.T) {
	plan := &model.RoutingPlan{
		ActiveConfigName: "main",
		Configs: map[string]*model.Config{
			"main": {
				Name: "main", Level: 1, Enabled: true, Active: true,
				Upstreams: []model.Upstream{
					{Name: "U1", BaseURL: "https://u1"},
					{Name: "U2", BaseURL: "https://u2"},
				},
			},
		},
		Retry: model.RetryPolicy{
			Upstream: model.RetryLayerPolicy{MaxAttempts: 3, Strategy: "same_upstream"},
			Provider: model.RetryLayerPolicy{MaxAttempts: 1},
		},
	}

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 3, "same_upstream must repeat the best candidate up to upstream.max_attempts")
	for _, c := range candidates {
		assert.Equal(t, 0, c.UpstreamIndex, "every repeated attempt must target the same best-ranked upstream")
	}
}

func TestPlanner_RoundRobinStrategyLeavesOneCandidatePerUpstream(t *testing.T) {
	plan := &model.RoutingPlan{
		ActiveConfigName: "main",
		Configs: map[string]*model.Config{
			"main": {
				Name: "main", Level: 1, Enabled: true, Active: true,
				Upstreams: []model.Upstream{
					{Name: "U1", BaseURL: "https://u1"},
					{Name: "U2", BaseURL: "https://u2"},
				},
			},
		},
		Retry: model.RetryPolicy{
			Upstream: model.RetryLayerPolicy{MaxAttempts: 3, Strategy: "round_robin"},
			Provider: model.RetryLayerPolicy{MaxAttempts: 1},
		},
	}

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 2, "round_robin must not repeat candidates beyond one per upstream")
}

func TestPlanner_ZeroMaxAttemptsDefaultsToOneNotUnlimited(t *testing.T) {
	plan := twoConfigPlan()
	plan.Retry.Upstream.MaxAttempts = 0
	plan.Retry.Provider.MaxAttempts = 0

	p := New(lbs.New(), overrides.NewStore())
	candidates := p.Plan(plan, Fingerprint{})

	require.Len(t, candidates, 1, "an unset max_attempts cap must default to 1, never unlimited")
	assert.Equal(t, "primary", candidates[0].ConfigName)
}
