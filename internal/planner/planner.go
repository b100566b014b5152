// Package planner implements the Routing Planner (§4.3): given a
// RoutingPlan snapshot, an LBS, a request fingerprint, and the override
// store, it produces a deterministic, ordered candidate list for one
// request to hand to the Retry Engine.
//
// Grounded on pkg/routing/hybrid.go's functional-option router constructor
// shape and its RoutingPlan output type name, repurposed here from
// LLM-task routing to upstream routing.
package planner

import (
	"path"
	"sort"
	"time"

	"github.com/Latias94/codex-helper/internal/lbs"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/overrides"
)

// Fingerprint is the subset of request identity the planner needs.
type Fingerprint struct {
	SessionID string
	Model     string
}

// Candidate is one (config, upstream) pair in the order the Retry Engine
// should try them.
type Candidate struct {
	ConfigName    string
	ConfigLevel   int
	UpstreamIndex int
	Upstream      model.Upstream
	// ResolvedModel is the fingerprint's model after applying this
	// upstream's model_mapping glob rewrite, or the fingerprint's original
	// model if no mapping matched.
	ResolvedModel string
}

// Option configures a Planner at construction time, functional-options
// style.
type Option func(*Planner)

// WithClock overrides the planner's time source; used by tests that need
// deterministic cooldown-based ordering.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// Planner resolves a RoutingPlan snapshot plus LBS state into an ordered
// candidate list.
type Planner struct {
	lbs       *lbs.LBS
	overrides *overrides.Store
	now       func() time.Time
}

// New builds a Planner backed by the given LBS and override store.
func New(l *lbs.LBS, store *overrides.Store, opts ...Option) *Planner {
	p := &Planner{lbs: l, overrides: store, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces the ordered candidate list for one request. Deterministic
// given (plan, the LBS snapshot taken during this call, fp, and the
// current override state) — see §8 property 5.
func (p *Planner) Plan(plan *model.RoutingPlan, fp Fingerprint) []Candidate {
	configs := p.scopedConfigs(plan, fp.SessionID)
	eligible := filterEligible(configs, plan.ActiveConfigName, fp.Model)
	buckets := groupByLevel(eligible, plan.ActiveConfigName)

	var candidates []Candidate
	for _, bucket := range buckets {
		for _, cfg := range bucket {
			expanded := p.expandUpstreams(cfg, fp.Model)
			sorted := p.cooldownSort(cfg.Name, expanded)
			sorted = applyUpstreamStrategy(sorted, plan.Retry.Upstream)
			candidates = append(candidates, sorted...)
		}
	}

	return p.truncate(candidates, plan.Retry)
}

// scopedConfigs resolves step 1: session pinned → global pinned → active +
// failover (all eligible configs).
func (p *Planner) scopedConfigs(plan *model.RoutingPlan, sessionID string) []*model.Config {
	if sessionID != "" {
		if pinned, ok := p.overrides.SessionPinnedConfig(sessionID); ok {
			if cfg, ok := plan.Configs[pinned]; ok {
				return []*model.Config{cfg}
			}
			return nil
		}
	}
	if pinned, ok := p.overrides.GlobalPinnedConfig(); ok {
		if cfg, ok := plan.Configs[pinned]; ok {
			return []*model.Config{cfg}
		}
		return nil
	}

	out := make([]*model.Config, 0, len(plan.Configs))
	for _, cfg := range plan.Configs {
		out = append(out, cfg)
	}
	// Stable, deterministic base order independent of Go's random map
	// iteration, required by §8 property 5.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// filterEligible implements step 2: enabled==true OR is the active config;
// supported_models glob, if present, must accept the request's model.
func filterEligible(configs []*model.Config, activeName, requestModel string) []*model.Config {
	out := make([]*model.Config, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled && cfg.Name != activeName {
			continue
		}
		if !matchesGlobList(cfg.SupportedModels, requestModel) {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// groupByLevel implements step 3: ascending level buckets; within a
// bucket, the active config first, then the rest in the stable order
// they arrived in.
func groupByLevel(configs []*model.Config, activeName string) [][]*model.Config {
	byLevel := map[int][]*model.Config{}
	levels := []int{}
	for _, cfg := range configs {
		if _, seen := byLevel[cfg.Level]; !seen {
			levels = append(levels, cfg.Level)
		}
		byLevel[cfg.Level] = append(byLevel[cfg.Level], cfg)
	}
	sort.Ints(levels)

	buckets := make([][]*model.Config, 0, len(levels))
	for _, lvl := range levels {
		bucket := byLevel[lvl]
		sort.SliceStable(bucket, func(i, j int) bool {
			iActive := bucket[i].Name == activeName
			jActive := bucket[j].Name == activeName
			if iActive != jActive {
				return iActive
			}
			return false
		})
		buckets = append(buckets, bucket)
	}
	return buckets
}

// expandUpstreams implements step 4: emit each config's upstreams in
// declared order, applying the model_mapping glob rewrite and dropping any
// upstream whose own supported_models rejects the resolved model.
func (p *Planner) expandUpstreams(cfg *model.Config, requestModel string) []Candidate {
	out := make([]Candidate, 0, len(cfg.Upstreams))
	for i, up := range cfg.Upstreams {
		resolved := applyModelMapping(up.ModelMapping, requestModel)
		if !matchesGlobList(up.SupportedModels, resolved) {
			continue
		}
		out = append(out, Candidate{
			ConfigName:    cfg.Name,
			ConfigLevel:   cfg.Level,
			UpstreamIndex: i,
			Upstream:      up,
			ResolvedModel: resolved,
		})
	}
	return out
}

// applyModelMapping returns the first matching glob pattern's replacement,
// trying patterns in sorted order for determinism (map iteration order is
// otherwise unspecified in Go).
func applyModelMapping(mapping map[string]string, requestModel string) string {
	if len(mapping) == 0 || requestModel == "" {
		return requestModel
	}
	patterns := make([]string, 0, len(mapping))
	for pat := range mapping {
		patterns = append(patterns, pat)
	}
	sort.Strings(patterns)
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, requestModel); ok {
			return mapping[pat]
		}
	}
	return requestModel
}

// matchesGlobList reports whether model matches any pattern in patterns.
// An empty/nil pattern list means "accept everything."
func matchesGlobList(patterns []string, modelName string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, modelName); ok {
			return true
		}
	}
	return false
}

// applyUpstreamStrategy implements the upstream.strategy knob from §4.4:
// "same_upstream" biases the engine to retry the single best-ranked
// upstream within a config upstream.max_attempts times before the
// provider layer ever fails over; "round_robin" (and any other value)
// leaves the cooldown-sorted, one-candidate-per-upstream order as is, so
// consecutive attempts within a config move to the next declared upstream
// immediately.
func applyUpstreamStrategy(candidates []Candidate, policy model.RetryLayerPolicy) []Candidate {
	if policy.Strategy != "same_upstream" || len(candidates) == 0 {
		return candidates
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	best := candidates[0]
	out := make([]Candidate, attempts)
	for i := range out {
		out[i] = best
	}
	return out
}

// cooldownSort implements step 5: hot candidates before cooling ones;
// cooling candidates ordered by earliest cooldown_until; usage_exhausted
// demotes below same-tier non-exhausted candidates.
func (p *Planner) cooldownSort(configName string, candidates []Candidate) []Candidate {
	now := p.now()
	type ranked struct {
		cand   Candidate
		state  lbs.State
		origin int
	}
	rs := make([]ranked, len(candidates))
	for i, c := range candidates {
		st := p.lbs.Snapshot(lbs.Key{ConfigName: configName, UpstreamIndex: c.UpstreamIndex})
		rs[i] = ranked{cand: c, state: st, origin: i}
	}

	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		aHot, bHot := a.state.IsHot(now), b.state.IsHot(now)
		if a.state.UsageExhausted != b.state.UsageExhausted {
			return !a.state.UsageExhausted
		}
		if aHot != bHot {
			return aHot
		}
		if !aHot && !bHot {
			return a.state.CooldownUntil.Before(b.state.CooldownUntil)
		}
		return a.origin < b.origin
	})

	out := make([]Candidate, len(rs))
	for i, r := range rs {
		out[i] = r.cand
	}
	return out
}

// truncate implements step 6: cap each config's upstream slots at
// upstream.max_attempts, and cap the total number of distinct configs
// represented at provider.max_attempts. A missing or zero cap defaults to
// 1, never to "unlimited" — retry.attempts must stay bounded by
// upstream.max_attempts * provider.max_attempts regardless of how the
// policy was assembled.
func (p *Planner) truncate(candidates []Candidate, retry model.RetryPolicy) []Candidate {
	upstreamCap := retry.Upstream.MaxAttempts
	if upstreamCap <= 0 {
		upstreamCap = 1
	}
	providerCap := retry.Provider.MaxAttempts
	if providerCap <= 0 {
		providerCap = 1
	}

	var out []Candidate
	perConfigCount := map[string]int{}
	configOrder := []string{}
	configSeen := map[string]bool{}

	for _, c := range candidates {
		if !configSeen[c.ConfigName] {
			if len(configOrder) >= providerCap {
				continue
			}
			configSeen[c.ConfigName] = true
			configOrder = append(configOrder, c.ConfigName)
		}
		if perConfigCount[c.ConfigName] >= upstreamCap {
			continue
		}
		perConfigCount[c.ConfigName]++
		out = append(out, c)
	}
	return out
}
