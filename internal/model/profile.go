package model

// ProfileBalanced and friends name the four built-in [retry] profiles from
// the configuration grammar. An unrecognized or empty profile name falls
// back to ProfileBalanced.
const (
	ProfileBalanced           = "balanced"
	ProfileSameUpstream       = "same-upstream"
	ProfileAggressiveFailover = "aggressive-failover"
	ProfileCostPrimary        = "cost-primary"
)

var defaultOnStatus = "429,500-599,524"
var defaultOnClass = []ErrorClass{ClassCloudflareChallenge, ClassCloudflareTimeout}
var defaultNeverOnStatus = "400,413,415,422"

// ProfileDefaults returns the zero-value prefill for a named [retry]
// profile: the policy a bare `profile: xxx` line expands to before any
// explicit field in the bootstrap file overrides a piece of it.
func ProfileDefaults(profile string) RetryPolicy {
	switch profile {
	case ProfileSameUpstream:
		return sameUpstreamDefaults()
	case ProfileAggressiveFailover:
		return aggressiveFailoverDefaults()
	case ProfileCostPrimary:
		return costPrimaryDefaults()
	default:
		return balancedDefaults()
	}
}

// ApplyProfile fills every zero-valued field of r from its named profile's
// prefill, leaving fields the bootstrap file set explicitly untouched. This
// is the "a profile pre-fills defaults; explicit fields override them"
// rule; it runs once, right after a bootstrap file is parsed, so the
// Planner and Retry Engine only ever see a fully-populated policy.
func (r RetryPolicy) ApplyProfile() RetryPolicy {
	profile := r.Profile
	if profile == "" {
		profile = ProfileBalanced
	}
	base := ProfileDefaults(profile)

	out := r
	out.Profile = profile
	out.Upstream = mergeLayerPolicy(r.Upstream, base.Upstream)
	out.Provider = mergeLayerPolicy(r.Provider, base.Provider)
	if out.NeverOnStatus == "" {
		out.NeverOnStatus = base.NeverOnStatus
	}
	if len(out.NeverOnClass) == 0 {
		out.NeverOnClass = base.NeverOnClass
	}
	if out.CooldownCloudflareChallengeSecs == 0 {
		out.CooldownCloudflareChallengeSecs = base.CooldownCloudflareChallengeSecs
	}
	if out.CooldownCloudflareTimeoutSecs == 0 {
		out.CooldownCloudflareTimeoutSecs = base.CooldownCloudflareTimeoutSecs
	}
	if out.CooldownTransportSecs == 0 {
		out.CooldownTransportSecs = base.CooldownTransportSecs
	}
	if out.CooldownBackoffFactor == 0 {
		out.CooldownBackoffFactor = base.CooldownBackoffFactor
	}
	if out.CooldownBackoffMaxSecs == 0 {
		out.CooldownBackoffMaxSecs = base.CooldownBackoffMaxSecs
	}
	return out
}

func mergeLayerPolicy(explicit, base RetryLayerPolicy) RetryLayerPolicy {
	out := explicit
	if out.MaxAttempts == 0 {
		out.MaxAttempts = base.MaxAttempts
	}
	if out.Strategy == "" {
		out.Strategy = base.Strategy
	}
	if out.BackoffMs == 0 {
		out.BackoffMs = base.BackoffMs
	}
	if out.BackoffMaxMs == 0 {
		out.BackoffMaxMs = base.BackoffMaxMs
	}
	if out.JitterMs == 0 {
		out.JitterMs = base.JitterMs
	}
	if out.OnStatus == "" {
		out.OnStatus = base.OnStatus
	}
	if len(out.OnClass) == 0 {
		out.OnClass = base.OnClass
	}
	return out
}

// balancedDefaults is the conservative, failover-capable default: two
// attempts per layer, same-upstream bias before rotating.
func balancedDefaults() RetryPolicy {
	return RetryPolicy{
		Profile: ProfileBalanced,
		Upstream: RetryLayerPolicy{
			MaxAttempts: 2, Strategy: "same_upstream",
			BackoffMs: 200, BackoffMaxMs: 2000, JitterMs: 100,
			OnStatus: defaultOnStatus, OnClass: defaultOnClass,
		},
		Provider: RetryLayerPolicy{
			MaxAttempts: 2, Strategy: "failover",
			OnStatus: "401,403,429,500-599,524",
			OnClass: []ErrorClass{
				ClassAuthRouting, ClassRateLimited, ClassServerError,
				ClassUpstreamTransport, ClassCloudflareChallenge, ClassCloudflareTimeout,
			},
		},
		NeverOnStatus:                   defaultNeverOnStatus,
		CooldownCloudflareChallengeSecs: 300,
		CooldownCloudflareTimeoutSecs:   60,
		CooldownTransportSecs:           30,
		CooldownBackoffFactor:           2,
		CooldownBackoffMaxSecs:          600,
	}
}

// sameUpstreamDefaults biases hard toward retrying the same upstream
// (strategy: same_upstream, a higher upstream.max_attempts) and disables
// cross-config failover by capping provider.max_attempts at 1.
func sameUpstreamDefaults() RetryPolicy {
	d := balancedDefaults()
	d.Profile = ProfileSameUpstream
	d.Upstream.MaxAttempts = 4
	d.Upstream.BackoffMs = 250
	d.Upstream.BackoffMaxMs = 4000
	d.Upstream.JitterMs = 150
	d.Provider.MaxAttempts = 1
	return d
}

// aggressiveFailoverDefaults rotates to the next config immediately: one
// attempt per config (its best-ranked upstream), no backoff, up to four
// configs tried.
func aggressiveFailoverDefaults() RetryPolicy {
	d := balancedDefaults()
	d.Profile = ProfileAggressiveFailover
	d.Upstream.MaxAttempts = 1
	d.Upstream.Strategy = "round_robin"
	d.Upstream.BackoffMs = 0
	d.Upstream.BackoffMaxMs = 0
	d.Upstream.JitterMs = 0
	d.Provider.MaxAttempts = 4
	return d
}

// costPrimaryDefaults favors the cheapest (lowest-level, "primary")
// config and probes back once its cooldown elapses rather than sticking
// with whatever config took over: a single attempt at the primary, then
// failover, with a longer upstream_transport_error/server_error cooldown
// base (60s, doubling to 120s on a second consecutive failure at
// cooldown_backoff_factor 2) so the primary stays benched long enough for
// a real outage to pass but probes back on the very next plan after that.
func costPrimaryDefaults() RetryPolicy {
	d := balancedDefaults()
	d.Profile = ProfileCostPrimary
	d.Upstream.MaxAttempts = 1
	d.Upstream.BackoffMs = 0
	d.Provider.MaxAttempts = 2
	d.CooldownTransportSecs = 60
	return d
}
