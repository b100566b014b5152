// Package model holds the shared data types that every other package in
// this module builds on: upstreams, provider-bundle configs, the immutable
// routing plan snapshot, retry policy, and the telemetry records emitted
// once per finished request.
package model

import (
	"sync/atomic"
	"time"
)

// ErrorClass tags an upstream response (or transport event) for retry
// decisions. It is the single source of truth shared by the classifier,
// the load-balancer state, and the retry engine.
type ErrorClass string

const (
	ClassOK                  ErrorClass = "ok"
	ClassClientNonRetryable  ErrorClass = "client_error_non_retryable"
	ClassAuthRouting         ErrorClass = "auth_routing"
	ClassRateLimited         ErrorClass = "rate_limited"
	ClassServerError         ErrorClass = "server_error"
	ClassCloudflareChallenge ErrorClass = "cloudflare_challenge"
	ClassCloudflareTimeout   ErrorClass = "cloudflare_timeout"
	ClassUpstreamTransport   ErrorClass = "upstream_transport_error"
)

// AuthKind identifies where an upstream's credential comes from.
type AuthKind string

const (
	AuthInline           AuthKind = "inline"
	AuthEnv              AuthKind = "env"
	AuthClientPassthrough AuthKind = "client-passthrough"
)

// AuthHeaderStyle controls how a resolved credential is rendered onto the
// outbound request.
type AuthHeaderStyle string

const (
	AuthHeaderBearer  AuthHeaderStyle = "bearer"
	AuthHeaderXAPIKey AuthHeaderStyle = "x-api-key"
)

// AuthSource describes how to resolve an upstream's credential without
// ever storing the secret value itself anywhere but here and, transiently,
// in an outbound request header.
type AuthSource struct {
	Kind        AuthKind
	InlineToken string // only set when Kind == AuthInline
	EnvVar      string // only set when Kind == AuthEnv
}

// Origin returns the non-secret provenance string recorded in
// http_debug.auth_resolution: "inline", "env:<NAME>", or
// "client-passthrough".
func (a AuthSource) Origin() string {
	switch a.Kind {
	case AuthInline:
		return "inline"
	case AuthEnv:
		return "env:" + a.EnvVar
	default:
		return string(AuthClientPassthrough)
	}
}

// Upstream is one remote HTTP endpoint with its own auth and base URL.
type Upstream struct {
	Name            string
	BaseURL         string
	Auth            AuthSource
	HeaderStyle     AuthHeaderStyle // defaults to AuthHeaderBearer when empty
	Tags            []string
	SupportedModels []string          // glob patterns; nil/empty means "all models"
	ModelMapping    map[string]string // glob pattern -> replacement model name
}

// Config is a named, ordered list of upstreams sharing routing/retry
// properties (a "provider bundle").
type Config struct {
	Name            string
	Level           int // 1..10, lower is preferred
	Enabled         bool
	Active          bool
	Alias           string
	Upstreams       []Upstream
	SupportedModels []string // glob patterns; nil/empty means "all models"
}

// RetryLayerPolicy configures one retry layer (upstream or provider).
type RetryLayerPolicy struct {
	MaxAttempts  int
	Strategy     string // "same_upstream" | "round_robin" for upstream; "failover" for provider
	BackoffMs    int
	BackoffMaxMs int
	JitterMs     int
	OnStatus     string // comma/range syntax, e.g. "429,500-599,524"
	OnClass      []ErrorClass
}

// RetryPolicy is the full [retry] configuration block.
type RetryPolicy struct {
	Profile  string // balanced | same-upstream | aggressive-failover | cost-primary
	Upstream RetryLayerPolicy
	Provider RetryLayerPolicy

	NeverOnStatus string // guardrail, same syntax as OnStatus
	NeverOnClass  []ErrorClass

	CooldownCloudflareChallengeSecs int
	CooldownCloudflareTimeoutSecs   int
	CooldownTransportSecs           int
	CooldownBackoffFactor           float64
	CooldownBackoffMaxSecs          int
}

// RoutingPlan is the immutable snapshot captured on each reload. A single
// reload atomically swaps the plan; in-flight requests continue with the
// plan they started with.
type RoutingPlan struct {
	Configs          map[string]*Config
	ActiveConfigName string
	Retry            RetryPolicy

	// Version increases only when a reload's parsed content actually
	// differs from the plan it replaces, so GET /config/runtime returns a
	// byte-identical body across a reload of an unchanged file.
	Version uint64
}

// ActiveConfig returns the plan's active config, or nil if none is marked.
func (p *RoutingPlan) ActiveConfig() *Config {
	if p == nil {
		return nil
	}
	return p.Configs[p.ActiveConfigName]
}

// TokenUsage is the best-effort parsed usage block for a finished request.
type TokenUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	TotalTokens     int `json:"total_tokens"`
}

// RetryTrace summarizes the attempts made for a request whose chain length
// exceeded one.
type RetryTrace struct {
	Attempts      int      `json:"attempts"`
	UpstreamChain []string `json:"upstream_chain"` // "config→upstream" per attempt
}

// FinishedRequest is emitted once per client request, win or lose.
type FinishedRequest struct {
	RequestID       string                 `json:"request_id,omitempty"`
	TimestampMs     int64                  `json:"timestamp_ms"`
	Service         string                 `json:"service"`
	Method          string                 `json:"method"`
	Path            string                 `json:"path"`
	StatusCode      int                    `json:"status_code"`
	DurationMs      int64                  `json:"duration_ms"`
	TTFBMs          *int64                 `json:"ttfb_ms,omitempty"`
	ConfigName      string                 `json:"config_name"`
	UpstreamBaseURL string                 `json:"upstream_base_url"`
	Usage           *TokenUsage            `json:"usage,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	CWD             string                 `json:"cwd,omitempty"`
	ReasoningEffort string                 `json:"reasoning_effort,omitempty"`
	Retry           *RetryTrace            `json:"retry,omitempty"`
	HTTPDebug       map[string]interface{} `json:"http_debug,omitempty"`
}

// Now is overridable in tests; production code always uses time.Now.
var Now = time.Now

// PlanHolder is the reference-counted-by-GC holder for the current
// RoutingPlan snapshot (Design Note: "Atomic plan swap"). Readers call
// Load once per request and keep that pointer for the request's whole
// lifetime; a reload installs a brand-new snapshot with Store without
// disturbing requests already in flight.
type PlanHolder struct {
	ptr atomic.Pointer[RoutingPlan]
}

// NewPlanHolder returns a holder pre-loaded with initial.
func NewPlanHolder(initial *RoutingPlan) *PlanHolder {
	h := &PlanHolder{}
	h.ptr.Store(initial)
	return h
}

// Load returns the current snapshot. Safe for concurrent use.
func (h *PlanHolder) Load() *RoutingPlan {
	return h.ptr.Load()
}

// Store atomically installs plan as the current snapshot.
func (h *PlanHolder) Store(plan *RoutingPlan) {
	h.ptr.Store(plan)
}

// RetryTraceRecord is one line of the optional retry-trace log (§4.7).
type RetryTraceRecord struct {
	TimestampMs     int64      `json:"timestamp_ms"`
	SessionID       string     `json:"session_id,omitempty"`
	ConfigName      string     `json:"config_name"`
	UpstreamBaseURL string     `json:"upstream_base_url"`
	Layer           string     `json:"layer"` // "upstream" | "provider"
	AttemptIndex    int        `json:"attempt_index"`
	StatusCode      *int       `json:"status_code,omitempty"`
	ErrorClass      ErrorClass `json:"error_class"`
	Retryable       bool       `json:"retryable"`
	Reason          string     `json:"reason"`
	BackoffMsNext   *int64     `json:"backoff_ms_next,omitempty"`
}
