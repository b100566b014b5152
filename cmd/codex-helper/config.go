// Bootstrap YAML loading: plain struct-per-concern DTOs with one tag style
// and functional defaults applied after unmarshal, using gopkg.in/yaml.v3
// tags since this file is parsed from disk rather than from the
// environment.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Latias94/codex-helper/internal/model"
)

type bootstrapFile struct {
	ActiveConfig string                   `yaml:"active_config"`
	Configs      map[string]bootstrapCfg  `yaml:"configs"`
	Retry        bootstrapRetry           `yaml:"retry"`
	Server       bootstrapServer          `yaml:"server"`
	Logging      bootstrapLogging         `yaml:"logging"`
	Telemetry    bootstrapTelemetry       `yaml:"telemetry"`
	FilterRules  string                   `yaml:"filter_rules_path"`
	RequestLog   string                   `yaml:"request_log_path"`
	RetryLog     string                   `yaml:"retry_trace_log_path"`
}

type bootstrapCfg struct {
	Level           int                `yaml:"level"`
	Enabled         bool               `yaml:"enabled"`
	Alias           string             `yaml:"alias"`
	SupportedModels []string           `yaml:"supported_models"`
	Upstreams       []bootstrapUpstream `yaml:"upstreams"`
}

type bootstrapUpstream struct {
	Name            string            `yaml:"name"`
	BaseURL         string            `yaml:"base_url"`
	AuthKind        string            `yaml:"auth_kind"` // inline | env | client-passthrough
	AuthInlineToken string            `yaml:"auth_inline_token"`
	AuthEnvVar      string            `yaml:"auth_env_var"`
	HeaderStyle     string            `yaml:"header_style"` // bearer | x-api-key
	Tags            []string          `yaml:"tags"`
	SupportedModels []string          `yaml:"supported_models"`
	ModelMapping    map[string]string `yaml:"model_mapping"`
}

type bootstrapLayerPolicy struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	Strategy     string   `yaml:"strategy"`
	BackoffMs    int      `yaml:"backoff_ms"`
	BackoffMaxMs int      `yaml:"backoff_max_ms"`
	JitterMs     int      `yaml:"jitter_ms"`
	OnStatus     string   `yaml:"on_status"`
	OnClass      []string `yaml:"on_class"`
}

type bootstrapRetry struct {
	Profile       string               `yaml:"profile"`
	Upstream      bootstrapLayerPolicy `yaml:"upstream"`
	Provider      bootstrapLayerPolicy `yaml:"provider"`
	NeverOnStatus string               `yaml:"never_on_status"`
	NeverOnClass  []string             `yaml:"never_on_class"`

	CooldownCloudflareChallengeSecs int     `yaml:"cooldown_cloudflare_challenge_secs"`
	CooldownCloudflareTimeoutSecs   int     `yaml:"cooldown_cloudflare_timeout_secs"`
	CooldownTransportSecs           int     `yaml:"cooldown_transport_secs"`
	CooldownBackoffFactor           float64 `yaml:"cooldown_backoff_factor"`
	CooldownBackoffMaxSecs          int     `yaml:"cooldown_backoff_max_secs"`
}

type bootstrapServer struct {
	ListenAddr        string `yaml:"listen_addr"`
	ControlListenAddr string `yaml:"control_listen_addr"`
	AttemptTimeoutMs  int    `yaml:"attempt_timeout_ms"`
	DebugEnabled      bool   `yaml:"debug_enabled"`
}

type bootstrapLogging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type bootstrapTelemetry struct {
	Mode         string `yaml:"mode"` // dev | otlp | disabled
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// loadBootstrap reads and parses path into a bootstrapFile.
func loadBootstrap(path string) (*bootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file %s: %w", path, err)
	}
	var bf bootstrapFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parsing bootstrap file %s: %w", path, err)
	}
	return &bf, nil
}

// toRoutingPlan converts the parsed YAML into the runtime model.RoutingPlan,
// version-stamped by the caller (a reload increments it only when the
// parsed content changed).
func (bf *bootstrapFile) toRoutingPlan(version uint64) *model.RoutingPlan {
	configs := make(map[string]*model.Config, len(bf.Configs))
	for name, c := range bf.Configs {
		cfg := &model.Config{
			Name:            name,
			Level:           c.Level,
			Enabled:         c.Enabled,
			Active:          name == bf.ActiveConfig,
			Alias:           c.Alias,
			SupportedModels: c.SupportedModels,
			Upstreams:       make([]model.Upstream, 0, len(c.Upstreams)),
		}
		for _, u := range c.Upstreams {
			cfg.Upstreams = append(cfg.Upstreams, model.Upstream{
				Name:            u.Name,
				BaseURL:         u.BaseURL,
				Auth:            toAuthSource(u),
				HeaderStyle:     toHeaderStyle(u.HeaderStyle),
				Tags:            u.Tags,
				SupportedModels: u.SupportedModels,
				ModelMapping:    u.ModelMapping,
			})
		}
		configs[name] = cfg
	}

	return &model.RoutingPlan{
		Configs:          configs,
		ActiveConfigName: bf.ActiveConfig,
		Retry:            bf.Retry.toRetryPolicy(),
		Version:          version,
	}
}

// routingPlanContentEqual reports whether a and b describe the same
// routing plan, ignoring Version — so a reload of an unchanged file never
// bumps it. Marshaled JSON comparison rather than reflect.DeepEqual
// because encoding/json sorts map keys, giving a stable byte order for
// the Configs map regardless of Go's randomized map iteration.
func routingPlanContentEqual(a, b *model.RoutingPlan) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := *a, *b
	ac.Version, bc.Version = 0, 0
	aj, errA := json.Marshal(ac)
	bj, errB := json.Marshal(bc)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func toAuthSource(u bootstrapUpstream) model.AuthSource {
	switch u.AuthKind {
	case string(model.AuthInline):
		return model.AuthSource{Kind: model.AuthInline, InlineToken: u.AuthInlineToken}
	case string(model.AuthEnv):
		return model.AuthSource{Kind: model.AuthEnv, EnvVar: u.AuthEnvVar}
	default:
		return model.AuthSource{Kind: model.AuthClientPassthrough}
	}
}

func toHeaderStyle(s string) model.AuthHeaderStyle {
	if s == string(model.AuthHeaderXAPIKey) {
		return model.AuthHeaderXAPIKey
	}
	return model.AuthHeaderBearer
}

// toRetryPolicy converts the parsed YAML block into a model.RetryPolicy,
// then prefills every field the file left zero-valued from the named
// profile's defaults (model.RetryPolicy.ApplyProfile) — "a profile
// pre-fills defaults; explicit fields override them."
func (r bootstrapRetry) toRetryPolicy() model.RetryPolicy {
	policy := model.RetryPolicy{
		Profile:                         r.Profile,
		Upstream:                        r.Upstream.toLayerPolicy(),
		Provider:                        r.Provider.toLayerPolicy(),
		NeverOnStatus:                   r.NeverOnStatus,
		NeverOnClass:                    toErrorClasses(r.NeverOnClass),
		CooldownCloudflareChallengeSecs: r.CooldownCloudflareChallengeSecs,
		CooldownCloudflareTimeoutSecs:   r.CooldownCloudflareTimeoutSecs,
		CooldownTransportSecs:           r.CooldownTransportSecs,
		CooldownBackoffFactor:           r.CooldownBackoffFactor,
		CooldownBackoffMaxSecs:          r.CooldownBackoffMaxSecs,
	}
	return policy.ApplyProfile()
}

func (p bootstrapLayerPolicy) toLayerPolicy() model.RetryLayerPolicy {
	return model.RetryLayerPolicy{
		MaxAttempts:  p.MaxAttempts,
		Strategy:     p.Strategy,
		BackoffMs:    p.BackoffMs,
		BackoffMaxMs: p.BackoffMaxMs,
		JitterMs:     p.JitterMs,
		OnStatus:     p.OnStatus,
		OnClass:      toErrorClasses(p.OnClass),
	}
}

func toErrorClasses(ss []string) []model.ErrorClass {
	if len(ss) == 0 {
		return nil
	}
	out := make([]model.ErrorClass, len(ss))
	for i, s := range ss {
		out[i] = model.ErrorClass(s)
	}
	return out
}
