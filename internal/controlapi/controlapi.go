// Package controlapi implements the Local Control API (§4.6): a tiny
// loopback HTTP surface under /__codex_helper/ for read-only snapshots,
// override mutation, and routing-plan reload.
//
// Grounded on core/agent.go's BaseAgent capability-listing endpoints
// (/api/capabilities, /health) for the JSON-snapshot handler shape —
// http.ServeMux route registration, json.NewEncoder(w).Encode per handler —
// and on core.Config's functional-option pattern for the mutation handlers'
// validate-then-apply shape.
package controlapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Latias94/codex-helper/internal/lbs"
	"github.com/Latias94/codex-helper/internal/logx"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/overrides"
	"github.com/Latias94/codex-helper/internal/telemetry"
)

const basePath = "/__codex_helper"

// Version is the Control API's own protocol version, independent of the
// proxy binary's release version.
const Version = "1.0"

// Dependencies bundles everything the Control API reads or mutates.
type Dependencies struct {
	Plan      *model.PlanHolder
	Overrides *overrides.Store
	LBS       *lbs.LBS
	Active    *telemetry.ActiveTracker
	Recent    *telemetry.RecentBuffer

	// Reload re-reads the routing plan's backing file (or other source)
	// and returns a freshly-parsed snapshot. POST /config/reload installs
	// the result atomically via Plan.Store.
	Reload func() (*model.RoutingPlan, error)

	Logger      logx.Logger
	ServiceName string
}

// Handler serves the Control API.
type Handler struct {
	deps Dependencies
	mux  *http.ServeMux
}

// NewHandler builds a Handler with all routes registered.
func NewHandler(deps Dependencies) *Handler {
	if deps.Logger == nil {
		deps.Logger = logx.NoOpLogger{}
	}
	if deps.Active == nil {
		deps.Active = telemetry.NewActiveTracker()
	}
	if deps.Recent == nil {
		deps.Recent = telemetry.NewRecentBuffer(256)
	}
	h := &Handler{deps: deps, mux: http.NewServeMux()}
	h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	h.mux.HandleFunc(basePath+"/status/active", h.handleStatusActive)
	h.mux.HandleFunc(basePath+"/status/recent", h.handleStatusRecent)
	h.mux.HandleFunc(basePath+"/api/v1/snapshot", h.handleSnapshot)
	h.mux.HandleFunc(basePath+"/api/v1/configs", h.handleConfigs)
	h.mux.HandleFunc(basePath+"/config/runtime", h.handleConfigRuntime)
	h.mux.HandleFunc(basePath+"/config/reload", h.handleConfigReload)
	h.mux.HandleFunc(basePath+"/api/v1/overrides/session/effort", h.handleSessionEffort)
	h.mux.HandleFunc(basePath+"/api/v1/overrides/session/config", h.handleSessionConfig)
	h.mux.HandleFunc(basePath+"/api/v1/overrides/global-config", h.handleGlobalConfig)
	h.mux.HandleFunc(basePath+"/api/v1/capabilities", h.handleCapabilities)
}

func writeJSON(w http.ResponseWriter, logger logx.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("controlapi: failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, logger logx.Logger, status int, code, message string) {
	writeJSON(w, logger, status, map[string]string{"error": code, "message": message})
}

func (h *Handler) handleStatusActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
		"active": h.deps.Active.Snapshot(),
	})
}

func (h *Handler) handleStatusRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
		"recent": h.deps.Recent.Last(limit),
	})
}

// upstreamHealth is one upstream's health row in the aggregated snapshot.
type upstreamHealth struct {
	ConfigName          string `json:"config_name"`
	UpstreamIndex       int    `json:"upstream_index"`
	UpstreamName        string `json:"upstream_name"`
	Hot                 bool   `json:"hot"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	UsageExhausted      bool   `json:"usage_exhausted"`
	LastErrorClass      string `json:"last_error_class,omitempty"`
}

// configSummary is one config's contribution to the aggregated snapshot.
type configSummary struct {
	Name      string           `json:"name"`
	Level     int              `json:"level"`
	Enabled   bool             `json:"enabled"`
	Active    bool             `json:"active"`
	Upstreams []upstreamHealth `json:"upstreams"`
}

// handleSnapshot fans the per-config summarization out across configs
// concurrently, since each summary only reads that config's own upstreams
// from the LBS and shares no mutable state with its siblings.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	plan := h.deps.Plan.Load()
	names := make([]string, 0, len(plan.Configs))
	for name := range plan.Configs {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]configSummary, len(names))
	g, _ := errgroup.WithContext(r.Context())
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			summaries[i] = h.summarizeConfig(plan.Configs[name])
			return nil
		})
	}
	_ = g.Wait() // summarizeConfig never errors; Wait only orders completion

	writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
		"version":            plan.Version,
		"active_config_name": plan.ActiveConfigName,
		"configs":            summaries,
		"active_requests":    len(h.deps.Active.Snapshot()),
	})
}

func (h *Handler) summarizeConfig(cfg *model.Config) configSummary {
	sum := configSummary{Name: cfg.Name, Level: cfg.Level, Enabled: cfg.Enabled, Active: cfg.Active}
	for i, up := range cfg.Upstreams {
		key := lbs.Key{ConfigName: cfg.Name, UpstreamIndex: i}
		st := h.deps.LBS.Snapshot(key)
		sum.Upstreams = append(sum.Upstreams, upstreamHealth{
			ConfigName:          cfg.Name,
			UpstreamIndex:       i,
			UpstreamName:        up.Name,
			Hot:                 st.IsHot(time.Now()),
			ConsecutiveFailures: st.ConsecutiveFailures,
			UsageExhausted:      st.UsageExhausted,
			LastErrorClass:      string(st.LastErrorClass),
		})
	}
	return sum
}

func (h *Handler) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	plan := h.deps.Plan.Load()
	writeJSON(w, h.deps.Logger, http.StatusOK, plan.Configs)
}

func (h *Handler) handleConfigRuntime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	writeJSON(w, h.deps.Logger, http.StatusOK, h.deps.Plan.Load())
}

func (h *Handler) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	if h.deps.Reload == nil {
		writeError(w, h.deps.Logger, http.StatusNotImplemented, "reload_unsupported", "no reload source configured")
		return
	}
	newPlan, err := h.deps.Reload()
	if err != nil {
		writeError(w, h.deps.Logger, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	h.deps.Plan.Store(newPlan)
	writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  newPlan.Version,
	})
}

type effortRequest struct {
	SessionID string `json:"session_id"`
	Effort    string `json:"effort"`
}

func (h *Handler) handleSessionEffort(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessionID := r.URL.Query().Get("session_id")
		writeJSON(w, h.deps.Logger, http.StatusOK, h.deps.Overrides.SessionSnapshot(sessionID))
	case http.MethodPost:
		var req effortRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeError(w, h.deps.Logger, http.StatusBadRequest, "invalid_body", "session_id and effort are required")
			return
		}
		if err := h.deps.Overrides.SetSessionEffort(req.SessionID, overrides.Effort(req.Effort)); err != nil {
			writeError(w, h.deps.Logger, http.StatusBadRequest, "invalid_override", err.Error())
			return
		}
		writeJSON(w, h.deps.Logger, http.StatusOK, h.deps.Overrides.SessionSnapshot(req.SessionID))
	default:
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST only")
	}
}

type sessionConfigRequest struct {
	SessionID string `json:"session_id"`
	Config    string `json:"config"`
}

func (h *Handler) handleSessionConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessionID := r.URL.Query().Get("session_id")
		writeJSON(w, h.deps.Logger, http.StatusOK, h.deps.Overrides.SessionSnapshot(sessionID))
	case http.MethodPost:
		var req sessionConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeError(w, h.deps.Logger, http.StatusBadRequest, "invalid_body", "session_id is required")
			return
		}
		h.deps.Overrides.SetSessionPinnedConfig(req.SessionID, req.Config)
		writeJSON(w, h.deps.Logger, http.StatusOK, h.deps.Overrides.SessionSnapshot(req.SessionID))
	default:
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST only")
	}
}

type globalConfigRequest struct {
	Config string `json:"config"`
}

func (h *Handler) handleGlobalConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		configName, ok := h.deps.Overrides.GlobalPinnedConfig()
		writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
			"config": configName,
			"set":    ok,
		})
	case http.MethodPost:
		var req globalConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, h.deps.Logger, http.StatusBadRequest, "invalid_body", "malformed JSON body")
			return
		}
		h.deps.Overrides.SetGlobalPinnedConfig(req.Config)
		configName, ok := h.deps.Overrides.GlobalPinnedConfig()
		writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
			"config": configName,
			"set":    ok,
		})
	default:
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST only")
	}
}

func (h *Handler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.deps.Logger, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{
		"service":             h.deps.ServiceName,
		"control_api_version": Version,
		"endpoints": []string{
			"/status/active", "/status/recent", "/api/v1/snapshot", "/api/v1/configs",
			"/config/runtime", "/config/reload", "/api/v1/overrides/session/effort",
			"/api/v1/overrides/session/config", "/api/v1/overrides/global-config",
			"/api/v1/capabilities",
		},
	})
}
