// Package proxy implements the Proxy Handler (§4.5): per-request body
// filtering, fingerprint extraction, effort-override application, auth
// resolution, URL joining, hop-by-hop header stripping, driving the Retry
// Engine, and the commit-point state machine that governs when response
// bytes become irrevocably the client's.
//
// Grounded on core/agent.go's BaseAgent.Start (server assembly, middleware
// ordering) and core/middleware.go's status-capturing response wrapper,
// the latter replaced here by internal/httpmw's httpsnoop-based
// CommitWriter.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Latias94/codex-helper/internal/classify"
	"github.com/Latias94/codex-helper/internal/ferrors"
	"github.com/Latias94/codex-helper/internal/filterrules"
	"github.com/Latias94/codex-helper/internal/httpmw"
	"github.com/Latias94/codex-helper/internal/logx"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/overrides"
	"github.com/Latias94/codex-helper/internal/planner"
	"github.com/Latias94/codex-helper/internal/retry"
	"github.com/Latias94/codex-helper/internal/telemetry"
)

// maxRequestBody bounds how much of the client's request body is buffered
// before forwarding, per §5's "no more than one full request body" budget.
const maxRequestBody = 16 * 1024 * 1024

// Dependencies bundles everything the Handler needs; all fields are
// required except where noted.
type Dependencies struct {
	Plan      *model.PlanHolder
	Planner   *planner.Planner
	Engine    *retry.Engine
	Overrides *overrides.Store
	Filters   *filterrules.Engine // nil disables body filtering
	Sink      *telemetry.Sink     // nil disables the finished-request log
	TraceSink *telemetry.RetryTraceSink // nil disables the retry-trace log
	Active    *telemetry.ActiveTracker  // nil disables in-flight tracking
	Recent    *telemetry.RecentBuffer   // nil disables the status/recent ring buffer

	Logger      logx.Logger
	Telemetry   *telemetry.Provider
	HTTPClient  *http.Client
	ServiceName string

	AttemptTimeout time.Duration
	DebugEnabled   bool
}

// Handler is the top-level http.Handler for proxied requests.
type Handler struct {
	deps Dependencies
}

// NewHandler builds a Handler, filling safe defaults for optional fields.
func NewHandler(deps Dependencies) *Handler {
	if deps.Logger == nil {
		deps.Logger = logx.NoOpLogger{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NoopProvider()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if deps.AttemptTimeout <= 0 {
		deps.AttemptTimeout = 60 * time.Second
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "codex-helper"
	}
	return &Handler{deps: deps}
}

// rawResponse is the buffered status/headers/body of the most recent
// non-2xx attempt, kept around so a final (non-retryable or exhausted)
// outcome can be surfaced to the client per §7.
type rawResponse struct {
	status int
	header http.Header
	body   []byte
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	requestID := uuid.NewString()
	w.Header().Set("X-Codex-Helper-Request-Id", requestID)

	body, err := readBodyCapped(r)
	if err != nil {
		http.Error(w, `{"error":"proxy_bad_request"}`, http.StatusBadRequest)
		return
	}

	if h.deps.Filters != nil {
		body = h.deps.Filters.Apply(body)
	}

	fp := extractFingerprint(r, body)
	if effort, ok := h.deps.Overrides.SessionEffort(fp.SessionID); ok && effort != overrides.EffortCleared {
		body = applyEffortOverride(body, string(effort))
		fp.ReasoningEffort = string(effort)
	}

	if h.deps.Active != nil {
		h.deps.Active.Start(requestID, fp.SessionID, r.Method, r.URL.Path, start)
		defer h.deps.Active.Finish(requestID)
	}

	plan := h.deps.Plan.Load()
	candidates := h.deps.Planner.Plan(plan, fingerprintToPlannerInput(fp))

	if len(candidates) == 0 {
		writeUpstreamUnavailable(w, rawResponse{}, "no_candidates")
		h.emitFinishedWithDebug(r, requestID, fp, start, nil, model.RetryTrace{}, http.StatusBadGateway, "", "", "")
		return
	}

	cw := httpmw.Wrap(w)
	clientAuth := r.Header.Get("Authorization")

	var ttfbMs int64 = -1
	var lastRaw rawResponse
	var authOrigin string
	crossedConfigs := false

	attemptFn := func(attemptCtx context.Context, cand planner.Candidate, attemptIndex int) (retry.Outcome, error) {
		if cand.ConfigName != candidates[0].ConfigName {
			crossedConfigs = true
		}
		outcome, aerr, origin := h.performAttempt(attemptCtx, cand, r, body, clientAuth, cw, start, &ttfbMs, &lastRaw)
		authOrigin = origin
		if h.deps.TraceSink != nil {
			h.emitTrace(fp, plan, cand, attemptIndex, crossedConfigs, outcome)
		}
		return outcome, aerr
	}

	result := h.deps.Engine.Run(ctx, candidates, plan.Retry, attemptFn)

	statusCode := result.FinalOutcome.Status
	switch {
	case result.Committed:
		// Bytes already reached the client inside performAttempt; nothing
		// further to write here even on a mid-stream failure (§4.4).
		statusCode = cw.StatusCode()
	case result.FinalOutcome.Class == model.ClassOK:
		// Unreachable in practice (ok implies Committed), kept defensive.
		statusCode = result.FinalOutcome.Status
	case result.Blocked:
		writeRaw(w, lastRaw)
		statusCode = lastRaw.status
	case errors.Is(result.Err, context.DeadlineExceeded):
		http.Error(w, `{"error":"proxy_timeout"}`, http.StatusGatewayTimeout)
		statusCode = http.StatusGatewayTimeout
	default:
		writeUpstreamUnavailable(w, lastRaw, "exhausted")
		statusCode = http.StatusBadGateway
	}

	var ttfbPtr *int64
	if ttfbMs >= 0 {
		ttfbPtr = &ttfbMs
	}

	chosenConfig, chosenUpstream := "", ""
	if result.Trace.Attempts > 0 && result.Trace.Attempts <= len(candidates) {
		last := candidates[result.Trace.Attempts-1]
		chosenConfig = last.ConfigName
		chosenUpstream = last.Upstream.BaseURL
	}

	h.emitFinishedWithDebug(r, requestID, fp, start, ttfbPtr, result.Trace, statusCode, chosenConfig, chosenUpstream, authOrigin)
}

func (h *Handler) performAttempt(
	ctx context.Context,
	cand planner.Candidate,
	r *http.Request,
	body []byte,
	clientAuth string,
	cw *httpmw.CommitWriter,
	requestStart time.Time,
	ttfbMs *int64,
	lastRaw *rawResponse,
) (retry.Outcome, error, string) {
	up := cand.Upstream
	url := joinUpstreamURL(up.BaseURL, r.URL.Path, r.URL.RawQuery)

	attemptCtx, cancel := context.WithTimeout(ctx, h.deps.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return retry.Outcome{Class: model.ClassUpstreamTransport, TransportErr: err}, err, ""
	}
	req.Header = r.Header.Clone()
	stripHopByHop(req.Header)

	headerName, headerValue, origin := resolveAuth(up, clientAuth)
	if headerValue != "" {
		req.Header.Set(headerName, headerValue)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))

	attemptStart := time.Now()
	resp, err := h.deps.HTTPClient.Do(req)
	if err != nil {
		latency := time.Since(attemptStart)
		class := classify.Classify(0, nil, nil, err)
		return retry.Outcome{Class: class, Latency: latency, TransportErr: err}, err, origin
	}
	defer resp.Body.Close()

	latency := time.Since(attemptStart)
	respHeader := resp.Header.Clone()
	stripHopByHop(respHeader)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		for k, vv := range respHeader {
			for _, v := range vv {
				cw.Header().Add(k, v)
			}
		}
		cw.WriteHeader(resp.StatusCode)
		if *ttfbMs < 0 {
			*ttfbMs = time.Since(requestStart).Milliseconds()
		}

		streamErr := streamBody(cw, resp.Body)
		committed := cw.Committed()
		if streamErr != nil {
			return retry.Outcome{Class: model.ClassUpstreamTransport, Status: resp.StatusCode, Latency: latency, Committed: committed, TransportErr: streamErr}, streamErr, origin
		}
		return retry.Outcome{Class: model.ClassOK, Status: resp.StatusCode, Latency: latency, Committed: committed}, nil, origin
	}

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, classify.BodyPreviewCap))
	class := classify.Classify(resp.StatusCode, respHeader, preview, nil)
	*lastRaw = rawResponse{status: resp.StatusCode, header: respHeader, body: preview}

	return retry.Outcome{Class: class, Status: resp.StatusCode, Latency: latency}, nil, origin
}

// streamBody copies src to w, flushing after every chunk so SSE events
// reach the client as they arrive rather than waiting for a buffer to
// fill.
func streamBody(w http.ResponseWriter, src io.Reader) error {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func writeRaw(w http.ResponseWriter, raw rawResponse) {
	for k, vv := range raw.header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if raw.status == 0 {
		raw.status = http.StatusBadGateway
	}
	w.WriteHeader(raw.status)
	_, _ = w.Write(raw.body)
}

func writeUpstreamUnavailable(w http.ResponseWriter, raw rawResponse, cause string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	payload := map[string]interface{}{
		"error": "upstream_unavailable",
		"cause": cause,
	}
	if raw.status != 0 {
		payload["last_upstream_status"] = raw.status
	}
	b, _ := json.Marshal(payload)
	_, _ = w.Write(b)
}

// readBodyCapped reads the client request body, bounded by maxRequestBody.
func readBodyCapped(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxRequestBody {
		return nil, ferrors.ErrProxyBadRequest
	}
	return b, nil
}

func (h *Handler) emitTrace(fp Fingerprint, plan *model.RoutingPlan, cand planner.Candidate, attemptIndex int, crossedConfigs bool, outcome retry.Outcome) {
	rec := model.RetryTraceRecord{
		TimestampMs:     model.Now().UnixMilli(),
		SessionID:       fp.SessionID,
		ConfigName:      cand.ConfigName,
		UpstreamBaseURL: cand.Upstream.BaseURL,
		AttemptIndex:    attemptIndex,
		ErrorClass:      outcome.Class,
	}
	if outcome.Status != 0 {
		status := outcome.Status
		rec.StatusCode = &status
	}
	layer := retry.LayerUpstream
	layerPolicy := plan.Retry.Upstream
	if crossedConfigs {
		layer = retry.LayerProvider
		layerPolicy = plan.Retry.Provider
	}
	rec.Layer = string(layer)
	rec.Retryable = outcome.Class == model.ClassOK || retry.ShouldRetry(outcome.Class, outcome.Status, plan.Retry, layerPolicy)
	h.deps.TraceSink.Emit(rec)
}

func (h *Handler) emitFinishedWithDebug(r *http.Request, requestID string, fp Fingerprint, start time.Time, ttfbMs *int64, trace model.RetryTrace, status int, configName, upstreamBase, authOrigin string) {
	if h.deps.Sink == nil && h.deps.Recent == nil {
		return
	}
	rec := model.FinishedRequest{
		RequestID:       requestID,
		TimestampMs:     start.UnixMilli(),
		Service:         h.deps.ServiceName,
		Method:          r.Method,
		Path:            r.URL.Path,
		StatusCode:      status,
		DurationMs:      time.Since(start).Milliseconds(),
		TTFBMs:          ttfbMs,
		ConfigName:      configName,
		UpstreamBaseURL: upstreamBase,
		SessionID:       fp.SessionID,
		CWD:             fp.CWD,
		ReasoningEffort: fp.ReasoningEffort,
	}
	if trace.Attempts > 1 {
		tc := trace
		rec.Retry = &tc
	}
	if h.deps.DebugEnabled {
		rec.HTTPDebug = map[string]interface{}{
			"auth_resolution": authOrigin,
		}
	}
	if h.deps.Sink != nil {
		h.deps.Sink.Emit(rec)
	}
	if h.deps.Recent != nil {
		h.deps.Recent.Add(rec)
	}
}
