package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/Latias94/codex-helper/internal/planner"
)

// Fingerprint is the stable identity extracted from one request, per
// §4.1. It is opaque to upstreams: used only to key overrides and to
// correlate a finished request with its session.
type Fingerprint struct {
	SessionID       string
	Model           string
	ReasoningEffort string
	CWD             string
	Synthesized     bool
}

// sessionHeaderCandidates lists the header names checked, in order, before
// falling back to a payload field or a synthesized hash.
var sessionHeaderCandidates = []string{"X-Session-Id", "X-Codex-Session-Id"}

// extractFingerprint best-effort parses body as JSON to pull session id,
// model, reasoning effort, and cwd. On a body that doesn't parse, or that
// lacks a session id anywhere, a deterministic hash over
// (method, path, truncated body prefix, cwd) stands in for the session id.
func extractFingerprint(r *http.Request, body []byte) Fingerprint {
	fp := Fingerprint{}

	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload) // best-effort; payload stays nil on failure

	for _, h := range sessionHeaderCandidates {
		if v := r.Header.Get(h); v != "" {
			fp.SessionID = v
			break
		}
	}

	if payload != nil {
		if fp.SessionID == "" {
			if v, ok := stringField(payload, "session_id"); ok {
				fp.SessionID = v
			}
		}
		if v, ok := stringField(payload, "model"); ok {
			fp.Model = v
		}
		if v, ok := nestedStringField(payload, "reasoning", "effort"); ok {
			fp.ReasoningEffort = v
		}
		if v, ok := stringField(payload, "cwd"); ok {
			fp.CWD = v
		}
	}

	if fp.SessionID == "" {
		fp.SessionID = synthesizeSessionID(r, body, fp.CWD)
		fp.Synthesized = true
	}

	return fp
}

const bodyPrefixCapForHash = 256

// synthesizeSessionID builds a stable per-session-like hash when the
// client surfaces no session id of its own.
func synthesizeSessionID(r *http.Request, body []byte, cwd string) string {
	prefix := body
	if len(prefix) > bodyPrefixCapForHash {
		prefix = prefix[:bodyPrefixCapForHash]
	}
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(prefix)
	h.Write([]byte{0})
	h.Write([]byte(cwd))
	return "synth-" + hex.EncodeToString(h.Sum(nil))[:24]
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func nestedStringField(m map[string]interface{}, outer, inner string) (string, bool) {
	v, ok := m[outer]
	if !ok {
		return "", false
	}
	nested, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	return stringField(nested, inner)
}

// applyEffortOverride rewrites reasoning.effort in payload per the
// session's effort override, if one is set and the body is a JSON object.
// Returns the (possibly unmodified) body.
func applyEffortOverride(body []byte, effort string) []byte {
	if effort == "" {
		return body
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	reasoning, ok := payload["reasoning"].(map[string]interface{})
	if !ok {
		reasoning = map[string]interface{}{}
	}
	reasoning["effort"] = effort
	payload["reasoning"] = reasoning

	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}

// fingerprintToPlannerInput narrows a Fingerprint down to what the
// Planner needs.
func fingerprintToPlannerInput(fp Fingerprint) planner.Fingerprint {
	return planner.Fingerprint{SessionID: fp.SessionID, Model: fp.Model}
}
