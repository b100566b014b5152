// Package classify implements the pure response classifier from §4.1: a
// single function from (status, headers, body preview, transport error) to
// model.ErrorClass, the shared vocabulary the retry engine and the
// load-balancer state both key off of.
//
// The shape is a small pure predicate over a typed error, generalized from
// "is this error retryable" to "what class is this response."
package classify

import (
	"bytes"
	"net/http"

	"github.com/Latias94/codex-helper/internal/model"
)

// BodyPreviewCap bounds how many bytes of an upstream body are buffered for
// classification before the commit point. 2xx streaming responses in
// practice classify off the status/headers alone and commit well before
// this cap is reached.
const BodyPreviewCap = 64 * 1024

var cloudflareChallengeMarkers = [][]byte{
	[]byte("Checking your browser before accessing"),
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("Attention Required! | Cloudflare"),
	[]byte("/cdn-cgi/challenge-platform/"),
}

// Classify returns the ErrorClass for one upstream attempt outcome. Exactly
// one of (status>0, transportErr!=nil) is expected to be meaningful; when
// transportErr is non-nil the status is typically 0 (no response at all).
func Classify(status int, headers http.Header, bodyPreview []byte, transportErr error) model.ErrorClass {
	if transportErr != nil {
		if isCloudflareTimeoutHeaders(headers) {
			return model.ClassCloudflareTimeout
		}
		return model.ClassUpstreamTransport
	}

	if status >= 200 && status < 300 {
		return model.ClassOK
	}

	// Cloudflare challenges arrive under a variety of statuses (503, 403,
	// 429 are all observed in the wild); the body/header markers take
	// precedence over the plain status-code table below.
	if looksLikeCloudflareChallenge(headers, bodyPreview) {
		return model.ClassCloudflareChallenge
	}

	switch {
	case status == 524:
		return model.ClassCloudflareTimeout
	case status == 429:
		return model.ClassRateLimited
	case status == 413 || status == 415 || status == 422:
		return model.ClassClientNonRetryable
	case status == 401 || status == 403 || status == 404 || status == 408:
		return model.ClassAuthRouting
	case status >= 500 && status <= 599:
		return model.ClassServerError
	default:
		return model.ClassClientNonRetryable
	}
}

func looksLikeCloudflareChallenge(headers http.Header, body []byte) bool {
	if headers != nil {
		server := headers.Get("Server")
		if server == "cloudflare" && len(body) > 0 {
			ct := headers.Get("Content-Type")
			if ct == "" || bytes.Contains([]byte(ct), []byte("text/html")) {
				for _, marker := range cloudflareChallengeMarkers {
					if bytes.Contains(body, marker) {
						return true
					}
				}
			}
		}
	}
	for _, marker := range cloudflareChallengeMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isCloudflareTimeoutHeaders(headers http.Header) bool {
	if headers == nil {
		return false
	}
	return headers.Get("Server") == "cloudflare" || headers.Get("CF-RAY") != ""
}
