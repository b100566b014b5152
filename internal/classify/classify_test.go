package classify

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Latias94/codex-helper/internal/model"
)

func TestClassify_StatusTable(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   model.ErrorClass
	}{
		{"2xx ok", 200, model.ClassOK},
		{"201 ok", 201, model.ClassOK},
		{"401 auth_routing", 401, model.ClassAuthRouting},
		{"403 auth_routing", 403, model.ClassAuthRouting},
		{"404 auth_routing", 404, model.ClassAuthRouting},
		{"408 auth_routing", 408, model.ClassAuthRouting},
		{"429 rate_limited", 429, model.ClassRateLimited},
		{"500 server_error", 500, model.ClassServerError},
		{"599 server_error", 599, model.ClassServerError},
		{"524 cloudflare_timeout", 524, model.ClassCloudflareTimeout},
		{"413 client_error_non_retryable", 413, model.ClassClientNonRetryable},
		{"415 client_error_non_retryable", 415, model.ClassClientNonRetryable},
		{"422 client_error_non_retryable", 422, model.ClassClientNonRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.status, http.Header{}, nil, nil)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassify_TransportErrorWithoutCloudflareHeaders(t *testing.T) {
	got := Classify(0, http.Header{}, nil, errors.New("connection reset"))
	assert.Equal(t, model.ClassUpstreamTransport, got)
}

func TestClassify_TransportErrorWithCloudflareHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "cloudflare")
	got := Classify(0, h, nil, errors.New("read timeout"))
	assert.Equal(t, model.ClassCloudflareTimeout, got)
}

func TestClassify_CloudflareChallengeBodyMarker(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "cloudflare")
	h.Set("Content-Type", "text/html")
	body := []byte("<html>Checking your browser before accessing example.com</html>")
	got := Classify(503, h, body, nil)
	assert.Equal(t, model.ClassCloudflareChallenge, got)
}

func TestClassify_ServerErrorWithoutChallengeMarkersStaysServerError(t *testing.T) {
	got := Classify(503, http.Header{}, []byte("internal error"), nil)
	assert.Equal(t, model.ClassServerError, got)
}
