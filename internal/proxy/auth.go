package proxy

import (
	"net/http"
	"os"
	"strings"

	"github.com/Latias94/codex-helper/internal/model"
)

// resolveAuth resolves upstream's credential in the order inline > env var
// > client-passthrough, per §4.5 step 4. It never returns the secret
// itself to the caller beyond what's needed to set the outbound header;
// origin is always safe to log.
func resolveAuth(up model.Upstream, clientAuth string) (headerName, headerValue, origin string) {
	style := up.HeaderStyle
	if style == "" {
		style = model.AuthHeaderBearer
	}
	headerName = "Authorization"
	if style == model.AuthHeaderXAPIKey {
		headerName = "x-api-key"
	}

	switch up.Auth.Kind {
	case model.AuthInline:
		return headerName, renderCredential(style, up.Auth.InlineToken), up.Auth.Origin()
	case model.AuthEnv:
		token := os.Getenv(up.Auth.EnvVar)
		return headerName, renderCredential(style, token), up.Auth.Origin()
	default:
		return headerName, clientAuth, string(model.AuthClientPassthrough)
	}
}

func renderCredential(style model.AuthHeaderStyle, token string) string {
	if style == model.AuthHeaderXAPIKey {
		return token
	}
	return "Bearer " + token
}

// hopByHopHeaders are stripped in both directions per §4.5 step 6.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// stripHopByHop removes hop-by-hop headers (the fixed list plus whatever
// the Connection header itself names) from h, in place.
func stripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// joinUpstreamURL builds the outbound URL by joining base with clientPath,
// de-duplicating a shared path prefix so "https://host/v1" + "/v1/chat"
// doesn't become "/v1/v1/chat".
func joinUpstreamURL(base, clientPath, rawQuery string) string {
	baseNoSlash := strings.TrimRight(base, "/")
	basePath, basePrefix := splitHostAndPath(baseNoSlash)

	path := clientPath
	if basePrefix != "" && strings.HasPrefix(path, basePrefix) {
		path = strings.TrimPrefix(path, basePrefix)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	full := basePath + basePrefix + path
	if rawQuery != "" {
		full += "?" + rawQuery
	}
	return full
}

// splitHostAndPath splits a base URL like "https://host.example/v1" into
// ("https://host.example", "/v1").
func splitHostAndPath(base string) (hostPart, pathPart string) {
	idx := strings.Index(base, "://")
	if idx < 0 {
		return base, ""
	}
	rest := base[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return base, ""
	}
	return base[:idx+3+slash], rest[slash:]
}
