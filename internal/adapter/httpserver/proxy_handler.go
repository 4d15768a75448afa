package httpserver

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/svmbench/platform/internal/adapter/crypto"
	"github.com/svmbench/platform/internal/domain"
)

// hopByHopHeaders are stripped before forwarding a request or response,
// per RFC 7230 section 6.1, plus Content-Length since the body is
// re-streamed.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

// providerUpstream maps the ?provider= query parameter to an upstream base
// URL.
type providerUpstream struct {
	baseURL string
	// identityHeaders are provider-required headers injected on every
	// forwarded request.
	identityHeaders map[string]string
}

// ProxyHandler is a stateless reverse proxy that rewrites an opaque
// per-job bearer token into the real upstream credential.
type ProxyHandler struct {
	AESKey     []byte // derived via crypto.DeriveKey(shared_secret)
	StaticKey  string // substituted for the literal "STATIC" marker
	Providers  map[string]providerUpstream
	DefaultKey string // provider key used when ?provider= is absent

	ConnectTimeout time.Duration
	Transport      http.RoundTripper
}

// NewProxyHandler builds a ProxyHandler with the standard two-provider
// routing table (openai, openrouter).
func NewProxyHandler(sharedSecret, staticKey string) *ProxyHandler {
	return &ProxyHandler{
		AESKey:    crypto.DeriveKey(sharedSecret),
		StaticKey: staticKey,
		Providers: map[string]providerUpstream{
			"openai": {baseURL: "https://api.openai.com"},
			"openrouter": {
				baseURL:         "https://openrouter.ai/api",
				identityHeaders: map[string]string{"HTTP-Referer": "https://svmbench.internal", "X-Title": "svmbench"},
			},
		},
		DefaultKey:     "openai",
		ConnectTimeout: 10 * time.Second,
	}
}

func (h *ProxyHandler) client() *http.Client {
	transport := h.Transport
	if transport == nil {
		dialer := &net.Dialer{Timeout: h.connectTimeout()}
		transport = &http.Transport{DialContext: dialer.DialContext}
	}
	// No client-level Timeout: read is unbounded to support long-lived
	// streamed completions.
	return &http.Client{Transport: transport}
}

func (h *ProxyHandler) connectTimeout() time.Duration {
	if h.ConnectTimeout > 0 {
		return h.ConnectTimeout
	}
	return 10 * time.Second
}

// resolveKey requires an Authorization bearer, handles the STATIC marker,
// else AES-GCM-decrypts the opaque token.
func (h *ProxyHandler) resolveKey(authHeader string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", fmt.Errorf("%w: missing bearer token", domain.ErrAuthFailure)
	}
	token := strings.TrimPrefix(authHeader, prefix)
	if token == string(domain.StaticKeyMarker) {
		if h.StaticKey == "" {
			return "", fmt.Errorf("%w: static key not configured", domain.ErrPrecondition)
		}
		return h.StaticKey, nil
	}
	key, err := crypto.Decrypt(token, h.AESKey)
	if err != nil {
		return "", fmt.Errorf("%w: invalid token", domain.ErrAuthFailure)
	}
	return key, nil
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// ServeHTTP decodes the token, chooses the upstream, rewrites the
// path/query, forwards the request, and streams the response back
// unchanged.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	realKey, err := h.resolveKey(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	providerKey := q.Get("provider")
	if providerKey == "" {
		providerKey = h.DefaultKey
	}
	q.Del("provider")

	// An unrecognized provider silently falls back to the default upstream.
	upstream, ok := h.Providers[providerKey]
	if !ok {
		upstream = h.Providers[h.DefaultKey]
	}

	targetURL := upstream.baseURL + encodePreservingSlashes(r.URL.Path)
	if encoded := q.Encode(); encoded != "" {
		targetURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: err.Error()}})
		return
	}
	req.Header = r.Header.Clone()
	stripHopByHop(req.Header)
	req.Header.Set("Authorization", "Bearer "+realKey)
	for k, v := range upstream.identityHeaders {
		req.Header.Set(k, v)
	}
	req.ContentLength = r.ContentLength

	resp, err := h.client().Do(req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorEnvelope{Error: apiError{Code: "UPSTREAM_ERROR", Message: err.Error()}})
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// encodePreservingSlashes percent-encodes path segments individually so
// literal "/" bytes in the original path are forwarded unescaped.
func encodePreservingSlashes(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
