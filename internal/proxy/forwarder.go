// Package proxy implements the request-forwarding engine: it rewrites inbound
// requests for the upstream API, injects the bearer token, and relays the
// upstream response back to the caller.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"esplora-auth-proxy/internal/common/errors"
	"esplora-auth-proxy/internal/common/httpclient"
	"esplora-auth-proxy/internal/common/logging"
	"esplora-auth-proxy/internal/token"
)

// maxReplayBodyBytes caps how much of an inbound request body is buffered for
// the retry-after-refresh attempt. Larger bodies are streamed through once
// and forgo the retry.
const maxReplayBodyBytes = 1 << 20

// hopByHopHeaders are connection-specific and must not cross the proxy in
// either direction (RFC 7230 section 6.1).
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// TokenSource supplies the bearer token attached to outbound requests.
type TokenSource interface {
	GetValid(ctx context.Context) (token.AccessToken, error)
	ForceRefresh(ctx context.Context) (token.AccessToken, error)
}

// ForwarderConfig holds the constructor-time constants for a Forwarder.
type ForwarderConfig struct {
	// UpstreamBaseURL is the base URL all inbound paths are resolved against.
	UpstreamBaseURL string
	// BodyDumpBytes, when positive, logs the first N bytes of each upstream
	// response body at debug level.
	BodyDumpBytes int64
	HTTPClient    *http.Client
	Logger        logging.Logger
}

// Forwarder relays inbound requests to the upstream API with the bearer token
// injected. It is safe for concurrent use.
type Forwarder struct {
	scheme    string
	host      string
	basePath  string
	tokens    TokenSource
	client    *http.Client
	dumpBytes int64
	logger    logging.Logger
}

// NewForwarder creates a forwarder for the configured upstream.
func NewForwarder(cfg ForwarderConfig, tokens TokenSource) (*Forwarder, error) {
	u, err := url.Parse(cfg.UpstreamBaseURL)
	if err != nil {
		return nil, errors.ConfigError("upstream base URL is not a valid URL: " + err.Error())
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.ConfigError("upstream base URL must be absolute")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.NewHTTPClient(httpclient.WithoutCompression(), httpclient.WithTimeout(0))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Forwarder{
		scheme:    u.Scheme,
		host:      u.Host,
		basePath:  strings.TrimSuffix(u.EscapedPath(), "/"),
		tokens:    tokens,
		client:    client,
		dumpBytes: cfg.BodyDumpBytes,
		logger:    logger,
	}, nil
}

// Forward relays one inbound request to the upstream and the upstream's
// response back to the caller. A 401/403 from upstream triggers exactly one
// forced token refresh and one re-issue; there is no retry loop.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok, err := f.tokens.GetValid(ctx)
	if err != nil {
		f.logger.Error("Failed to obtain access token", err,
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		)
		writeProxyError(w, err)
		return
	}

	body, replayable, err := prepareBody(r)
	if err != nil {
		writeProxyError(w, errors.BodyStreamError("failed to read request body", err))
		return
	}

	resp, err := f.send(ctx, r, tok, body.reader())
	if err != nil {
		writeProxyError(w, err)
		return
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && replayable {
		resp.Body.Close()

		f.logger.Info("Upstream rejected token, forcing refresh",
			logging.Int("status", resp.StatusCode),
			logging.String("path", r.URL.Path),
		)

		tok, err = f.tokens.ForceRefresh(ctx)
		if err != nil {
			writeProxyError(w, err)
			return
		}

		resp, err = f.send(ctx, r, tok, body.reader())
		if err != nil {
			writeProxyError(w, err)
			return
		}
	}

	defer resp.Body.Close()
	f.relay(w, r, resp)
}

// send issues a single upstream attempt.
func (f *Forwarder) send(ctx context.Context, r *http.Request, tok token.AccessToken, body io.Reader) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, f.upstreamURL(r), body)
	if err != nil {
		return nil, errors.InternalError("failed to build upstream request", err)
	}

	copyRequestHeaders(out.Header, r.Header)
	out.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, errors.NetworkError("upstream request failed", err)
	}
	return resp, nil
}

// upstreamURL computes the outbound URL from the configured base and the
// inbound path and query. The outbound host is always the upstream's own.
func (f *Forwarder) upstreamURL(r *http.Request) string {
	var b strings.Builder
	b.WriteString(f.scheme)
	b.WriteString("://")
	b.WriteString(f.host)
	b.WriteString(joinPath(f.basePath, r.URL.EscapedPath()))
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}
	return b.String()
}

// joinPath concatenates the configured base path with the inbound path,
// collapsing a duplicated shared prefix: base /api with inbound /api/blocks
// yields /api/blocks, never /api/api/blocks.
func joinPath(base, inbound string) string {
	if inbound == "" {
		inbound = "/"
	}
	if !strings.HasPrefix(inbound, "/") {
		inbound = "/" + inbound
	}
	if base == "" {
		return inbound
	}
	if inbound == base || strings.HasPrefix(inbound, base+"/") {
		return inbound
	}
	return base + inbound
}

// copyRequestHeaders copies inbound headers to the outbound request, dropping
// hop-by-hop headers and the client's own Authorization. The inbound Host is
// never forwarded; the outbound request carries the upstream host instead.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		if lower == "authorization" || lower == "host" {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}

// relay streams the upstream response back: status and headers verbatim minus
// hop-by-hop, body copied through without full buffering.
func (f *Forwarder) relay(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	for name, values := range resp.Header {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	reader := io.Reader(resp.Body)
	if f.dumpBytes > 0 {
		peek := make([]byte, f.dumpBytes)
		n, _ := io.ReadFull(resp.Body, peek)
		f.logger.Debug("Upstream response body sample",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", resp.StatusCode),
			logging.String("body", string(peek[:n])),
		)
		reader = io.MultiReader(bytes.NewReader(peek[:n]), resp.Body)
	}

	if _, err := io.Copy(w, reader); err != nil {
		// The status line is already written; all that's left is to record it.
		f.logger.Warn("Response body relay interrupted",
			logging.Err(err),
			logging.String("path", r.URL.Path),
		)
	}
}

// requestBody is an inbound body prepared for up to two upstream attempts.
type requestBody struct {
	buffered []byte
	rest     io.Reader
	consumed bool
}

// reader returns the body for one attempt. Buffered bodies replay; a body
// with an unbuffered tail can only be produced once.
func (b *requestBody) reader() io.Reader {
	if b.buffered == nil && b.rest == nil {
		return nil
	}
	if b.rest != nil {
		if b.consumed {
			return nil
		}
		b.consumed = true
		return io.MultiReader(bytes.NewReader(b.buffered), b.rest)
	}
	return bytes.NewReader(b.buffered)
}

// prepareBody buffers the inbound body when it fits under the replay cap so a
// token-expiry retry can resend it. Oversized bodies keep streaming and the
// retry is skipped. GET and HEAD carry no body.
func prepareBody(r *http.Request) (*requestBody, bool, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return &requestBody{}, true, nil
	}

	buffered, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(buffered) > maxReplayBodyBytes {
		// Body exceeds the cap: stream the remainder, retry unavailable.
		return &requestBody{buffered: buffered, rest: r.Body}, false, nil
	}
	return &requestBody{buffered: buffered}, true, nil
}

// writeProxyError answers the caller for a proxy-side failure with a generic
// body that carries no secret material or internal detail.
func writeProxyError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch errors.GetType(err) {
	case errors.ErrTypeUnauthorized, errors.ErrTypeMalformedResponse:
		// No usable token can be obtained right now.
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"upstream request failed"}`))
}
