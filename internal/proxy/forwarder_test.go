package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esplora-auth-proxy/internal/common/errors"
	"esplora-auth-proxy/internal/token"
)

// stubTokens is a TokenSource with scripted tokens and call counting.
type stubTokens struct {
	mu           sync.Mutex
	getCalls     int
	refreshCalls int
	current      token.AccessToken
	afterRefresh token.AccessToken
	getErr       error
	refreshErr   error
}

func (s *stubTokens) GetValid(ctx context.Context) (token.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return token.AccessToken{}, s.getErr
	}
	return s.current, nil
}

func (s *stubTokens) ForceRefresh(ctx context.Context) (token.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	if s.refreshErr != nil {
		return token.AccessToken{}, s.refreshErr
	}
	s.current = s.afterRefresh
	return s.current, nil
}

func validTokens(value string) *stubTokens {
	return &stubTokens{
		current: token.AccessToken{Value: value, ExpiresAt: time.Now().Add(time.Hour)},
	}
}

func newTestForwarder(t *testing.T, baseURL string, tokens TokenSource) *Forwarder {
	t.Helper()
	f, err := NewForwarder(ForwarderConfig{UpstreamBaseURL: baseURL}, tokens)
	require.NoError(t, err)
	return f
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		inbound string
		want    string
	}{
		{"empty base passes inbound through", "", "/api/blocks/tip/height", "/api/blocks/tip/height"},
		{"base prefixes inbound", "/api", "/blocks/tip/height", "/api/blocks/tip/height"},
		{"shared prefix is not duplicated", "/api", "/api/blocks/tip/height", "/api/blocks/tip/height"},
		{"inbound equal to base", "/api", "/api", "/api"},
		{"similar but distinct segment is kept", "/api", "/apifoo/bar", "/api/apifoo/bar"},
		{"root inbound", "/api", "/", "/api/"},
		{"empty inbound", "/api", "", "/api/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, joinPath(tt.base, tt.inbound))
		})
	}
}

func TestForwarder_Forward_InjectsTokenAndRewritesHost(t *testing.T) {
	var gotAuth, gotHost, gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHost = r.Host
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("678901"))
	}))
	defer upstream.Close()

	forwarder := newTestForwarder(t, upstream.URL+"/api", validTokens("tok-abc"))

	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:3002/blocks/tip/height?verbose=1", nil)
	req.Header.Set("Authorization", "Bearer client-supplied")
	req.Header.Set("X-Custom", "keep-me")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	forwarder.Forward(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "678901", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Authorization"))

	assert.Equal(t, "Bearer tok-abc", gotAuth)
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), gotHost)
	assert.Equal(t, "/api/blocks/tip/height", gotPath)
	assert.Equal(t, "verbose=1", gotQuery)
}

func TestForwarder_Forward_DoesNotDuplicateSharedPrefix(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	forwarder := newTestForwarder(t, upstream.URL+"/api", validTokens("tok"))

	req := httptest.NewRequest(http.MethodGet, "/api/blocks/tip/height", nil)
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Equal(t, "/api/blocks/tip/height", gotPath)
}

func TestForwarder_Forward_StripsClientHeaders(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
	}))
	defer upstream.Close()

	forwarder := newTestForwarder(t, upstream.URL, validTokens("tok"))

	req := httptest.NewRequest(http.MethodGet, "/blocks", nil)
	req.Header.Set("Proxy-Authorization", "Basic xyz")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Empty(t, gotHeaders.Get("Proxy-Authorization"))
	assert.Empty(t, gotHeaders.Get("Te"))
	assert.Empty(t, gotHeaders.Get("Upgrade"))
	assert.Equal(t, "req-1", gotHeaders.Get("X-Request-Id"))
	assert.Equal(t, "Bearer tok", gotHeaders.Get("Authorization"))
}

func TestForwarder_Forward_RetriesOnceAfter401(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var authSeen []string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		authSeen = append(authSeen, r.Header.Get("Authorization"))
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	tokens := validTokens("stale-token")
	tokens.afterRefresh = token.AccessToken{Value: "fresh-token", ExpiresAt: time.Now().Add(time.Hour)}

	forwarder := newTestForwarder(t, upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodPost, "/tx", strings.NewReader("rawtxhex"))
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, tokens.refreshCalls)
	assert.Equal(t, []string{"Bearer stale-token", "Bearer fresh-token"}, authSeen)
}

func TestForwarder_Forward_NoSecondRetryOnPersistent401(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	tokens := validTokens("tok")
	tokens.afterRefresh = tokens.current

	forwarder := newTestForwarder(t, upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodGet, "/blocks", nil)
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	// the second attempt's 401 is relayed as-is, no further refresh
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestForwarder_Forward_ReplaysBodyOnRetry(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tokens := validTokens("tok")
	tokens.afterRefresh = token.AccessToken{Value: "tok-2", ExpiresAt: time.Now().Add(time.Hour)}

	forwarder := newTestForwarder(t, upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodPost, "/tx", strings.NewReader("0200000001abcd"))
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"0200000001abcd", "0200000001abcd"}, bodies)
}

func TestForwarder_Forward_RelaysUpstreamErrorsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Block not found"))
	}))
	defer upstream.Close()

	forwarder := newTestForwarder(t, upstream.URL, validTokens("tok"))

	req := httptest.NewRequest(http.MethodGet, "/block/deadbeef", nil)
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Block not found", rec.Body.String())
}

func TestForwarder_Forward_TokenFailureAnswers503(t *testing.T) {
	tokens := &stubTokens{getErr: errors.UnauthorizedError("identity provider rejected client credentials")}

	forwarder := newTestForwarder(t, "https://upstream.example", tokens)

	req := httptest.NewRequest(http.MethodGet, "/blocks", nil)
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "tok")
	assert.JSONEq(t, `{"error":"upstream request failed"}`, rec.Body.String())
}

func TestForwarder_Forward_UnreachableUpstreamAnswers502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing listens anymore

	forwarder := newTestForwarder(t, upstream.URL, validTokens("secret-token-value"))

	req := httptest.NewRequest(http.MethodGet, "/blocks", nil)
	rec := httptest.NewRecorder()
	forwarder.Forward(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-token-value")
}

func TestNewForwarder_RejectsRelativeBaseURL(t *testing.T) {
	_, err := NewForwarder(ForwarderConfig{UpstreamBaseURL: "/api"}, validTokens("tok"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}
