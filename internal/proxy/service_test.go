package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esplora-auth-proxy/internal/token"
)

func newTestService(t *testing.T, upstreamURL string, tok token.AccessToken) (*Service, *token.Cache) {
	t.Helper()

	cache := token.NewCache(func(ctx context.Context) (token.AccessToken, error) {
		return tok, nil
	}, nil, nil)

	forwarder, err := NewForwarder(ForwarderConfig{UpstreamBaseURL: upstreamURL}, cache)
	require.NoError(t, err)

	return NewService(cache, forwarder), cache
}

func TestService_HealthEndpoint(t *testing.T) {
	tok := token.AccessToken{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	service, cache := newTestService(t, "https://upstream.example/api", tok)
	router := service.Router()

	// empty cache
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, false, status["token_cached"])

	// populated cache
	_, err := cache.GetValid(context.Background())
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["token_cached"])
	assert.NotContains(t, rec.Body.String(), "tok")
}

func TestService_RouterForwardsArbitraryMethodsAndPaths(t *testing.T) {
	var gotMethod, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tok := token.AccessToken{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	service, _ := newTestService(t, upstream.URL+"/api", tok)
	router := service.Router()

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/blocks/tip/height", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, method, gotMethod)
		assert.Equal(t, "/api/blocks/tip/height", gotPath)
	}
}
