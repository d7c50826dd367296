package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"esplora-auth-proxy/internal/token"
)

// Service is the composition root binding the token cache and the forwarder
// to the externally exposed request handler. Every path except the local
// health endpoint is forwarded transparently.
type Service struct {
	cache     *token.Cache
	forwarder *Forwarder
}

// NewService creates the proxy service.
func NewService(cache *token.Cache, forwarder *Forwarder) *Service {
	return &Service{
		cache:     cache,
		forwarder: forwarder,
	}
}

// Router builds the HTTP routing table: a local liveness endpoint plus the
// catch-all proxy route accepting any method.
func (s *Service) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	router.PathPrefix("/").HandlerFunc(s.HandleProxy)
	return router
}

// HandleProxy forwards one inbound request to the upstream.
func (s *Service) HandleProxy(w http.ResponseWriter, r *http.Request) {
	s.forwarder.Forward(w, r)
}

// HandleHealth reports process liveness and whether a token is currently
// cached. It never triggers a fetch and never exposes the token itself.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	current, ok := s.cache.Current()

	status := map[string]interface{}{
		"status":       "ok",
		"token_cached": ok,
	}
	if ok {
		status["token_expires_at"] = current.ExpiresAt
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}
