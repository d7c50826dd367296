package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"esplora-auth-proxy/internal/circuitbreaker"
	"esplora-auth-proxy/internal/common/errors"
	"esplora-auth-proxy/internal/common/httpclient"
	"esplora-auth-proxy/internal/common/logging"
)

// maxTokenResponseBytes bounds how much of a token response is read. Real
// responses are a few hundred bytes; anything larger is a broken endpoint.
const maxTokenResponseBytes = 1 << 20

// DefaultRefreshMargin is subtracted from the reported token lifetime so a
// token is never attached to a request it cannot outlive.
const DefaultRefreshMargin = 20 * time.Second

// TokenResponse maps the token endpoint's JSON response as defined in RFC 6749.
type TokenResponse struct {
	// AccessToken is the access token issued by the authorization server
	AccessToken string `json:"access_token"`
	// TokenType is the type of token issued (typically "Bearer")
	TokenType string `json:"token_type"`
	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`
	// Scope is the scope of the access token (optional)
	Scope string `json:"scope,omitempty"`
}

// FetcherConfig holds the constructor-time constants for a Fetcher.
type FetcherConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	// Margin is subtracted from the reported lifetime when computing the
	// expiry instant. Defaults to DefaultRefreshMargin.
	Margin     time.Duration
	HTTPClient *http.Client
	Breaker    *circuitbreaker.GoBreakerAdapter
	Clock      Clock
	Logger     logging.Logger
}

// Fetcher performs a single client-credentials exchange against the token
// endpoint. It never retries; retry policy belongs to the caller.
type Fetcher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	margin       time.Duration
	httpClient   *http.Client
	breaker      *circuitbreaker.GoBreakerAdapter
	clock        Clock
	logger       logging.Logger
}

// NewFetcher creates a Fetcher from the given configuration, filling in
// defaults for anything optional.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultRefreshMargin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.NewHTTPClientWithTimeout(30 * time.Second)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewGoBreaker("identity-provider", circuitbreaker.IdentityProviderConfig, cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	return &Fetcher{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		margin:       cfg.Margin,
		httpClient:   cfg.HTTPClient,
		breaker:      cfg.Breaker,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
}

// Fetch issues one client-credentials grant exchange and returns the parsed
// token. The returned token's expiry already accounts for the safety margin.
func (f *Fetcher) Fetch(ctx context.Context) (AccessToken, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", f.clientID)
	data.Set("client_secret", f.clientSecret)
	if f.scope != "" {
		data.Set("scope", f.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return AccessToken{}, errors.InternalError("failed to create token request", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	err = f.breaker.Execute(ctx, func() error {
		var httpErr error
		resp, httpErr = f.httpClient.Do(req)
		return httpErr
	})
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return AccessToken{}, appErr
		}
		return AccessToken{}, errors.NetworkError("token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return AccessToken{}, errors.NetworkError("failed to read token response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AccessToken{}, errors.UnauthorizedError("identity provider rejected client credentials")
	case resp.StatusCode != http.StatusOK:
		return AccessToken{}, errors.NetworkError(fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return AccessToken{}, errors.MalformedResponseError("failed to decode token response", err)
	}
	if tokenResp.AccessToken == "" {
		return AccessToken{}, errors.MalformedResponseError("token response is missing access_token", nil)
	}

	now := f.clock.Now()
	lifetime, err := tokenLifetime(tokenResp, now)
	if err != nil {
		return AccessToken{}, err
	}

	tok := AccessToken{
		Value:     tokenResp.AccessToken,
		ExpiresAt: now.Add(lifetime - f.margin),
	}

	f.logger.Debug("Fetched access token",
		logging.Time("expires_at", tok.ExpiresAt),
		logging.Duration("lifetime", lifetime),
	)

	return tok, nil
}

// tokenLifetime resolves the token's validity duration. A positive expires_in
// wins; when the provider omits it and the access token parses as a JWT, the
// exp claim carries the same information. Anything else is a broken contract:
// a token the proxy cannot schedule for renewal is unusable.
func tokenLifetime(resp TokenResponse, now time.Time) (time.Duration, error) {
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if lifetime := exp.Time.Sub(now); lifetime > 0 {
				return lifetime, nil
			}
		}
	}

	return 0, errors.MalformedResponseError("token response has no usable lifetime", nil)
}
