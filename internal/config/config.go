// Package config provides configuration management for the esplora auth proxy.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration so the process refuses to start
// with credentials or endpoints that cannot work.
//
// Environment Variables:
//
// Application Settings:
//   - BIND_ADDRESS: Local listen address (default: 127.0.0.1:3002)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Optional log file path (default: stdout)
//
// Upstream:
//   - UPSTREAM_BASE_URL: Base URL of the upstream API
//     (default: https://enterprise.blockstream.info/api)
//   - UPSTREAM_TIMEOUT: Per-request timeout for upstream calls (default: 0, none)
//   - BODY_DUMP_BYTES: When > 0, log the first N bytes of each upstream
//     response body at debug level (default: 0, disabled)
//
// Identity Provider:
//   - OIDC_TOKEN_URL: OAuth2 token endpoint
//     (default: the Blockstream public realm token endpoint)
//   - CLIENT_ID: OAuth2 client id (required)
//   - CLIENT_SECRET: OAuth2 client secret (required)
//   - OAUTH_SCOPE: Scope requested with the client-credentials grant (default: openid)
//   - TOKEN_REFRESH_MARGIN: How long before expiry a token is treated as
//     expired and proactively renewed (default: 20s)
//   - REFRESH_RETRY_BACKOFF: Scheduler retry delay after a failed fetch (default: 5s)
//
// TLS (optional):
//   - TLS_CERT: Path to a TLS certificate; enables HTTPS listening
//   - TLS_KEY: Path to the matching private key
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"
)

// Config holds all configuration values for the proxy. All fields correspond
// to environment variables. Load the configuration with Load() and call
// Validate() before use.
type Config struct {
	// Application settings
	BindAddress string // Local listen address (host:port)
	LogLevel    string // Logging level (debug, info, warn, error)
	LogFile     string // Optional log file path

	// Upstream configuration
	UpstreamBaseURL string        // Base URL of the upstream API
	UpstreamTimeout time.Duration // Per-request timeout for upstream calls (0 = none)
	BodyDumpBytes   int64         // Bytes of each response body to log (0 = disabled)

	// Identity provider configuration
	TokenURL            string        // OAuth2 token endpoint
	ClientID            string        // OAuth2 client id
	ClientSecret        string        // OAuth2 client secret
	Scope               string        // Scope for the client-credentials grant
	TokenRefreshMargin  time.Duration // Safety margin subtracted from token lifetime
	RefreshRetryBackoff time.Duration // Scheduler retry delay after a failed fetch

	// TLS configuration
	TLSCert string // Path to TLS certificate (optional)
	TLSKey  string // Path to TLS private key (optional)
}

// Load creates a new Config instance with values loaded from environment
// variables. Unset variables fall back to defaults. Load does not validate;
// call Validate() on the returned Config before use.
func Load() *Config {
	return &Config{
		BindAddress: getEnv("BIND_ADDRESS", "127.0.0.1:3002"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),

		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://enterprise.blockstream.info/api"),
		UpstreamTimeout: getDurationEnv("UPSTREAM_TIMEOUT", 0),
		BodyDumpBytes:   getInt64Env("BODY_DUMP_BYTES", 0),

		TokenURL:            getEnv("OIDC_TOKEN_URL", "https://login.blockstream.com/realms/blockstream-public/protocol/openid-connect/token"),
		ClientID:            getEnv("CLIENT_ID", ""),
		ClientSecret:        getEnv("CLIENT_SECRET", ""),
		Scope:               getEnv("OAUTH_SCOPE", "openid"),
		TokenRefreshMargin:  getDurationEnv("TOKEN_REFRESH_MARGIN", 20*time.Second),
		RefreshRetryBackoff: getDurationEnv("REFRESH_RETRY_BACKOFF", 5*time.Second),

		TLSCert: getEnv("TLS_CERT", ""),
		TLSKey:  getEnv("TLS_KEY", ""),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable or returns a default.
// Invalid durations fall back to the default; Validate reports them properly.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getInt64Env retrieves an integer environment variable or returns a default
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var parsed int64
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate performs validation on the configuration to ensure all required
// fields are present and all values are usable. The application must call
// this after loading configuration and before starting.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID environment variable is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("CLIENT_SECRET environment variable is required")
	}

	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		return fmt.Errorf("BIND_ADDRESS must be a valid host:port address: %v", err)
	}

	if err := validateHTTPURL("UPSTREAM_BASE_URL", c.UpstreamBaseURL); err != nil {
		return err
	}
	if err := validateHTTPURL("OIDC_TOKEN_URL", c.TokenURL); err != nil {
		return err
	}

	if c.TokenRefreshMargin <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_MARGIN must be a positive duration")
	}
	if c.RefreshRetryBackoff <= 0 {
		return fmt.Errorf("REFRESH_RETRY_BACKOFF must be a positive duration")
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must not be negative")
	}
	if c.BodyDumpBytes < 0 {
		return fmt.Errorf("BODY_DUMP_BYTES must not be negative")
	}

	// TLS cert and key come as a pair
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must both be set to enable TLS")
	}

	return nil
}

// validateHTTPURL checks that a value parses as an absolute http(s) URL
func validateHTTPURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %v", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
