// Package token manages the lifecycle of the OAuth2 client-credentials bearer
// token shared by all forwarded requests: one Fetcher performing the exchange,
// one Cache serializing refreshes, and one Scheduler renewing the token ahead
// of expiry so the request path stays off the identity-provider round-trip.
package token

import (
	"fmt"
	"time"
)

// AccessToken is an immutable bearer credential paired with the instant it
// stops being usable. ExpiresAt is derived once at fetch time from the
// identity provider's reported lifetime, already reduced by the configured
// safety margin, and is never recomputed.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be attached to a request at the
// given instant.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// String implements fmt.Stringer so a token formatted into a log line or an
// error message never exposes its value.
func (t AccessToken) String() string {
	return fmt.Sprintf("AccessToken{value:[REDACTED] expires_at:%s}", t.ExpiresAt.Format(time.RFC3339))
}
