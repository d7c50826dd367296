package token

import (
	"context"
	"time"

	"esplora-auth-proxy/internal/common/logging"
)

// DefaultRetryBackoff is how long the scheduler waits before retrying after a
// failed fetch, so transient identity-provider failures self-heal quickly
// instead of waiting out a full token lifetime.
const DefaultRetryBackoff = 5 * time.Second

// Scheduler proactively renews the cached token shortly before it expires,
// independent of traffic, so client requests rarely pay for an
// identity-provider round-trip.
type Scheduler struct {
	cache   *Cache
	backoff time.Duration
	clock   Clock
	logger  logging.Logger
}

// NewScheduler creates a scheduler for the given cache. backoff is the retry
// delay after a failed fetch; zero selects DefaultRetryBackoff.
func NewScheduler(cache *Cache, backoff time.Duration, clock Clock, logger logging.Logger) *Scheduler {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		cache:   cache,
		backoff: backoff,
		clock:   clock,
		logger:  logger,
	}
}

// Run loops until ctx is canceled. The first iteration warms the cache via
// GetValid (joining any traffic-triggered fetch); afterwards it sleeps until
// the token's remaining lifetime elapses, then forces a refresh. The token's
// expiry instant already carries the safety margin, so waking at expiry still
// renews ahead of the real deadline.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting token refresh scheduler")

	tok, err := s.cache.GetValid(ctx)
	for {
		var delay time.Duration
		if err != nil {
			s.logger.Warn("Token refresh failed, retrying after backoff",
				logging.Err(err),
				logging.Duration("backoff", s.backoff),
			)
			delay = s.backoff
		} else {
			delay = tok.ExpiresAt.Sub(s.clock.Now())
			if delay < 0 {
				delay = 0
			}
			s.logger.Debug("Next token refresh scheduled",
				logging.Duration("in", delay),
				logging.Time("expires_at", tok.ExpiresAt),
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down token refresh scheduler")
			return
		case <-s.clock.After(delay):
		}

		tok, err = s.cache.ForceRefresh(ctx)
	}
}
