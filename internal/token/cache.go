package token

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"esplora-auth-proxy/internal/common/errors"
	"esplora-auth-proxy/internal/common/logging"
)

// refreshKey is the single singleflight key: there is one upstream identity,
// so every refresh, forced or not, belongs to the same flight.
const refreshKey = "refresh"

// FetchFunc performs one client-credentials exchange.
type FetchFunc func(ctx context.Context) (AccessToken, error)

// Cache holds the current access token and serializes refreshes so that
// concurrent callers observing a missing or expired token share a single
// identity-provider exchange instead of issuing parallel ones.
type Cache struct {
	fetch  FetchFunc
	clock  Clock
	logger logging.Logger

	group singleflight.Group

	mu      sync.RWMutex
	current *AccessToken
}

// NewCache creates an empty cache backed by the given fetch function.
func NewCache(fetch FetchFunc, clock Clock, logger logging.Logger) *Cache {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Cache{
		fetch:  fetch,
		clock:  clock,
		logger: logger,
	}
}

// GetValid returns the cached token when it is still usable, without any
// network call. Otherwise it triggers exactly one fetch; callers arriving
// while that fetch is in flight wait for its result.
func (c *Cache) GetValid(ctx context.Context) (AccessToken, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if current != nil && current.Valid(c.clock.Now()) {
		return *current, nil
	}

	return c.refresh(ctx, false)
}

// ForceRefresh unconditionally fetches a new token, still collapsing into any
// refresh already in flight. On failure the previous token, if any, stays in
// place so a transient identity-provider outage does not erase a token that
// is otherwise still valid.
func (c *Cache) ForceRefresh(ctx context.Context) (AccessToken, error) {
	return c.refresh(ctx, true)
}

// refresh funnels every fetch through one singleflight key. The exchange runs
// detached from any single caller's context: a client hanging up must not
// abort a fetch other waiters depend on.
func (c *Cache) refresh(ctx context.Context, force bool) (AccessToken, error) {
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		if !force {
			// A caller that lost the race to a refresh that just completed
			// reuses its result instead of fetching again.
			c.mu.RLock()
			current := c.current
			c.mu.RUnlock()
			if current != nil && current.Valid(c.clock.Now()) {
				return *current, nil
			}
		}

		tok, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = &tok
		c.mu.Unlock()

		c.logger.Debug("Token cache updated", logging.Time("expires_at", tok.ExpiresAt))
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return AccessToken{}, errors.InternalError("canceled while waiting for token refresh", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	}
}

// Current returns the cached token, if any, without triggering a fetch.
func (c *Cache) Current() (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return AccessToken{}, false
	}
	return *c.current, true
}
