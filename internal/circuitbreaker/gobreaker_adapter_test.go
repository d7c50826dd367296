package circuitbreaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esplora-auth-proxy/internal/common/errors"
)

func TestGoBreaker_ClosedPassesThrough(t *testing.T) {
	breaker := NewGoBreaker("test", DefaultConfig(), nil)

	err := breaker.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestGoBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	config := Config{
		MaxFailures:           3,
		Timeout:               time.Minute,
		MaxConcurrentRequests: 1,
	}
	breaker := NewGoBreaker("test", config, nil)

	for i := 0; i < 3; i++ {
		err := breaker.Execute(context.Background(), func() error {
			return fmt.Errorf("boom")
		})
		require.Error(t, err)
	}

	assert.True(t, breaker.IsOpen())

	// an open breaker rejects without invoking the function
	called := false
	err := breaker.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.IsType(err, errors.ErrTypeNetwork))
}

func TestGoBreaker_CredentialRejectionDoesNotTrip(t *testing.T) {
	config := Config{
		MaxFailures:           2,
		Timeout:               time.Minute,
		MaxConcurrentRequests: 1,
	}
	breaker := NewGoBreaker("test", config, nil)

	for i := 0; i < 10; i++ {
		_ = breaker.Execute(context.Background(), func() error {
			return errors.UnauthorizedError("identity provider rejected client credentials")
		})
	}

	assert.False(t, breaker.IsOpen())
}

func TestGoBreaker_InvalidConfigFallsBackToDefaults(t *testing.T) {
	breaker := NewGoBreaker("test", Config{}, nil)

	err := breaker.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
