package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCoalescesConcurrentRefreshes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s := NewSource(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		<-release
		return Credentials{Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, 30*time.Second)

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = s.Token(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-1", tokens[i])
	}
}

func TestTokenRefreshesWithinMargin(t *testing.T) {
	var calls atomic.Int32
	s := NewSource(func(ctx context.Context) (Credentials, error) {
		n := calls.Add(1)
		return Credentials{
			Token:     "tok-" + string(rune('0'+n)),
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil
	}, 30*time.Second)

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// Still valid well past the margin, no second call.
	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())

	// Credential now inside the margin window; refresh fires proactively.
	s.mu.Lock()
	s.creds.ExpiresAt = time.Now().Add(10 * time.Second)
	s.mu.Unlock()

	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenRefreshFailure(t *testing.T) {
	boom := errors.New("refresh rejected")
	var calls atomic.Int32
	s := NewSource(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Credentials{}, boom
	}, 30*time.Second)

	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
	// One retry, then escalation.
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenRetriesTransientRefreshFailure(t *testing.T) {
	var calls atomic.Int32
	s := NewSource(func(ctx context.Context) (Credentials, error) {
		if calls.Add(1) == 1 {
			return Credentials{}, errors.New("connection reset")
		}
		return Credentials{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, 30*time.Second)

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var calls atomic.Int32
	s := NewSource(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Credentials{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, time.Second)

	_, err := s.Token(context.Background())
	require.NoError(t, err)
	s.Invalidate()
	_, err = s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
