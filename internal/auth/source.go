// Package auth implements the client side of the credential refresh
// contract: proactive renewal before expiry, and coalescing of concurrent
// refreshes so a burst of 401s produces one network call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrReauthRequired means refresh itself was rejected; the session must end
// and the user re-authenticate.
var ErrReauthRequired = errors.New("re-authentication required")

type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

// RefreshFunc performs the actual network refresh. Token mechanics beyond
// this call are outside the session core.
type RefreshFunc func(ctx context.Context) (Credentials, error)

// Source hands out valid credentials, refreshing proactively within margin
// of expiry rather than reacting to mid-session failures.
type Source struct {
	refresh RefreshFunc
	margin  time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	creds Credentials

	group singleflight.Group
}

func NewSource(refresh RefreshFunc, margin time.Duration) *Source {
	return &Source{refresh: refresh, margin: margin, now: time.Now}
}

// Token returns a credential valid past the safety margin, refreshing if
// needed. Concurrent callers share a single refresh call and all receive
// the same result.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()

	if creds.Token != "" && s.now().Add(s.margin).Before(creds.ExpiresAt) {
		return creds.Token, nil
	}

	v, err, shared := s.group.Do("refresh", func() (any, error) {
		fresh, err := s.refresh(ctx)
		if err != nil {
			// One retry before escalating: a single failure is often a
			// transient network fault, not a revoked grant.
			log.Warn().Err(err).Str("module", "auth").Msg("refresh failed, retrying")
			fresh, err = s.refresh(ctx)
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		s.mu.Lock()
		s.creds = fresh
		s.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		log.Debug().Str("module", "auth").Msg("refresh coalesced")
	}
	return v.(Credentials).Token, nil
}

// Invalidate drops the cached credential, forcing the next Token call to
// refresh. Used after a server-side unauthorized response.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()
}
