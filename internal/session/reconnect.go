package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mkoval/huddle/internal/auth"
	"github.com/mkoval/huddle/internal/domain"
	"github.com/mkoval/huddle/internal/signal"
	"github.com/rs/zerolog/log"
)

// backoffDelay is base * 2^(attempt-1) for attempt >= 1.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// reconnect runs the resume policy after an unexpected transport loss.
// Media links are rebuilt from scratch; chat log and audio state survive.
// Returns false when the loop should stop (terminal failure or shutdown).
func (m *Manager) reconnect(ctx context.Context, cause error) bool {
	m.setStatus(domain.StatusReconnecting)
	log.Warn().Err(cause).Str("module", "session").Msg("transport lost, reconnecting")

	// Old links negotiate against a dead signaling path; rebuild cleanly.
	if m.links != nil {
		m.links.CloseAll()
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := m.sleep(ctx, backoffDelay(m.cfg.BaseDelay, attempt)); err != nil {
			return false
		}

		if err := m.resume(ctx); err != nil {
			if fatalResumeError(err) {
				// The server refused us outright; further attempts can
				// only get the same verdict.
				m.fail(err)
				return false
			}
			log.Warn().Err(err).Str("module", "session").Int("attempt", attempt).Msg("resume failed")
			continue
		}

		m.setStatus(domain.StatusConnected)
		log.Info().Str("module", "session").Int("attempt", attempt).Msg("resumed")
		return true
	}

	m.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, m.cfg.MaxAttempts, cause))
	return false
}

// fatalResumeError reports whether a resume failure is a server-side
// verdict rather than a transient transport problem.
func fatalResumeError(err error) bool {
	return errors.Is(err, ErrSessionFull) ||
		errors.Is(err, ErrMeetingEnded) ||
		errors.Is(err, auth.ErrReauthRequired)
}

// resume re-dials the channel and re-sends the join intent, re-establishing
// roster and links as if rejoining while preserving local state.
func (m *Manager) resume(ctx context.Context) error {
	token, err := m.creds.Token(ctx)
	if err != nil {
		return err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if err := m.channel.Dial(ctx, header); err != nil {
		return err
	}

	m.send(signal.TypeJoin, "", signal.JoinPayload{DisplayName: m.cfg.DisplayName, Token: token})
	joined, err := m.awaitJoined(ctx)
	if err != nil {
		m.channel.Close()
		return err
	}

	m.applyRoster(joined)
	m.dialPeers(ctx, joined)

	// Whether messages sent during the outage were delivered is unknown;
	// re-send unacked ones and let id dedup absorb any doubles.
	m.chat.Resend()

	m.mu.Lock()
	muted := m.audio.Muted
	m.mu.Unlock()
	m.send(signal.TypeMute, "", signal.MutePayload{Muted: muted})
	return nil
}
