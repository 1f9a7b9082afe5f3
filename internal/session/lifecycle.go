package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mkoval/huddle/internal/audio"
	"github.com/mkoval/huddle/internal/domain"
	"github.com/mkoval/huddle/internal/media"
	"github.com/mkoval/huddle/internal/signal"
	"github.com/rs/zerolog/log"
)

// Join establishes the session. Idempotent: a call while a join is already
// in flight, or while connected, observes that and returns without side
// effects, so re-entrant UI mounting collapses into one logical attempt.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case domain.StatusConnected, domain.StatusReconnecting:
		m.mu.Unlock()
		log.Info().Str("module", "session").Msg("join: already established, skipping")
		return nil
	case domain.StatusConnecting:
		m.mu.Unlock()
		log.Info().Str("module", "session").Msg("join: already in progress, skipping")
		return nil
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	m.attempt = &joinAttempt{cancel: cancel}
	m.status = domain.StatusConnecting
	m.session.Status = domain.StatusConnecting
	m.mu.Unlock()

	err := m.doJoin(attemptCtx)

	m.mu.Lock()
	m.attempt = nil
	m.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// A cancelled join returns to idle; nothing was promoted.
			m.setStatus(domain.StatusIdle)
			return err
		}
		m.fail(err)
		return err
	}
	return nil
}

// doJoin runs the join steps, checking the cancellation token after every
// suspension point so an aborted join leaves no observable transport
// mutation behind.
func (m *Manager) doJoin(ctx context.Context) error {
	// (a) credentials from the session-management collaborator.
	token, err := m.creds.Token(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// (b) open the signaling channel.
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if err := m.channel.Dial(ctx, header); err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	if err := ctx.Err(); err != nil {
		m.channel.Close()
		return err
	}

	// (c) local audio capture; a missing microphone degrades the session to
	// muted rather than blocking the join.
	m.startAudio(ctx)
	if err := ctx.Err(); err != nil {
		m.channel.Close()
		return err
	}

	// (d) announce ourselves and wait for the roster.
	m.send(signal.TypeJoin, "", signal.JoinPayload{DisplayName: m.cfg.DisplayName, Token: token})
	joined, err := m.awaitJoined(ctx)
	if err != nil {
		m.channel.Close()
		return err
	}
	if err := ctx.Err(); err != nil {
		m.channel.Close()
		return err
	}

	m.applyRoster(joined)

	runCtx, runCancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCancel = runCancel
	m.status = domain.StatusConnected
	m.session.Status = domain.StatusConnected
	sessionID := m.session.ID
	m.mu.Unlock()

	// Existing peers get a link with us as offer-initiator; later joiners
	// offer first and we answer.
	m.dialPeers(runCtx, joined)

	go m.run(runCtx)
	if m.recorder != nil {
		m.recorder.OnConnected(runCtx, sessionID)
	}
	m.send(signal.TypeChatHistory, "", nil)

	log.Info().Str("module", "session").
		Str("session_id", string(sessionID)).
		Str("peer_id", string(m.SelfID())).
		Msg("connected")
	return nil
}

func (m *Manager) startAudio(ctx context.Context) {
	if m.pipeline == nil {
		return
	}
	m.mu.Lock()
	deviceID, gain := m.audio.DeviceID, m.audio.Gain
	m.mu.Unlock()
	if err := m.pipeline.Start(ctx, deviceID, gain); err != nil {
		if errors.Is(err, audio.ErrNoMicrophone) {
			log.Warn().Str("module", "session").Msg("no microphone, joining muted")
		} else {
			log.Warn().Err(err).Str("module", "session").Msg("audio capture failed, joining muted")
		}
		m.mu.Lock()
		m.audio.Muted = true
		m.mu.Unlock()
	}
}

// awaitJoined consumes the channel until the roster arrives. Runs before
// the dispatch loop starts, so it is the only reader.
func (m *Manager) awaitJoined(ctx context.Context) (signal.JoinedPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return signal.JoinedPayload{}, fmt.Errorf("await roster: %w", ctx.Err())
		case err := <-m.channel.Closed():
			return signal.JoinedPayload{}, fmt.Errorf("signaling lost during join: %w", err)
		case env := <-m.channel.Messages():
			switch env.Type {
			case signal.TypeJoined:
				var p signal.JoinedPayload
				if err := env.Decode(&p); err != nil {
					return signal.JoinedPayload{}, err
				}
				return p, nil
			case signal.TypeError:
				var p signal.ErrorPayload
				if err := env.Decode(&p); err != nil {
					return signal.JoinedPayload{}, err
				}
				if fatal := fatalSignalError(p); fatal != nil {
					return signal.JoinedPayload{}, fatal
				}
				log.Warn().Str("module", "session").Str("code", p.Code).Str("message", p.Message).Msg("server error during join")
			case signal.TypeMeetingEnded:
				var p signal.MeetingEndedPayload
				_ = env.Decode(&p)
				return signal.JoinedPayload{}, fmt.Errorf("%w: %s", ErrMeetingEnded, p.Reason)
			default:
				log.Debug().Str("module", "session").Str("type", string(env.Type)).Msg("pre-roster message ignored")
			}
		}
	}
}

func (m *Manager) applyRoster(joined signal.JoinedPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfID = joined.SelfID
	m.session.ID = joined.SessionID
	m.participants = make(map[domain.PeerID]*domain.Participant, len(joined.Participants))
	for _, p := range joined.Participants {
		cp := p
		m.participants[p.ID] = &cp
		if p.ID == joined.SelfID {
			m.selfRole = p.Role
		}
		if p.IsScreenSharing && p.ID != joined.SelfID && m.arbiter != nil {
			m.arbiter.SetRemoteOwner(p.ID)
		}
	}
	if _, ok := m.participants[joined.SelfID]; !ok {
		m.participants[joined.SelfID] = &domain.Participant{
			ID:          joined.SelfID,
			DisplayName: m.cfg.DisplayName,
			Role:        domain.RoleParticipant,
			AudioMuted:  m.audio.Muted,
		}
	}
	if m.arbiter != nil {
		m.arbiter.SetSelf(joined.SelfID)
	}
}

func (m *Manager) dialPeers(ctx context.Context, joined signal.JoinedPayload) {
	if m.links == nil {
		return
	}
	for _, p := range joined.Participants {
		if p.ID == joined.SelfID {
			continue
		}
		if err := m.offerPeer(ctx, p.ID); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer_id", string(p.ID)).Msg("initiate link")
		}
	}
}

func (m *Manager) offerPeer(ctx context.Context, peer domain.PeerID) error {
	link, err := m.links.Create(ctx, peer, media.RoleInitiator)
	if err != nil {
		return err
	}
	if m.pipeline != nil {
		if track := m.pipeline.Track(); track != nil {
			if err := link.AddAudioTrack(track); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("peer_id", string(peer)).Msg("attach audio track")
			}
		}
	}
	offer, err := link.CreateOffer()
	if err != nil {
		m.links.Drop(peer)
		return err
	}
	m.send(signal.TypeOffer, peer, signal.SDPPayload{SDP: offer.SDP})
	return nil
}

// Leave tears the session down. Idempotent and tolerant of partial state:
// safe before any join, safe twice, and the same path runs from
// environment-level unload hooks on abrupt close.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.attempt != nil {
		m.attempt.cancel()
		m.attempt = nil
	}
	cancel := m.runCancel
	m.runCancel = nil
	alreadyDown := m.status == domain.StatusIdle || m.status == domain.StatusDisconnected
	m.status = domain.StatusDisconnected
	m.session.Status = domain.StatusDisconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !alreadyDown {
		if err := m.channel.TrySend(signal.Envelope{Type: signal.TypeLeave}); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("leave notice not sent")
		}
	}

	// Recording first: bounded flush, failure never blocks the teardown.
	if m.recorder != nil {
		flushCtx, flushCancel := context.WithTimeout(ctx, m.cfg.FlushTimeout)
		if err := m.recorder.Stop(flushCtx); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("recording flush incomplete")
		}
		flushCancel()
	}
	if m.arbiter != nil {
		m.arbiter.Reset()
	}
	if m.links != nil {
		m.links.CloseAll()
	}
	m.channel.Close()
	if m.pipeline != nil {
		m.pipeline.Close()
	}

	m.mu.Lock()
	m.participants = make(map[domain.PeerID]*domain.Participant)
	m.selfID = ""
	m.session = domain.Session{Status: domain.StatusDisconnected}
	m.mu.Unlock()

	if !alreadyDown {
		log.Info().Str("module", "session").Msg("left session")
	}
	return nil
}
