package session

import (
	"context"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/mkoval/huddle/internal/media"
	"github.com/mkoval/huddle/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// run is the dispatch loop: one reader of the signaling channel, so
// per-peer messages are applied strictly in receipt order and session
// transitions never overlap.
func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-m.channel.Closed():
			if !m.reconnect(ctx, cause) {
				return
			}
		case env := <-m.channel.Messages():
			m.handle(ctx, env)
		}
	}
}

func (m *Manager) handle(ctx context.Context, env signal.Envelope) {
	switch env.Type {
	case signal.TypeParticipantJoined:
		m.handleParticipantJoined(env)
	case signal.TypeParticipantLeft:
		m.handleParticipantLeft(env)
	case signal.TypeParticipantMuted:
		m.handleParticipantMuted(env)
	case signal.TypeForceMute:
		m.handleForceMute(env)
	case signal.TypeOffer, signal.TypeScreenOffer:
		m.handleOffer(ctx, env)
	case signal.TypeAnswer, signal.TypeScreenAnswer:
		m.handleAnswer(env)
	case signal.TypeICECandidate, signal.TypeScreenICECandidate:
		m.handleCandidate(env)
	case signal.TypeScreenShareStarted:
		m.handleScreenShareStarted(env)
	case signal.TypeScreenShareStopped:
		m.handleScreenShareStopped(env)
	case signal.TypeChatMessage:
		m.handleChatMessage(env)
	case signal.TypeChatHistory:
		m.handleChatHistory(env)
	case signal.TypeMeetingEnded:
		m.handleMeetingEnded(env)
	case signal.TypeError:
		m.handleServerError(env)
	default:
		log.Warn().Str("module", "session").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

func (m *Manager) handleParticipantJoined(env signal.Envelope) {
	var p signal.ParticipantJoinedPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad participant-joined payload")
		return
	}
	m.mu.Lock()
	cp := p.Participant
	m.participants[cp.ID] = &cp
	m.mu.Unlock()
	log.Info().Str("module", "session").Str("peer_id", string(cp.ID)).Msg("participant joined")
	// The newcomer initiates; our link is created when their offer arrives.
}

func (m *Manager) handleParticipantLeft(env signal.Envelope) {
	var p signal.ParticipantLeftPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad participant-left payload")
		return
	}
	m.mu.Lock()
	delete(m.participants, p.PeerID)
	m.mu.Unlock()
	if m.links != nil {
		m.links.Drop(p.PeerID)
	}
	if m.arbiter != nil {
		m.arbiter.ClearRemoteOwner(p.PeerID)
	}
	log.Info().Str("module", "session").Str("peer_id", string(p.PeerID)).Msg("participant left")
}

func (m *Manager) handleParticipantMuted(env signal.Envelope) {
	var p signal.ParticipantMutedPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad participant-muted payload")
		return
	}
	m.mu.Lock()
	if entry, ok := m.participants[p.PeerID]; ok {
		entry.AudioMuted = p.Muted
	}
	m.mu.Unlock()
	if m.links != nil {
		m.links.SetRemoteMuted(p.PeerID, p.Muted)
	}
}

// handleForceMute applies a host-issued mute addressed to us. Advisory: the
// pipeline honors it like a local mute and nothing prevents unmuting later.
func (m *Manager) handleForceMute(env signal.Envelope) {
	var p signal.ForceMutePayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad force-mute payload")
		return
	}
	m.mu.Lock()
	self := m.selfID
	m.mu.Unlock()
	if p.TargetID != "" && p.TargetID != self {
		return
	}
	log.Info().Str("module", "session").Bool("muted", p.Muted).Msg("force-mute received")
	if m.pipeline != nil {
		m.pipeline.ApplyForceMute(p.Muted)
	}
}

func (m *Manager) handleOffer(ctx context.Context, env signal.Envelope) {
	if m.links == nil || env.From == "" {
		return
	}
	var p signal.SDPPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad offer payload")
		return
	}
	link, err := m.links.Create(ctx, env.From, media.RoleAnswerer)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer_id", string(env.From)).Msg("create link for offer")
		return
	}
	if m.pipeline != nil {
		if track := m.pipeline.Track(); track != nil {
			if err := link.AddAudioTrack(track); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("peer_id", string(env.From)).Msg("attach audio track")
			}
		}
	}
	answer, err := link.ApplyOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer_id", string(env.From)).Msg("apply offer")
		m.links.Drop(env.From)
		return
	}
	answerType := signal.TypeAnswer
	if env.Type == signal.TypeScreenOffer {
		answerType = signal.TypeScreenAnswer
	}
	m.send(answerType, env.From, signal.SDPPayload{SDP: answer.SDP})
}

// handleAnswer applies a remote answer only if the link still exists; an
// answer for a since-closed link is out-of-order traffic and is discarded.
func (m *Manager) handleAnswer(env signal.Envelope) {
	if m.links == nil {
		return
	}
	link, ok := m.links.Get(env.From)
	if !ok {
		log.Warn().Str("module", "session").Str("peer_id", string(env.From)).Msg("answer for unknown link, discarding")
		return
	}
	var p signal.SDPPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad answer payload")
		return
	}
	if err := link.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer_id", string(env.From)).Msg("apply answer")
	}
}

func (m *Manager) handleCandidate(env signal.Envelope) {
	if m.links == nil {
		return
	}
	link, ok := m.links.Get(env.From)
	if !ok {
		log.Warn().Str("module", "session").Str("peer_id", string(env.From)).Msg("candidate for unknown link, dropping")
		return
	}
	var p signal.CandidatePayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad candidate payload")
		return
	}
	ci := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		mid := p.SDPMid
		ci.SDPMid = &mid
	}
	idx := p.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	if err := link.AddICECandidate(ci); err != nil {
		// One rejected candidate is recoverable; others may still connect.
		log.Warn().Err(err).Str("module", "session").Str("peer_id", string(env.From)).Msg("add ice candidate")
	}
}

func (m *Manager) handleScreenShareStarted(env signal.Envelope) {
	var p signal.ScreenSharePayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad screen-share payload")
		return
	}
	m.mu.Lock()
	if entry, ok := m.participants[p.PeerID]; ok {
		entry.IsScreenSharing = true
	}
	self := m.selfID
	m.mu.Unlock()
	if m.arbiter != nil && p.PeerID != self {
		m.arbiter.SetRemoteOwner(p.PeerID)
	}
}

func (m *Manager) handleScreenShareStopped(env signal.Envelope) {
	var p signal.ScreenSharePayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad screen-share payload")
		return
	}
	m.mu.Lock()
	if entry, ok := m.participants[p.PeerID]; ok {
		entry.IsScreenSharing = false
	}
	self := m.selfID
	m.mu.Unlock()
	if m.arbiter != nil && p.PeerID != self {
		m.arbiter.ClearRemoteOwner(p.PeerID)
	}
}

func (m *Manager) handleChatMessage(env signal.Envelope) {
	var msg domain.ChatMessage
	if err := env.Decode(&msg); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad chat payload")
		return
	}
	m.chat.Receive(msg)
}

func (m *Manager) handleChatHistory(env signal.Envelope) {
	var p signal.ChatHistoryPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad chat-history payload")
		return
	}
	m.chat.Backfill(p.Messages)
}

// handleMeetingEnded is terminal; no reconnection is attempted and the
// reason is surfaced.
func (m *Manager) handleMeetingEnded(env signal.Envelope) {
	var p signal.MeetingEndedPayload
	_ = env.Decode(&p)
	log.Info().Str("module", "session").Str("reason", p.Reason).Msg("meeting ended by server")
	m.teardownMedia()
	m.fail(ErrMeetingEnded)
}

func (m *Manager) handleServerError(env signal.Envelope) {
	var p signal.ErrorPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad error payload")
		return
	}
	if fatal := fatalSignalError(p); fatal != nil {
		m.teardownMedia()
		m.fail(fatal)
		return
	}
	log.Warn().Str("module", "session").Str("code", p.Code).Str("message", p.Message).Msg("server error")
}

func (m *Manager) teardownMedia() {
	if m.arbiter != nil {
		m.arbiter.Reset()
	}
	if m.links != nil {
		m.links.CloseAll()
	}
	m.channel.Close()
}
