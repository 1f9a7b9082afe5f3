package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mkoval/huddle/internal/audio"
	"github.com/mkoval/huddle/internal/auth"
	"github.com/mkoval/huddle/internal/chat"
	"github.com/mkoval/huddle/internal/domain"
	"github.com/mkoval/huddle/internal/media"
	"github.com/mkoval/huddle/internal/screenshare"
	"github.com/mkoval/huddle/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionFull is terminal: the server refused the join for capacity.
	ErrSessionFull = errors.New("session at capacity")
	// ErrMeetingEnded is terminal: host or server ended the meeting.
	ErrMeetingEnded = errors.New("meeting ended")
	// ErrReconnectFailed surfaces after the backoff attempts are exhausted.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
	// ErrNotHost guards host-only controls.
	ErrNotHost = errors.New("only the host can force-mute")
)

// SignalChannel is what the manager needs from the signaling transport.
// *signal.Channel satisfies it; tests substitute a fake.
type SignalChannel interface {
	Dial(ctx context.Context, header http.Header) error
	Send(env signal.Envelope) error
	TrySend(env signal.Envelope) error
	Messages() <-chan signal.Envelope
	Closed() <-chan error
	Close()
}

// AudioPipeline is the slice of the audio package the manager drives.
type AudioPipeline interface {
	Start(ctx context.Context, deviceID string, gain float64) error
	Track() webrtc.TrackLocal
	SetGain(g float64)
	SetMuted(muted bool)
	Muted() bool
	ApplyForceMute(muted bool)
	SwitchDevice(deviceID string) error
	HandleVADEvent(ev audio.VADEvent)
	OnMuteChange(fn func(muted bool))
	OnTrackReplaced(fn func(track webrtc.TrackLocal))
	OnVADForward(fn func(ev audio.VADEvent))
	OnVADSegment(fn func(seg domain.VADSegment))
	Close()
}

// Recorder is the slice of the recording coordinator the manager drives.
type Recorder interface {
	OnConnected(ctx context.Context, sessionID domain.SessionID)
	Stop(ctx context.Context) error
	AddVADSegment(seg domain.VADSegment)
}

type Config struct {
	DisplayName  string
	DeviceID     string
	Gain         float64
	BaseDelay    time.Duration
	MaxAttempts  int
	JoinTimeout  time.Duration
	FlushTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.Gain == 0 {
		c.Gain = 1.0
	}
}

// joinAttempt is the cancellation token for one in-flight join. It is
// checked at every suspension point so a cancelled join can never promote
// itself to connected or leak a transport.
type joinAttempt struct {
	cancel context.CancelFunc
}

// Manager is the top-level state machine coordinating the signaling
// channel, media links, audio pipeline, screen-share arbiter, chat relay
// and recording coordinator. All state transitions are serialized under one
// mutex; external waits happen outside it.
type Manager struct {
	cfg      Config
	channel  SignalChannel
	links    *media.Registry
	pipeline AudioPipeline
	arbiter  *screenshare.Arbiter
	chat     *chat.Relay
	recorder Recorder
	creds    *auth.Source

	sleep func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	status       domain.SessionStatus
	session      domain.Session
	selfID       domain.PeerID
	selfRole     domain.Role
	participants map[domain.PeerID]*domain.Participant
	audio        *domain.AudioSettings
	attempt      *joinAttempt
	runCancel    context.CancelFunc

	errs chan error
}

func New(
	cfg Config,
	channel SignalChannel,
	links *media.Registry,
	pipeline AudioPipeline,
	arbiter *screenshare.Arbiter,
	recorder Recorder,
	creds *auth.Source,
) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:          cfg,
		channel:      channel,
		links:        links,
		pipeline:     pipeline,
		arbiter:      arbiter,
		recorder:     recorder,
		creds:        creds,
		sleep:        sleepCtx,
		status:       domain.StatusIdle,
		participants: make(map[domain.PeerID]*domain.Participant),
		audio:        domain.NewAudioSettings(cfg.DeviceID),
		errs:         make(chan error, 4),
	}
	m.chat = chat.NewRelay(func(msg domain.ChatMessage) error {
		env, err := signal.NewEnvelope(signal.TypeChatMessage, "", msg)
		if err != nil {
			return err
		}
		return m.channel.Send(env)
	})
	m.wire()
	return m
}

// wire connects component callbacks to the signaling path. Mutable state
// (mute, gain, device) lives in the shared settings object, not in closure
// captures.
func (m *Manager) wire() {
	if m.links != nil {
		m.links.OnCandidate(func(peer domain.PeerID, ci webrtc.ICECandidateInit) {
			m.sendCandidate(signal.TypeICECandidate, peer, ci)
		})
		// Screen-share publication changes the transceiver set on live
		// links; the resulting offer rides the screen negotiation path and
		// its answer lands in handleAnswer on the existing link.
		m.links.OnRenegotiate(func(peer domain.PeerID, offer webrtc.SessionDescription) {
			m.send(signal.TypeScreenOffer, peer, signal.SDPPayload{SDP: offer.SDP})
		})
	}
	if m.pipeline != nil {
		m.pipeline.OnMuteChange(func(muted bool) {
			m.mu.Lock()
			m.audio.Muted = muted
			if p, ok := m.participants[m.selfID]; ok {
				p.AudioMuted = muted
			}
			m.mu.Unlock()
			m.send(signal.TypeMute, "", signal.MutePayload{Muted: muted})
		})
		m.pipeline.OnTrackReplaced(func(track webrtc.TrackLocal) {
			if m.links != nil {
				m.links.ReplaceAudioTrackAll(track)
			}
		})
		m.pipeline.OnVADForward(func(ev audio.VADEvent) {
			m.send(signal.TypeVAD, "", signal.VADPayload{Kind: ev.Kind, OffsetMS: ev.OffsetMS})
		})
		m.pipeline.OnVADSegment(func(seg domain.VADSegment) {
			if m.recorder != nil {
				m.recorder.AddVADSegment(seg)
			}
		})
	}
	if m.arbiter != nil {
		m.arbiter.OnAnnounce(func(active bool) {
			t := signal.TypeScreenShareStop
			if active {
				t = signal.TypeScreenShareStart
			}
			m.send(t, "", nil)
			m.mu.Lock()
			if p, ok := m.participants[m.selfID]; ok {
				p.IsScreenSharing = active
			}
			m.mu.Unlock()
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Status returns the current state-machine state.
func (m *Manager) Status() domain.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SelfID returns the server-assigned peer id, "" before join completes.
func (m *Manager) SelfID() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// Participants returns a snapshot of the roster, the single source of truth
// for mute and share state.
func (m *Manager) Participants() []domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, *p)
	}
	return out
}

// Errors is the single top-level error surface consumed by the UI layer.
func (m *Manager) Errors() <-chan error { return m.errs }

// ChatLog returns the ordered chat log.
func (m *Manager) ChatLog() []domain.ChatMessage { return m.chat.Log() }

func (m *Manager) send(t signal.Type, target domain.PeerID, payload any) {
	env, err := signal.NewEnvelope(t, target, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("type", string(t)).Msg("build envelope")
		return
	}
	if err := m.channel.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("type", string(t)).Msg("send failed")
	}
}

func (m *Manager) sendCandidate(t signal.Type, peer domain.PeerID, ci webrtc.ICECandidateInit) {
	p := signal.CandidatePayload{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		p.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		p.SDPMLineIndex = *ci.SDPMLineIndex
	}
	m.send(t, peer, p)
}

// fail moves the machine to its terminal state and surfaces the cause.
// Every error path lands in exactly one defined state.
func (m *Manager) fail(cause error) {
	m.mu.Lock()
	m.status = domain.StatusFailed
	m.session.Status = domain.StatusFailed
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case m.errs <- cause:
	default:
	}
	log.Error().Err(cause).Str("module", "session").Msg("session failed")
}

func (m *Manager) setStatus(s domain.SessionStatus) {
	m.mu.Lock()
	m.status = s
	m.session.Status = s
	m.mu.Unlock()
}

func fatalSignalError(p signal.ErrorPayload) error {
	switch p.Code {
	case signal.ErrCodeRoomFull:
		return fmt.Errorf("%w: %s", ErrSessionFull, p.Message)
	case signal.ErrCodeUnauthorized:
		return fmt.Errorf("%w: %s", auth.ErrReauthRequired, p.Message)
	}
	return nil
}
