package media

import (
	"context"
	"errors"
	"sync"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrLinkClosed = errors.New("link closed")

// Role says which side of the offer/answer exchange this link plays. The
// client initiates toward peers already in the session and answers peers
// that join afterward.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAnswerer  Role = "answerer"
)

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Link wraps the media transport to one remote peer. All of the peer's
// transport state lives in this one object so a track event and a close
// event never have to cross-reference separate collections.
type Link struct {
	pc     *webrtc.PeerConnection
	peerID domain.PeerID
	cancel context.CancelFunc

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)

	mu           sync.Mutex
	closed       bool
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	audioSender  *webrtc.RTPSender
	screenSender *webrtc.RTPSender
}

func NewLink(cfg webrtc.Configuration, peerID domain.PeerID) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Link{pc: pc, peerID: peerID}, nil
}

// Start wires pion callbacks and binds the link lifetime to ctx.
func (l *Link) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media").Str("peer_id", string(l.peerID)).Str("peer_connection_state", s.String()).Msg("peer state")
		if l.onState != nil {
			l.onState(s)
		}
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && l.onICE != nil {
			l.onICE(cand.ToJSON())
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media").
			Str("peer_id", string(l.peerID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track received")
		if l.onTrack != nil {
			l.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

// OnICECandidate sets a callback for newly gathered local ICE candidates.
func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }

// OnTrack sets the callback invoked when a remote track arrives.
func (l *Link) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	l.onTrack = fn
}

// OnStateChange sets the callback for transport state transitions.
func (l *Link) OnStateChange(fn func(webrtc.PeerConnectionState)) { l.onState = fn }

// CreateOffer produces the local description for the initiator side.
func (l *Link) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return l.pc.LocalDescription(), nil
}

// ApplyOffer handles the answerer side: remote offer in, local answer out.
func (l *Link) ApplyOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	l.drainPending()
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return l.pc.LocalDescription(), nil
}

// ApplyAnswer completes the initiator side of the exchange.
func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	l.drainPending()
	return nil
}

// AddICECandidate applies a remote candidate. Candidates arriving before the
// remote description are buffered and drained once it is set.
func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(ci)
}

func (l *Link) drainPending() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ci := range pending {
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("peer_id", string(l.peerID)).Msg("buffered candidate rejected")
		}
	}
}

// AddAudioTrack attaches the outbound audio track and remembers its sender
// so a later device switch can replace the track in place. A link carries
// at most one audio sender; re-attaching (as happens when a renegotiation
// offer arrives on an established link) is a no-op.
func (l *Link) AddAudioTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	if l.audioSender != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.audioSender = sender
	l.mu.Unlock()
	return nil
}

// ReplaceAudioTrack swaps the outbound audio track without renegotiation.
func (l *Link) ReplaceAudioTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	sender := l.audioSender
	l.mu.Unlock()
	if sender == nil {
		return errors.New("no audio sender on link")
	}
	return sender.ReplaceTrack(track)
}

// AddScreenTrack publishes the screen-share track over this link.
func (l *Link) AddScreenTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.screenSender = sender
	l.mu.Unlock()
	return nil
}

// RemoveScreenTrack detaches the screen-share track, if present. Reports
// whether a track was attached, so callers renegotiate only where the
// transceiver set actually changed.
func (l *Link) RemoveScreenTrack() (bool, error) {
	l.mu.Lock()
	sender := l.screenSender
	l.screenSender = nil
	l.mu.Unlock()
	if sender == nil {
		return false, nil
	}
	return true, l.pc.RemoveTrack(sender)
}

func (l *Link) PeerID() domain.PeerID { return l.peerID }

func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops the underlying transport. Safe to call more than once.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("peer_id", string(l.peerID)).Msg("close error")
	} else {
		log.Info().Str("module", "media").Str("peer_id", string(l.peerID)).Msg("link closed")
	}
}
