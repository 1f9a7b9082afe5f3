package media

import (
	"context"
	"sync"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SinkFactory builds the sink a newly arrived remote track feeds into.
type SinkFactory func(peerID domain.PeerID, kind webrtc.RTPCodecType) RTPSink

// linkRecord keeps everything belonging to one peer in one place: the
// transport, its role, and the readers of its remote tracks.
type linkRecord struct {
	link    *Link
	role    Role
	streams map[string]*StreamReader // by remote track id
}

// Registry owns every per-peer media link. drop() is the sole cleanup path,
// whether triggered by peer departure or transport failure, so teardown can
// never run twice or halfway.
type Registry struct {
	cfg   webrtc.Configuration
	sinks SinkFactory

	mu    sync.RWMutex
	links map[domain.PeerID]*linkRecord

	onCandidate   func(peerID domain.PeerID, ci webrtc.ICECandidateInit)
	onDropped     func(peerID domain.PeerID)
	onRenegotiate func(peerID domain.PeerID, offer webrtc.SessionDescription)
}

func NewRegistry(cfg webrtc.Configuration, sinks SinkFactory) *Registry {
	if sinks == nil {
		sinks = func(domain.PeerID, webrtc.RTPCodecType) RTPSink { return DiscardSink{} }
	}
	return &Registry{
		cfg:   cfg,
		sinks: sinks,
		links: make(map[domain.PeerID]*linkRecord),
	}
}

// OnCandidate sets where locally gathered candidates are forwarded
// (the signaling channel, via the session manager).
func (r *Registry) OnCandidate(fn func(domain.PeerID, webrtc.ICECandidateInit)) {
	r.onCandidate = fn
}

// OnDropped is invoked after a link has been torn down and removed.
func (r *Registry) OnDropped(fn func(domain.PeerID)) { r.onDropped = fn }

// OnRenegotiate sets where renegotiation offers are forwarded when a track
// is added to or removed from an already-negotiated link. A track change
// is invisible to the peer until this offer completes a fresh exchange.
func (r *Registry) OnRenegotiate(fn func(domain.PeerID, webrtc.SessionDescription)) {
	r.onRenegotiate = fn
}

func (r *Registry) renegotiate(link *Link) {
	if r.onRenegotiate == nil {
		return
	}
	offer, err := link.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Str("peer_id", string(link.PeerID())).Msg("renegotiation offer")
		return
	}
	r.onRenegotiate(link.PeerID(), *offer)
}

// Create allocates a link for the peer, or returns the existing one: a
// duplicate discovery of the same peer must not produce a second transport.
func (r *Registry) Create(ctx context.Context, peerID domain.PeerID, role Role) (*Link, error) {
	r.mu.Lock()
	if rec, ok := r.links[peerID]; ok {
		r.mu.Unlock()
		log.Info().Str("module", "media").Str("peer_id", string(peerID)).Msg("create: link exists, reusing")
		return rec.link, nil
	}
	r.mu.Unlock()

	link, err := NewLink(r.cfg, peerID)
	if err != nil {
		return nil, err
	}

	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if r.onCandidate != nil {
			r.onCandidate(peerID, ci)
		}
	})
	link.OnStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			r.Drop(peerID)
		}
	})
	link.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.attachStream(trackCtx, peerID, track)
	})

	if err := link.Start(ctx); err != nil {
		link.Close()
		return nil, err
	}

	r.mu.Lock()
	if rec, ok := r.links[peerID]; ok {
		// Lost the race to another create; keep the first transport.
		r.mu.Unlock()
		link.Close()
		return rec.link, nil
	}
	r.links[peerID] = &linkRecord{
		link:    link,
		role:    role,
		streams: make(map[string]*StreamReader),
	}
	r.mu.Unlock()

	log.Info().Str("module", "media").Str("peer_id", string(peerID)).Str("role", string(role)).Msg("link created")
	return link, nil
}

func (r *Registry) attachStream(ctx context.Context, peerID domain.PeerID, track *webrtc.TrackRemote) {
	sink := r.sinks(peerID, track.Kind())
	reader := NewStreamReader(track, sink)

	r.mu.Lock()
	rec, ok := r.links[peerID]
	if !ok {
		r.mu.Unlock()
		sink.Close()
		return
	}
	rec.streams[track.ID()] = reader
	r.mu.Unlock()

	logger := log.With().
		Str("module", "media").
		Str("peer_id", string(peerID)).
		Str("track_id", track.ID()).
		Logger()
	go reader.Run(ctx, &logger)
}

// Get returns the link for peerID if one exists.
func (r *Registry) Get(peerID domain.PeerID) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.links[peerID]
	if !ok {
		return nil, false
	}
	return rec.link, true
}

// Drop tears down the peer's link and remote streams and removes the record.
// Idempotent; this is the only teardown path.
func (r *Registry) Drop(peerID domain.PeerID) {
	r.mu.Lock()
	rec, ok := r.links[peerID]
	if ok {
		delete(r.links, peerID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range rec.streams {
		s.MarkStopped()
	}
	rec.link.Close()
	log.Info().Str("module", "media").Str("peer_id", string(peerID)).Msg("link dropped")
	if r.onDropped != nil {
		r.onDropped(peerID)
	}
}

// SetRemoteMuted silences or resumes the peer's inbound audio locally.
func (r *Registry) SetRemoteMuted(peerID domain.PeerID, muted bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.links[peerID]
	if !ok {
		return
	}
	for _, s := range rec.streams {
		if s.GetState() == StreamStateStopped {
			continue
		}
		if muted {
			s.MarkMuted()
		} else {
			s.MarkOk()
		}
	}
}

// ReplaceAudioTrackAll swaps the outbound audio track on every open link
// without renegotiation. Used on microphone switch.
func (r *Registry) ReplaceAudioTrackAll(track webrtc.TrackLocal) {
	for _, link := range r.snapshot() {
		if err := link.ReplaceAudioTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("peer_id", string(link.PeerID())).Msg("replace audio track")
		}
	}
}

// AddAudioTrackAll attaches the outbound audio track to every open link.
func (r *Registry) AddAudioTrackAll(track webrtc.TrackLocal) {
	for _, link := range r.snapshot() {
		if err := link.AddAudioTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("peer_id", string(link.PeerID())).Msg("add audio track")
		}
	}
}

// AddScreenTrackAll publishes the screen-share track on every open link and
// renegotiates each one; without the new offer the added track is never
// transmitted.
func (r *Registry) AddScreenTrackAll(track webrtc.TrackLocal) {
	for _, link := range r.snapshot() {
		if err := link.AddScreenTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("peer_id", string(link.PeerID())).Msg("add screen track")
			continue
		}
		r.renegotiate(link)
	}
}

// RemoveScreenTrackAll detaches the screen-share track everywhere, again
// renegotiating the links that carried it.
func (r *Registry) RemoveScreenTrackAll() {
	for _, link := range r.snapshot() {
		removed, err := link.RemoveScreenTrack()
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("peer_id", string(link.PeerID())).Msg("remove screen track")
			continue
		}
		if removed {
			r.renegotiate(link)
		}
	}
}

func (r *Registry) snapshot() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Link, 0, len(r.links))
	for _, rec := range r.links {
		out = append(out, rec.link)
	}
	return out
}

// Peers lists the peers with an open link.
func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// CloseAll drops every link. Used on leave and on reconnect, where links are
// rebuilt from scratch.
func (r *Registry) CloseAll() {
	for _, id := range r.Peers() {
		r.Drop(id)
	}
}
