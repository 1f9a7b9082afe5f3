package media

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoval/huddle/internal/domain"
)

func newTestRegistry() *Registry {
	// No ICE servers: host candidates are enough for offline link tests.
	return NewRegistry(webrtc.Configuration{}, nil)
}

func TestCreateIdempotentPerPeer(t *testing.T) {
	r := newTestRegistry()
	defer r.CloseAll()

	a, err := r.Create(context.Background(), "p1", RoleInitiator)
	require.NoError(t, err)
	b, err := r.Create(context.Background(), "p1", RoleAnswerer)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestDropRemovesLink(t *testing.T) {
	r := newTestRegistry()
	defer r.CloseAll()

	var mu sync.Mutex
	var dropped []domain.PeerID
	r.OnDropped(func(id domain.PeerID) {
		mu.Lock()
		dropped = append(dropped, id)
		mu.Unlock()
	})

	_, err := r.Create(context.Background(), "p1", RoleInitiator)
	require.NoError(t, err)

	r.Drop("p1")
	_, ok := r.Get("p1")
	assert.False(t, ok)
	assert.Zero(t, r.Len())

	// Second drop is a no-op.
	r.Drop("p1")
	mu.Lock()
	assert.Equal(t, []domain.PeerID{"p1"}, dropped)
	mu.Unlock()
}

func TestCloseAllDropsEverything(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(context.Background(), "p1", RoleInitiator)
	require.NoError(t, err)
	_, err = r.Create(context.Background(), "p2", RoleAnswerer)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	r.CloseAll()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Peers())
}

func TestGetUnknownPeer(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.Get("nobody")
	assert.False(t, ok)
}

func TestOfferAnswerAcrossLinks(t *testing.T) {
	r := newTestRegistry()
	defer r.CloseAll()

	initiator, err := r.Create(context.Background(), "remote", RoleInitiator)
	require.NoError(t, err)

	offer, err := initiator.CreateOffer()
	require.NoError(t, err)
	assert.NotEmpty(t, offer.SDP)
}

func newScreenTrack(t *testing.T) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "screen", "test-screen")
	require.NoError(t, err)
	return track
}

func TestScreenTrackChangesRenegotiate(t *testing.T) {
	r := newTestRegistry()
	defer r.CloseAll()

	var mu sync.Mutex
	offers := map[domain.PeerID]int{}
	r.OnRenegotiate(func(id domain.PeerID, offer webrtc.SessionDescription) {
		mu.Lock()
		defer mu.Unlock()
		assert.NotEmpty(t, offer.SDP)
		offers[id]++
	})

	_, err := r.Create(context.Background(), "p1", RoleInitiator)
	require.NoError(t, err)
	_, err = r.Create(context.Background(), "p2", RoleAnswerer)
	require.NoError(t, err)

	r.AddScreenTrackAll(newScreenTrack(t))
	mu.Lock()
	assert.Equal(t, map[domain.PeerID]int{"p1": 1, "p2": 1}, offers)
	mu.Unlock()

	r.RemoveScreenTrackAll()
	mu.Lock()
	assert.Equal(t, map[domain.PeerID]int{"p1": 2, "p2": 2}, offers)
	mu.Unlock()
}

func TestRemoveScreenTrackWithoutShareStaysQuiet(t *testing.T) {
	r := newTestRegistry()
	defer r.CloseAll()

	var offers int
	r.OnRenegotiate(func(domain.PeerID, webrtc.SessionDescription) { offers++ })

	_, err := r.Create(context.Background(), "p1", RoleInitiator)
	require.NoError(t, err)

	r.RemoveScreenTrackAll()
	assert.Zero(t, offers)
}

func TestAddAudioTrackOncePerLink(t *testing.T) {
	r := newTestRegistry()
	defer r.CloseAll()

	link, err := r.Create(context.Background(), "p1", RoleInitiator)
	require.NoError(t, err)

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "test-mic")
	require.NoError(t, err)

	require.NoError(t, link.AddAudioTrack(track))
	require.NoError(t, link.AddAudioTrack(track))
	assert.Len(t, link.pc.GetSenders(), 1)
}

func TestStreamReaderStateTransitions(t *testing.T) {
	reader := NewStreamReader(nil, nil)
	assert.Equal(t, StreamStateOk, reader.GetState())

	reader.MarkMuted()
	assert.Equal(t, StreamStateMuted, reader.GetState())

	reader.MarkOk()
	assert.Equal(t, StreamStateOk, reader.GetState())

	reader.MarkStopped()
	assert.Equal(t, StreamStateStopped, reader.GetState())
}

func TestDefaultWebRTCConfig(t *testing.T) {
	cfg := DefaultWebRTCConfig([]string{"stun:stun.example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICEServers[0].URLs)

	// Empty input falls back to the public STUN default.
	fallback := DefaultWebRTCConfig(nil)
	require.Len(t, fallback.ICEServers, 1)
	assert.NotEmpty(t, fallback.ICEServers[0].URLs)
}
