package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/mkoval/huddle/internal/signal"
)

func envelope(t *testing.T, typ signal.Type, from domain.PeerID, payload any) signal.Envelope {
	t.Helper()
	env, err := signal.NewEnvelope(typ, "", payload)
	require.NoError(t, err)
	env.From = from
	return env
}

func TestRosterTracksJoinAndLeave(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeParticipantJoined, "", signal.ParticipantJoinedPayload{
		Participant: domain.Participant{ID: "p2", DisplayName: "ann"},
	}))
	require.Len(t, h.mgr.Participants(), 2)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeParticipantLeft, "", signal.ParticipantLeftPayload{PeerID: "p2"}))
	require.Len(t, h.mgr.Participants(), 1)
}

func TestRemoteMuteUpdatesRoster(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t, domain.Participant{ID: "me"}, domain.Participant{ID: "p2", DisplayName: "ann"})

	h.mgr.handle(context.Background(), envelope(t, signal.TypeParticipantMuted, "", signal.ParticipantMutedPayload{
		PeerID: "p2", Muted: true,
	}))

	for _, p := range h.mgr.Participants() {
		if p.ID == "p2" {
			assert.True(t, p.AudioMuted)
			return
		}
	}
	t.Fatal("p2 missing from roster")
}

func TestForceMuteTargetedAtSelfApplies(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeForceMute, "host", signal.ForceMutePayload{
		TargetID: "me", Muted: true,
	}))

	h.pipeline.mu.Lock()
	defer h.pipeline.mu.Unlock()
	assert.Equal(t, []bool{true}, h.pipeline.forceMuted)
}

func TestForceMuteForOtherPeerIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeForceMute, "host", signal.ForceMutePayload{
		TargetID: "someone-else", Muted: true,
	}))

	h.pipeline.mu.Lock()
	defer h.pipeline.mu.Unlock()
	assert.Empty(t, h.pipeline.forceMuted)
}

func TestBroadcastForceMuteApplies(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeForceMute, "host", signal.ForceMutePayload{Muted: true}))

	h.pipeline.mu.Lock()
	defer h.pipeline.mu.Unlock()
	assert.Equal(t, []bool{true}, h.pipeline.forceMuted)
}

func TestScreenShareEventsUpdateRoster(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t, domain.Participant{ID: "me"}, domain.Participant{ID: "p2"})

	h.mgr.handle(context.Background(), envelope(t, signal.TypeScreenShareStarted, "", signal.ScreenSharePayload{PeerID: "p2"}))
	for _, p := range h.mgr.Participants() {
		if p.ID == "p2" {
			assert.True(t, p.IsScreenSharing)
		}
	}

	h.mgr.handle(context.Background(), envelope(t, signal.TypeScreenShareStopped, "", signal.ScreenSharePayload{PeerID: "p2"}))
	for _, p := range h.mgr.Participants() {
		if p.ID == "p2" {
			assert.False(t, p.IsScreenSharing)
		}
	}
}

func TestChatHistoryBackfill(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	history := []domain.ChatMessage{
		domain.NewChatMessage("p2", "ann", "old one"),
		domain.NewChatMessage("p2", "ann", "old two"),
	}
	h.mgr.handle(context.Background(), envelope(t, signal.TypeChatHistory, "", signal.ChatHistoryPayload{Messages: history}))
	assert.Len(t, h.mgr.ChatLog(), 2)
}

func TestInboundChatDeduplicatesOwnEcho(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	msg, err := h.mgr.SendChat("hi")
	require.NoError(t, err)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeChatMessage, "me", msg))
	assert.Len(t, h.mgr.ChatLog(), 1)
}

func TestMeetingEndedIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeMeetingEnded, "", signal.MeetingEndedPayload{Reason: "host ended"}))

	assert.Equal(t, domain.StatusFailed, h.mgr.Status())
	select {
	case err := <-h.mgr.Errors():
		assert.ErrorIs(t, err, ErrMeetingEnded)
	case <-time.After(time.Second):
		t.Fatal("meeting-ended not surfaced")
	}
}

func TestNonFatalServerErrorKeepsSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeError, "", signal.ErrorPayload{
		Code: signal.ErrCodeBadPayload, Message: "malformed",
	}))
	assert.Equal(t, domain.StatusConnected, h.mgr.Status())
}

func TestUnauthorizedServerErrorIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.join(t)

	h.mgr.handle(context.Background(), envelope(t, signal.TypeError, "", signal.ErrorPayload{
		Code: signal.ErrCodeUnauthorized, Message: "token revoked",
	}))
	assert.Equal(t, domain.StatusFailed, h.mgr.Status())
}
