package session

import (
	"context"

	"github.com/mkoval/huddle/internal/audio"
	"github.com/mkoval/huddle/internal/domain"
	"github.com/mkoval/huddle/internal/signal"
)

// SendChat appends the message optimistically and relays it.
func (m *Manager) SendChat(content string) (domain.ChatMessage, error) {
	m.mu.Lock()
	self := m.selfID
	name := m.cfg.DisplayName
	m.mu.Unlock()
	return m.chat.SendLocal(self, name, content)
}

// SetMuted flips the local mute gate; the broadcast to peers rides the
// signaling path via the pipeline's mute hook.
func (m *Manager) SetMuted(muted bool) {
	if m.pipeline != nil {
		m.pipeline.SetMuted(muted)
	}
}

// SetGain adjusts the local gain stage.
func (m *Manager) SetGain(g float64) {
	g = domain.ClampGain(g)
	m.mu.Lock()
	m.audio.Gain = g
	m.mu.Unlock()
	if m.pipeline != nil {
		m.pipeline.SetGain(g)
	}
}

// SwitchDevice changes the capture device mid-session. Open links keep
// their negotiated state; only the outbound track is replaced.
func (m *Manager) SwitchDevice(deviceID string) error {
	if m.pipeline == nil {
		return nil
	}
	if err := m.pipeline.SwitchDevice(deviceID); err != nil {
		return err
	}
	m.mu.Lock()
	m.audio.DeviceID = deviceID
	m.mu.Unlock()
	return nil
}

// SetRemoteVolume adjusts local playback volume for one peer.
func (m *Manager) SetRemoteVolume(peer domain.PeerID, vol float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio.RemoteVolumes[peer] = domain.ClampGain(vol)
}

// RemoteVolume reads the peer's playback volume, default 1.0.
func (m *Manager) RemoteVolume(peer domain.PeerID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.audio.RemoteVolumes[peer]; ok {
		return v
	}
	return 1.0
}

// AudioState returns a copy of the authoritative audio settings.
func (m *Manager) AudioState() domain.AudioSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.audio
	cp.RemoteVolumes = make(map[domain.PeerID]float64, len(m.audio.RemoteVolumes))
	for k, v := range m.audio.RemoteVolumes {
		cp.RemoteVolumes[k] = v
	}
	return cp
}

// ForceMute sends the authoritative mute instruction to one participant.
// Host only. Enforcement on the target is advisory.
func (m *Manager) ForceMute(target domain.PeerID, muted bool) error {
	m.mu.Lock()
	role := m.selfRole
	m.mu.Unlock()
	if role != domain.RoleHost {
		return ErrNotHost
	}
	m.send(signal.TypeForceMute, target, signal.ForceMutePayload{TargetID: target, Muted: muted})
	return nil
}

// StartScreenShare acquires the share slot; ErrShareTaken and
// ErrCaptureDenied are the distinguishable failure modes.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	if m.arbiter == nil {
		return nil
	}
	return m.arbiter.Start(ctx)
}

// StopScreenShare releases the slot; a no-op when we are not sharing.
func (m *Manager) StopScreenShare() {
	if m.arbiter != nil {
		m.arbiter.Stop()
	}
}

// HandleVADEvent feeds a detector event into the pipeline, which forwards
// it on the signaling path and tracks the open segment.
func (m *Manager) HandleVADEvent(ev audio.VADEvent) {
	if m.pipeline != nil {
		m.pipeline.HandleVADEvent(ev)
	}
}
