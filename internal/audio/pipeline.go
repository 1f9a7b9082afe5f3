package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Pipeline is the local capture graph: source -> gain stage -> outbound
// track. Mute stops frame writes without tearing the graph down, so
// unmuting is instantaneous. A device switch rebuilds only the source and
// the outbound track; every open media link gets the new track via
// ReplaceTrack, never a renegotiation.
type Pipeline struct {
	opener SourceOpener

	mu      sync.Mutex
	source  Source
	track   *webrtc.TrackLocalStaticSample
	gain    float64
	muted   bool
	running bool
	cancel  context.CancelFunc

	onMuteChange    func(muted bool)
	onTrackReplaced func(track webrtc.TrackLocal)
	onFrame         func(pcm []byte, dur time.Duration)

	vad vadTracker
}

func NewPipeline(opener SourceOpener) *Pipeline {
	return &Pipeline{opener: opener, gain: 1.0}
}

// OnMuteChange is how mute transitions reach the signaling path; the state
// change itself is never renegotiated.
func (p *Pipeline) OnMuteChange(fn func(bool)) { p.onMuteChange = fn }

// OnTrackReplaced is wired to the media registry's ReplaceAudioTrackAll.
func (p *Pipeline) OnTrackReplaced(fn func(webrtc.TrackLocal)) { p.onTrackReplaced = fn }

// OnFrame taps post-gain frames, e.g. for the recording chunker. Muted
// frames never reach the tap.
func (p *Pipeline) OnFrame(fn func(pcm []byte, dur time.Duration)) { p.onFrame = fn }

func newOutboundTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "huddle-mic")
}

// Start opens the device and begins pumping frames. A missing microphone
// surfaces ErrNoMicrophone; the caller is expected to proceed muted.
func (p *Pipeline) Start(ctx context.Context, deviceID string, gain float64) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	src, err := p.opener(deviceID)
	if err != nil {
		return fmt.Errorf("open capture device %q: %w", deviceID, err)
	}
	track, err := newOutboundTrack()
	if err != nil {
		_ = src.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.source = src
	p.track = track
	p.gain = domain.ClampGain(gain)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	go p.pump(ctx)
	log.Info().Str("module", "audio").Str("device_id", deviceID).Msg("pipeline started")
	return nil
}

func (p *Pipeline) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		src := p.source
		p.mu.Unlock()
		if src == nil {
			return
		}

		pcm, dur, err := src.Read()
		if err != nil {
			p.mu.Lock()
			switched := p.source != nil && p.source != src
			p.mu.Unlock()
			if switched {
				// A device switch closed this source mid-read; carry on
				// with the replacement.
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("module", "audio").Msg("capture read error")
			}
			return
		}

		// Mute and gain are sampled after the blocking read so a toggle
		// made during the read already applies to this frame.
		p.mu.Lock()
		track, gain, muted := p.track, p.gain, p.muted
		p.mu.Unlock()
		if track == nil {
			return
		}
		if muted {
			continue
		}
		applyGain(pcm, gain)
		if p.onFrame != nil {
			p.onFrame(pcm, dur)
		}
		if err := track.WriteSample(media.Sample{Data: pcm, Duration: dur}); err != nil {
			log.Warn().Err(err).Str("module", "audio").Msg("track write error")
		}
	}
}

// Track returns the current outbound track, nil before Start.
func (p *Pipeline) Track() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return nil
	}
	return p.track
}

// SetGain clamps and applies the gain stage; the rest of the graph is
// untouched.
func (p *Pipeline) SetGain(g float64) {
	p.mu.Lock()
	p.gain = domain.ClampGain(g)
	p.mu.Unlock()
}

func (p *Pipeline) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// SetMuted flips the outbound gate. The capture graph stays alive.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	changed := p.muted != muted
	p.muted = muted
	p.mu.Unlock()
	if changed && p.onMuteChange != nil {
		p.onMuteChange(muted)
	}
}

func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// ApplyForceMute applies a host-issued mute exactly as a local mute. This is
// advisory: nothing at the transport level stops the participant from
// unmuting again afterward.
func (p *Pipeline) ApplyForceMute(muted bool) {
	p.SetMuted(muted)
}

// SwitchDevice opens the new device, swaps the source under the pump, and
// hands a fresh outbound track to the registered replacement hook. Call
// continuity is preserved: no offer/answer exchange happens.
func (p *Pipeline) SwitchDevice(deviceID string) error {
	src, err := p.opener(deviceID)
	if err != nil {
		return fmt.Errorf("open capture device %q: %w", deviceID, err)
	}
	track, err := newOutboundTrack()
	if err != nil {
		_ = src.Close()
		return err
	}

	p.mu.Lock()
	old := p.source
	p.source = src
	p.track = track
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if p.onTrackReplaced != nil {
		p.onTrackReplaced(track)
	}
	log.Info().Str("module", "audio").Str("device_id", deviceID).Msg("device switched")
	return nil
}

// Close releases the capture graph. Safe to call without Start.
func (p *Pipeline) Close() {
	p.mu.Lock()
	cancel := p.cancel
	src := p.source
	p.cancel = nil
	p.source = nil
	p.track = nil
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		_ = src.Close()
	}
}
