package audio

import (
	"sync"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	VADSpeechStart = "speech_start"
	VADSpeechEnd   = "speech_end"
)

// VADEvent comes from the external voice-activity detector. Offsets are
// milliseconds relative to pipeline start.
type VADEvent struct {
	Kind     string
	OffsetMS int64
}

// vadTracker keeps at most one open speech segment.
type vadTracker struct {
	mu        sync.Mutex
	open      bool
	startMS   int64
	onEvent   func(VADEvent)
	onSegment func(domain.VADSegment)
}

// OnVADForward sets the passthrough of raw detector events to signaling.
func (p *Pipeline) OnVADForward(fn func(VADEvent)) {
	p.vad.mu.Lock()
	p.vad.onEvent = fn
	p.vad.mu.Unlock()
}

// OnVADSegment sets the consumer of closed segments (recording metadata).
func (p *Pipeline) OnVADSegment(fn func(domain.VADSegment)) {
	p.vad.mu.Lock()
	p.vad.onSegment = fn
	p.vad.mu.Unlock()
}

// HandleVADEvent forwards the event unmodified and maintains the single open
// segment. A speech_end without a preceding open speech_start is ignored.
func (p *Pipeline) HandleVADEvent(ev VADEvent) {
	t := &p.vad
	t.mu.Lock()
	forward := t.onEvent
	var segment *domain.VADSegment
	switch ev.Kind {
	case VADSpeechStart:
		if t.open {
			// New start closes nothing; the detector restarted a segment.
			log.Debug().Str("module", "audio").Int64("offset_ms", ev.OffsetMS).Msg("vad: start while segment open, resetting")
		}
		t.open = true
		t.startMS = ev.OffsetMS
	case VADSpeechEnd:
		if !t.open {
			t.mu.Unlock()
			log.Debug().Str("module", "audio").Int64("offset_ms", ev.OffsetMS).Msg("vad: end without open segment, ignoring")
			return
		}
		t.open = false
		segment = &domain.VADSegment{StartMS: t.startMS, EndMS: ev.OffsetMS}
	default:
		t.mu.Unlock()
		log.Warn().Str("module", "audio").Str("kind", ev.Kind).Msg("vad: unknown event kind")
		return
	}
	onSegment := t.onSegment
	t.mu.Unlock()

	if forward != nil {
		forward(ev)
	}
	if segment != nil && onSegment != nil {
		onSegment(*segment)
	}
}
