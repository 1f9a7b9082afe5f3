package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mkoval/huddle/internal/domain"
)

func TestVADSegmentLifecycle(t *testing.T) {
	p := NewPipeline(fakeOpener(map[string]*fakeSource{}))

	var forwarded []VADEvent
	var segments []domain.VADSegment
	p.OnVADForward(func(ev VADEvent) { forwarded = append(forwarded, ev) })
	p.OnVADSegment(func(seg domain.VADSegment) { segments = append(segments, seg) })

	p.HandleVADEvent(VADEvent{Kind: VADSpeechStart, OffsetMS: 100})
	p.HandleVADEvent(VADEvent{Kind: VADSpeechEnd, OffsetMS: 900})

	assert.Len(t, forwarded, 2)
	assert.Equal(t, []domain.VADSegment{{StartMS: 100, EndMS: 900}}, segments)
}

func TestVADEndWithoutStartIgnored(t *testing.T) {
	p := NewPipeline(fakeOpener(map[string]*fakeSource{}))

	var segments []domain.VADSegment
	p.OnVADSegment(func(seg domain.VADSegment) { segments = append(segments, seg) })

	p.HandleVADEvent(VADEvent{Kind: VADSpeechEnd, OffsetMS: 500})
	assert.Empty(t, segments)
}

func TestVADRestartedSegmentUsesLatestStart(t *testing.T) {
	p := NewPipeline(fakeOpener(map[string]*fakeSource{}))

	var segments []domain.VADSegment
	p.OnVADSegment(func(seg domain.VADSegment) { segments = append(segments, seg) })

	p.HandleVADEvent(VADEvent{Kind: VADSpeechStart, OffsetMS: 100})
	p.HandleVADEvent(VADEvent{Kind: VADSpeechStart, OffsetMS: 300})
	p.HandleVADEvent(VADEvent{Kind: VADSpeechEnd, OffsetMS: 700})

	assert.Equal(t, []domain.VADSegment{{StartMS: 300, EndMS: 700}}, segments)
}

func TestVADUnknownKindDropped(t *testing.T) {
	p := NewPipeline(fakeOpener(map[string]*fakeSource{}))

	var forwarded []VADEvent
	p.OnVADForward(func(ev VADEvent) { forwarded = append(forwarded, ev) })

	p.HandleVADEvent(VADEvent{Kind: "sneeze", OffsetMS: 10})
	assert.Empty(t, forwarded)
}
