package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func pcmFrom(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesFrom(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestApplyGainScales(t *testing.T) {
	pcm := pcmFrom(1000, -1000, 0)
	applyGain(pcm, 1.5)
	assert.Equal(t, []int16{1500, -1500, 0}, samplesFrom(pcm))
}

func TestApplyGainUnityIsNoop(t *testing.T) {
	pcm := pcmFrom(123, -456)
	applyGain(pcm, 1.0)
	assert.Equal(t, []int16{123, -456}, samplesFrom(pcm))
}

func TestApplyGainClampsAtBounds(t *testing.T) {
	pcm := pcmFrom(30000, -30000)
	applyGain(pcm, 2.0)
	assert.Equal(t, []int16{32767, -32768}, samplesFrom(pcm))
}
