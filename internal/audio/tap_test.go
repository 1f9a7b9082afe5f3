package audio

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTapAggregates(t *testing.T) {
	tap := NewChunkTap(100 * time.Millisecond)
	out, err := tap.Start(context.Background())
	require.NoError(t, err)

	frame := bytes.Repeat([]byte{0x01}, 960)
	for i := 0; i < 5; i++ {
		tap.Write(frame, 20*time.Millisecond)
	}

	select {
	case chunk := <-out:
		assert.Len(t, chunk, 5*len(frame))
	case <-time.After(time.Second):
		t.Fatal("no chunk emitted")
	}
}

func TestChunkTapStopFlushesRemainder(t *testing.T) {
	tap := NewChunkTap(time.Second)
	out, err := tap.Start(context.Background())
	require.NoError(t, err)

	tap.Write([]byte{1, 2, 3, 4}, 20*time.Millisecond)
	tap.Stop()

	chunk, ok := <-out
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, chunk)

	_, ok = <-out
	assert.False(t, ok, "stream must be closed after Stop")
}

func TestChunkTapStopIdempotent(t *testing.T) {
	tap := NewChunkTap(time.Second)
	_, err := tap.Start(context.Background())
	require.NoError(t, err)
	tap.Stop()
	tap.Stop()
}

func TestChunkTapWriteBeforeStartDropped(t *testing.T) {
	tap := NewChunkTap(50 * time.Millisecond)
	tap.Write([]byte{9, 9}, 20*time.Millisecond)

	out, err := tap.Start(context.Background())
	require.NoError(t, err)
	tap.Stop()

	_, ok := <-out
	assert.False(t, ok, "pre-start frames must not surface")
}

func TestChunkTapContextCancelStops(t *testing.T) {
	tap := NewChunkTap(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	out, err := tap.Start(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}
