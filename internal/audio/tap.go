package audio

import (
	"context"
	"sync"
	"time"
)

// ChunkTap aggregates pipeline frames into fixed-duration chunks for the
// recording coordinator. It satisfies the coordinator's chunk-source
// contract: Start returns the chunk stream, Stop flushes the remainder and
// closes it.
type ChunkTap struct {
	chunkDur time.Duration

	mu      sync.Mutex
	running bool
	buf     []byte
	elapsed time.Duration
	out     chan []byte
}

func NewChunkTap(chunkDur time.Duration) *ChunkTap {
	if chunkDur <= 0 {
		chunkDur = 5 * time.Second
	}
	return &ChunkTap{chunkDur: chunkDur}
}

func (t *ChunkTap) Start(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.out, nil
	}
	t.running = true
	t.out = make(chan []byte, 8)
	out := t.out
	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return out, nil
}

// Write accepts one post-gain frame. Wire it to Pipeline.OnFrame.
func (t *ChunkTap) Write(pcm []byte, dur time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.buf = append(t.buf, pcm...)
	t.elapsed += dur
	if t.elapsed < t.chunkDur {
		return
	}
	t.emitLocked()
}

func (t *ChunkTap) emitLocked() {
	if len(t.buf) == 0 {
		return
	}
	chunk := make([]byte, len(t.buf))
	copy(chunk, t.buf)
	t.buf = t.buf[:0]
	t.elapsed = 0
	select {
	case t.out <- chunk:
	default:
		// Consumer stalled; dropping here is best-effort, the durable
		// buffer write happens downstream.
	}
}

// Stop flushes the partial chunk and closes the stream. Idempotent.
func (t *ChunkTap) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.emitLocked()
	t.running = false
	close(t.out)
}
