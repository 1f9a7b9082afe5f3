package recording

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkoval/huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// ChunkSource produces the recording artifact as a chunk stream, e.g. an
// encoder fed by the audio pipeline. External to the coordinator.
type ChunkSource interface {
	// Start begins capture; the returned channel closes when capture stops.
	Start(ctx context.Context) (<-chan []byte, error)
	Stop()
}

type active struct {
	rec      domain.Recording
	buffer   *Buffer
	seq      int
	cancel   context.CancelFunc
	drained  chan struct{}
	segments []domain.VADSegment
}

// Coordinator owns session-scoped recording: auto-start after the session
// stabilizes, durable buffering of every chunk before upload, bounded flush
// on leave, and the orphan sweep at next launch.
type Coordinator struct {
	fs       afero.Fs
	root     string
	uploader *Uploader
	source   ChunkSource

	autoStartDelay time.Duration

	mu  sync.Mutex
	cur *active
}

func NewCoordinator(fs afero.Fs, root string, uploader *Uploader, source ChunkSource, autoStartDelay time.Duration) *Coordinator {
	return &Coordinator{
		fs:             fs,
		root:           root,
		uploader:       uploader,
		source:         source,
		autoStartDelay: autoStartDelay,
	}
}

// OnConnected schedules the auto-start once the outbound audio link has had
// a moment to stabilize. Cancelled if ctx ends first.
func (c *Coordinator) OnConnected(ctx context.Context, sessionID domain.SessionID) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.autoStartDelay):
		}
		if err := c.Start(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("module", "recording").Msg("auto-start failed")
		}
	}()
}

// Start begins a recording session. One active at a time; a second Start is
// a no-op.
func (c *Coordinator) Start(ctx context.Context, sessionID domain.SessionID) error {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	now := time.Now()
	id := domain.RecordingID(uuid.NewString())
	buf, err := NewBuffer(c.fs, c.root, sessionID, id, now)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	chunks, err := c.source.Start(runCtx)
	if err != nil {
		cancel()
		_ = buf.Purge()
		return err
	}

	a := &active{
		rec:     domain.Recording{ID: id, SessionID: sessionID, StartedAt: now, IsActive: true},
		buffer:  buf,
		cancel:  cancel,
		drained: make(chan struct{}),
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		cancel()
		c.source.Stop()
		_ = buf.Purge()
		return nil
	}
	c.cur = a
	c.mu.Unlock()

	log.Info().Str("module", "recording").Str("recording_id", string(id)).Msg("recording started")
	go c.consume(a, chunks)
	return nil
}

// consume durably buffers each chunk as it arrives. A failed write is
// best-effort: logged and dropped, never fatal to the session.
func (c *Coordinator) consume(a *active, chunks <-chan []byte) {
	defer close(a.drained)
	for chunk := range chunks {
		if err := a.buffer.Append(a.seq, chunk); err != nil {
			log.Warn().Err(err).Str("module", "recording").Int("seq", a.seq).Msg("chunk write failed")
			continue
		}
		a.seq++
	}
}

// AddVADSegment attaches speech-segment metadata to the active recording.
func (c *Coordinator) AddVADSegment(seg domain.VADSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		c.cur.segments = append(c.cur.segments, seg)
	}
}

// Active reports whether a recording is in flight.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Stop ends capture and attempts the upload flush within ctx's bounds. On
// failure or timeout the buffered chunks stay on disk for the next sweep;
// the error is reported but must never block leave.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	a := c.cur
	c.cur = nil
	c.mu.Unlock()
	if a == nil {
		return nil
	}

	c.source.Stop()
	a.cancel()
	select {
	case <-a.drained:
	case <-ctx.Done():
	}

	if err := c.flush(ctx, a.buffer, a.segments); err != nil {
		log.Warn().Err(err).Str("module", "recording").
			Str("recording_id", string(a.rec.ID)).
			Msg("flush failed, buffer kept for retry")
		return err
	}
	return nil
}

func (c *Coordinator) flush(ctx context.Context, buf *Buffer, segments []domain.VADSegment) error {
	meta := buf.Meta()
	if meta.ChunkCount == 0 {
		return buf.Purge()
	}
	blob, err := buf.Merged()
	if err != nil {
		return err
	}
	hr := HandleRequest{
		RecordingID: meta.RecordingID,
		SessionID:   meta.SessionID,
		StartedAt:   meta.StartedAt,
		EndedAt:     meta.UpdatedAt,
		DurationMS:  meta.UpdatedAt.Sub(meta.StartedAt).Milliseconds(),
		SizeBytes:   meta.TotalSize,
		Segments:    segments,
	}
	if err := c.uploader.Upload(ctx, hr, blob); err != nil {
		return err
	}
	// Purge only after the server confirmed durable receipt.
	return buf.Purge()
}

// SweepOrphans uploads recordings left behind by earlier runs. Tolerates
// zero, one, or several orphans, also for the same session.
func (c *Coordinator) SweepOrphans(ctx context.Context) error {
	orphans, err := ListOrphans(c.fs, c.root)
	if err != nil {
		return err
	}
	for _, meta := range orphans {
		c.mu.Lock()
		activeID := domain.RecordingID("")
		if c.cur != nil {
			activeID = c.cur.rec.ID
		}
		c.mu.Unlock()
		if meta.RecordingID == activeID {
			continue
		}
		buf, err := OpenBuffer(c.fs, c.root, meta.RecordingID)
		if err != nil {
			continue
		}
		if err := c.flush(ctx, buf, nil); err != nil {
			log.Warn().Err(err).Str("module", "recording").
				Str("recording_id", string(meta.RecordingID)).
				Msg("orphan flush failed, will retry later")
			continue
		}
		log.Info().Str("module", "recording").
			Str("recording_id", string(meta.RecordingID)).
			Msg("orphan recording uploaded")
	}
	return nil
}
