package recording

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"sync"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	metaFile  = "meta.json"
	chunksDir = "chunks"
)

// Meta is persisted separately from the chunk payloads, so a flush only
// writes the chunks newer than the recorded index, never the history.
type Meta struct {
	RecordingID domain.RecordingID `json:"recording_id"`
	SessionID   domain.SessionID   `json:"session_id"`
	StartedAt   time.Time          `json:"started_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ChunkCount  int                `json:"chunk_count"`
	TotalSize   int64              `json:"total_size"`
}

// Buffer is the durable local store for one recording's chunks. It lives on
// an afero filesystem: the real disk in production, an in-memory fs in
// tests. It must survive page reloads and abrupt disconnects, so every
// chunk hits the filesystem before any upload is attempted.
type Buffer struct {
	fs  afero.Fs
	dir string

	mu   sync.Mutex
	meta Meta
}

func recDir(root string, id domain.RecordingID) string {
	return filepath.Join(root, string(id))
}

// NewBuffer creates the on-disk layout for a fresh recording.
func NewBuffer(fs afero.Fs, root string, sessionID domain.SessionID, id domain.RecordingID, startedAt time.Time) (*Buffer, error) {
	dir := recDir(root, id)
	if err := fs.MkdirAll(filepath.Join(dir, chunksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}
	b := &Buffer{
		fs:  fs,
		dir: dir,
		meta: Meta{
			RecordingID: id,
			SessionID:   sessionID,
			StartedAt:   startedAt,
			UpdatedAt:   startedAt,
		},
	}
	if err := b.writeMeta(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenBuffer loads an existing recording buffer, e.g. an orphan found at
// the next app launch.
func OpenBuffer(fs afero.Fs, root string, id domain.RecordingID) (*Buffer, error) {
	dir := recDir(root, id)
	raw, err := afero.ReadFile(fs, filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read buffer meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse buffer meta: %w", err)
	}
	return &Buffer{fs: fs, dir: dir, meta: meta}, nil
}

func (b *Buffer) writeMeta() error {
	raw, err := json.Marshal(b.meta)
	if err != nil {
		return err
	}
	return afero.WriteFile(b.fs, filepath.Join(b.dir, metaFile), raw, 0o644)
}

func (b *Buffer) chunkPath(seq int) string {
	return filepath.Join(b.dir, chunksDir, fmt.Sprintf("%06d.bin", seq))
}

// Append persists the chunk at the given sequence number. Sequences already
// persisted are skipped, so re-flushing 0..9 over a buffer holding 0..4
// writes only 5..9. A gap is refused: the merged output must stay the exact
// concatenation.
func (b *Buffer) Append(seq int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq < b.meta.ChunkCount {
		log.Debug().Str("module", "recording").Int("seq", seq).Msg("chunk already persisted, skipping")
		return nil
	}
	if seq > b.meta.ChunkCount {
		return fmt.Errorf("chunk sequence gap: have %d, got %d", b.meta.ChunkCount, seq)
	}
	if err := afero.WriteFile(b.fs, b.chunkPath(seq), data, 0o644); err != nil {
		return fmt.Errorf("write chunk %d: %w", seq, err)
	}
	b.meta.ChunkCount++
	b.meta.TotalSize += int64(len(data))
	b.meta.UpdatedAt = time.Now()
	return b.writeMeta()
}

// Merged concatenates all chunks in sequence order.
func (b *Buffer) Merged() ([]byte, error) {
	b.mu.Lock()
	count := b.meta.ChunkCount
	size := b.meta.TotalSize
	b.mu.Unlock()

	out := make([]byte, 0, size)
	for seq := 0; seq < count; seq++ {
		data, err := afero.ReadFile(b.fs, b.chunkPath(seq))
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", seq, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// Meta returns a copy of the current metadata.
func (b *Buffer) Meta() Meta {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta
}

// Purge removes the buffer after the server confirmed durable receipt.
func (b *Buffer) Purge() error {
	return b.fs.RemoveAll(b.dir)
}

// ListOrphans finds recordings left behind by an earlier run: zero, one, or
// several per session. Unreadable entries are skipped with a warning.
func ListOrphans(fs afero.Fs, root string) ([]Meta, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, nil // no buffer dir yet means no orphans
	}
	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := OpenBuffer(fs, root, domain.RecordingID(e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("module", "recording").Str("dir", e.Name()).Msg("unreadable orphan, skipping")
			continue
		}
		out = append(out, b.Meta())
	}
	return out, nil
}
