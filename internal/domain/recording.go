package domain

import "time"

type RecordingID string

type Recording struct {
	ID        RecordingID `json:"id"`
	SessionID SessionID   `json:"session_id"`
	StartedAt time.Time   `json:"started_at"`
	IsActive  bool        `json:"is_active"`
}

// VADSegment is one closed speech segment, offsets in milliseconds relative
// to pipeline start. Produced by the external detector, carried verbatim.
type VADSegment struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}
