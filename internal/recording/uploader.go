package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// HandleRequest asks the server for a time-limited direct-upload target.
type HandleRequest struct {
	RecordingID domain.RecordingID  `json:"recording_id"`
	SessionID   domain.SessionID    `json:"session_id"`
	StartedAt   time.Time           `json:"started_at"`
	EndedAt     time.Time           `json:"ended_at"`
	DurationMS  int64               `json:"duration_ms"`
	SizeBytes   int64               `json:"size_bytes"`
	Segments    []domain.VADSegment `json:"vad_segments,omitempty"`
}

type handleResponse struct {
	UploadURL   string `json:"upload_url"`
	RecordingID string `json:"recording_id"`
}

// TokenFunc supplies the current credential for API calls.
type TokenFunc func(ctx context.Context) (string, error)

// Uploader drives the three-step upload protocol: request a handle, push
// the blob directly to the returned target, confirm completion.
type Uploader struct {
	base   string
	client *http.Client
	token  TokenFunc
}

func NewUploader(base string, client *http.Client, token TokenFunc) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{base: base, client: client, token: token}
}

func (u *Uploader) authorize(ctx context.Context, req *http.Request) error {
	if u.token == nil {
		return nil
	}
	tok, err := u.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func (u *Uploader) postJSON(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := u.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Upload runs the full protocol for one merged recording blob. The caller
// bounds it with ctx; a timeout leaves the local buffer untouched.
func (u *Uploader) Upload(ctx context.Context, hr HandleRequest, blob []byte) error {
	var handle handleResponse
	if err := u.postJSON(ctx, u.base+"/recordings", hr, &handle); err != nil {
		return fmt.Errorf("request upload handle: %w", err)
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, handle.UploadURL, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	put.Header.Set("Content-Type", "application/octet-stream")
	put.ContentLength = int64(len(blob))
	resp, err := u.client.Do(put)
	if err != nil {
		return fmt.Errorf("upload blob: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upload blob: status %d", resp.StatusCode)
	}

	confirmURL := fmt.Sprintf("%s/recordings/%s/complete", u.base, handle.RecordingID)
	if err := u.postJSON(ctx, confirmURL, map[string]int64{"size_bytes": int64(len(blob))}, nil); err != nil {
		return fmt.Errorf("confirm upload: %w", err)
	}

	log.Info().Str("module", "recording").
		Str("recording_id", string(hr.RecordingID)).
		Int("size", len(blob)).
		Msg("upload confirmed")
	return nil
}
