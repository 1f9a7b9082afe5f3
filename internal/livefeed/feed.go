// Package livefeed delivers incremental session-state snapshots pushed by
// the server, falling back to polling when the push stream fails and
// resuming push transparently once it is available again. The consumer
// sees one channel of Snapshot values either way.
package livefeed

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Snapshot is one incremental state update. The shape never changes with
// the transport.
type Snapshot struct {
	SessionID    domain.SessionID     `json:"session_id"`
	Participants []domain.Participant `json:"participants"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Feed subscribes to the server-push stream at streamURL and polls pollURL
// while the stream is down.
type Feed struct {
	streamURL    string
	pollURL      string
	client       *http.Client
	pollInterval time.Duration

	out chan Snapshot
}

func NewFeed(streamURL, pollURL string, client *http.Client, pollInterval time.Duration) *Feed {
	if client == nil {
		client = http.DefaultClient
	}
	return &Feed{
		streamURL:    streamURL,
		pollURL:      pollURL,
		client:       client,
		pollInterval: pollInterval,
		out:          make(chan Snapshot, 8),
	}
}

// Snapshots is the consumer-facing channel. Closed when Run returns.
func (f *Feed) Snapshots() <-chan Snapshot { return f.out }

// Run drives the subscription until ctx ends. Push first; on stream failure
// poll at pollInterval, re-probing the stream on each cycle.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.out)
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Info().Err(err).Str("module", "livefeed").Msg("push stream down, polling")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.pollInterval):
			}
			if snap, err := f.poll(ctx); err == nil {
				f.deliver(snap)
			} else {
				log.Debug().Err(err).Str("module", "livefeed").Msg("poll failed")
			}
			// Re-probe push; if the stream is back, resume it.
			if f.probe(ctx) {
				log.Info().Str("module", "livefeed").Msg("push stream available, resuming")
				break
			}
		}
	}
}

// stream consumes the push transport until it errors.
func (f *Feed) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			log.Warn().Err(err).Str("module", "livefeed").Msg("bad stream event")
			continue
		}
		f.deliver(snap)
	}
	return scanner.Err()
}

// poll fetches the equivalent request/response snapshot.
func (f *Feed) poll(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.pollURL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, &statusError{resp.StatusCode}
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// probe checks whether the push endpoint answers again.
func (f *Feed) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, f.pollInterval)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, f.streamURL, nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (f *Feed) deliver(snap Snapshot) {
	select {
	case f.out <- snap:
	default:
		// Consumer lagging; drop the older update, a newer one supersedes it.
		select {
		case <-f.out:
		default:
		}
		select {
		case f.out <- snap:
		default:
		}
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
