package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoval/huddle/internal/domain"
)

// feedServer serves the push stream and the polling endpoint and can
// simulate the stream going down and coming back.
type feedServer struct {
	*httptest.Server

	mu         sync.Mutex
	streamUp   bool
	streamSnap []Snapshot
	pollSnap   Snapshot
	polls      int
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	s := &feedServer{streamUp: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		up := s.streamUp
		snaps := s.streamSnap
		s.mu.Unlock()
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, snap := range snaps {
			raw, _ := json.Marshal(snap)
			fmt.Fprintf(w, "data: %s\n\n", raw)
		}
		// Stream ends after the prepared events; the client treats the
		// disconnect as a failure and falls back.
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.polls++
		snap := s.pollSnap
		s.mu.Unlock()
		json.NewEncoder(w).Encode(snap)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *feedServer) setStreamUp(up bool) {
	s.mu.Lock()
	s.streamUp = up
	s.mu.Unlock()
}

func recv(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot delivered")
		return Snapshot{}
	}
}

func TestFeedDeliversPushedSnapshots(t *testing.T) {
	srv := newFeedServer(t)
	srv.streamSnap = []Snapshot{
		{SessionID: "sess-1", Participants: []domain.Participant{{ID: "p1"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewFeed(srv.URL+"/live", srv.URL+"/snapshot", nil, 50*time.Millisecond)
	go f.Run(ctx)

	snap := recv(t, f.Snapshots())
	assert.Equal(t, domain.SessionID("sess-1"), snap.SessionID)
	require.Len(t, snap.Participants, 1)
}

func TestFeedFallsBackToPolling(t *testing.T) {
	srv := newFeedServer(t)
	srv.setStreamUp(false)
	srv.pollSnap = Snapshot{SessionID: "sess-poll"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewFeed(srv.URL+"/live", srv.URL+"/snapshot", nil, 20*time.Millisecond)
	go f.Run(ctx)

	snap := recv(t, f.Snapshots())
	assert.Equal(t, domain.SessionID("sess-poll"), snap.SessionID)
}

func TestFeedResumesPushAfterOutage(t *testing.T) {
	srv := newFeedServer(t)
	srv.setStreamUp(false)
	srv.pollSnap = Snapshot{SessionID: "sess-poll"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewFeed(srv.URL+"/live", srv.URL+"/snapshot", nil, 20*time.Millisecond)
	go f.Run(ctx)

	// Polling carries the feed during the outage.
	assert.Equal(t, domain.SessionID("sess-poll"), recv(t, f.Snapshots()).SessionID)

	srv.mu.Lock()
	srv.streamUp = true
	srv.streamSnap = []Snapshot{{SessionID: "sess-push"}}
	srv.mu.Unlock()

	// Next probe resumes push; a pushed snapshot arrives.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-f.Snapshots():
			if snap.SessionID == "sess-push" {
				return
			}
		case <-deadline:
			t.Fatal("push never resumed")
		}
	}
}

func TestFeedStopsOnContextCancel(t *testing.T) {
	srv := newFeedServer(t)
	srv.setStreamUp(false)

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFeed(srv.URL+"/live", srv.URL+"/snapshot", nil, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, ok := <-f.Snapshots()
	assert.False(t, ok, "snapshot channel must close when Run returns")
}

func TestFeedDropsOldestWhenConsumerLags(t *testing.T) {
	f := NewFeed("http://unused", "http://unused", nil, time.Second)

	for i := 0; i < 20; i++ {
		f.deliver(Snapshot{SessionID: domain.SessionID(fmt.Sprintf("s-%d", i))})
	}

	// The newest snapshot is still in the buffer.
	var last Snapshot
	for {
		select {
		case snap := <-f.out:
			last = snap
			continue
		default:
		}
		break
	}
	assert.Equal(t, domain.SessionID("s-19"), last.SessionID)
}
