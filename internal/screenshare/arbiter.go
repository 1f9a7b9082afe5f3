package screenshare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrShareTaken means another participant already owns the share slot.
	// Distinguishable so the caller can show "someone is already sharing"
	// rather than a generic failure.
	ErrShareTaken = errors.New("screen share already active")
	// ErrCaptureDenied means the user cancelled or the OS refused the
	// capture prompt. A normal outcome, never a crash.
	ErrCaptureDenied = errors.New("screen capture denied")
)

// CaptureStream is one acquired display capture. Done fires when capture
// ends outside the application (OS-level "stop sharing").
type CaptureStream interface {
	Track() webrtc.TrackLocal
	Done() <-chan struct{}
	Stop()
}

// Capturer acquires the display resource. The acquire is user-gesture gated
// and may block on an OS prompt.
type Capturer interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}

// Links is the slice of the media registry the arbiter publishes through.
type Links interface {
	AddScreenTrackAll(track webrtc.TrackLocal)
	RemoveScreenTrackAll()
}

// Arbiter enforces the one-active-sharer-per-session invariant. Owner state
// covers remote sharers too: signaling events update it before any local
// Start can race past the check.
type Arbiter struct {
	capturer Capturer
	links    Links
	selfID   domain.PeerID

	mu     sync.Mutex
	owner  domain.PeerID
	stream CaptureStream

	onAnnounce func(active bool)
}

func NewArbiter(capturer Capturer, links Links) *Arbiter {
	return &Arbiter{capturer: capturer, links: links}
}

// SetSelf tells the arbiter which peer id is "us"; set once on join.
func (a *Arbiter) SetSelf(id domain.PeerID) {
	a.mu.Lock()
	a.selfID = id
	a.mu.Unlock()
}

// OnAnnounce wires ownership changes to the signaling channel.
func (a *Arbiter) OnAnnounce(fn func(active bool)) { a.onAnnounce = fn }

// Owner returns the current share owner, "" when nobody shares.
func (a *Arbiter) Owner() domain.PeerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Start acquires the display capture and publishes it. The slot check runs
// up front; acquisition happens outside the lock because it awaits a user
// gesture, and the slot is re-checked before claiming so a remote start
// observed mid-prompt still wins.
func (a *Arbiter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.owner != "" {
		owner := a.owner
		a.mu.Unlock()
		return fmt.Errorf("%w (owner %s)", ErrShareTaken, owner)
	}
	self := a.selfID
	a.mu.Unlock()

	stream, err := a.capturer.Acquire(ctx)
	if err != nil {
		// No ownership was claimed, nothing to roll back.
		log.Info().Err(err).Str("module", "screenshare").Msg("capture not acquired")
		return fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}

	a.mu.Lock()
	if a.owner != "" {
		owner := a.owner
		a.mu.Unlock()
		stream.Stop()
		return fmt.Errorf("%w (owner %s)", ErrShareTaken, owner)
	}
	a.owner = self
	a.stream = stream
	a.mu.Unlock()

	a.links.AddScreenTrackAll(stream.Track())
	if a.onAnnounce != nil {
		a.onAnnounce(true)
	}
	log.Info().Str("module", "screenshare").Msg("share started")

	go a.watch(stream)
	return nil
}

// watch runs the explicit-stop release path when capture ends externally.
func (a *Arbiter) watch(stream CaptureStream) {
	<-stream.Done()
	a.mu.Lock()
	current := a.stream
	a.mu.Unlock()
	if current != stream {
		return // already released, or a newer share owns the slot
	}
	log.Info().Str("module", "screenshare").Msg("capture ended externally")
	a.Stop()
}

// Stop releases the capture, detaches the tracks and announces the release.
// Idempotent; a no-op when we are not the owner.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if a.stream == nil || a.owner != a.selfID {
		a.mu.Unlock()
		return
	}
	stream := a.stream
	a.stream = nil
	a.owner = ""
	a.mu.Unlock()

	stream.Stop()
	a.links.RemoveScreenTrackAll()
	if a.onAnnounce != nil {
		a.onAnnounce(false)
	}
	log.Info().Str("module", "screenshare").Msg("share stopped")
}

// SetRemoteOwner records a remote participant's share claim.
func (a *Arbiter) SetRemoteOwner(peer domain.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != "" && a.owner != peer {
		log.Warn().Str("module", "screenshare").
			Str("peer_id", string(peer)).
			Str("owner", string(a.owner)).
			Msg("remote share claim while slot owned")
	}
	a.owner = peer
}

// ClearRemoteOwner releases a remote claim; a claim from a different peer
// stays untouched.
func (a *Arbiter) ClearRemoteOwner(peer domain.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == peer {
		a.owner = ""
	}
}

// Reset drops all state, local share included. Used on leave.
func (a *Arbiter) Reset() {
	a.Stop()
	a.mu.Lock()
	a.owner = ""
	a.mu.Unlock()
}
