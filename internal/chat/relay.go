package chat

import (
	"sync"

	"github.com/mkoval/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Sender puts a chat message on the wire; the relay does not own a
// transport of its own.
type Sender func(msg domain.ChatMessage) error

// Relay keeps the ordered, deduplicated chat log. The sender's optimistic
// local echo and the later server echo share one client-generated id, so
// the log sees each message exactly once.
type Relay struct {
	send Sender

	mu      sync.Mutex
	seen    map[string]struct{}
	logEnts []domain.ChatMessage
	unacked map[string]domain.ChatMessage
	filled  bool
}

func NewRelay(send Sender) *Relay {
	return &Relay{
		send:    send,
		seen:    make(map[string]struct{}),
		unacked: make(map[string]domain.ChatMessage),
	}
}

// Backfill seeds the log from the one-time history request at join. A
// second call (rejoin after resume) only inserts messages not yet seen.
func (r *Relay) Backfill(history []domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range history {
		if _, ok := r.seen[m.ID]; ok {
			continue
		}
		r.seen[m.ID] = struct{}{}
		r.logEnts = append(r.logEnts, m)
	}
	r.filled = true
	log.Info().Str("module", "chat").Int("messages", len(history)).Msg("history backfilled")
}

// SendLocal appends the message optimistically and puts it on the wire.
func (r *Relay) SendLocal(sender domain.PeerID, senderName, content string) (domain.ChatMessage, error) {
	msg := domain.NewChatMessage(sender, senderName, content)

	r.mu.Lock()
	r.seen[msg.ID] = struct{}{}
	r.logEnts = append(r.logEnts, msg)
	r.unacked[msg.ID] = msg
	r.mu.Unlock()

	if err := r.send(msg); err != nil {
		log.Warn().Err(err).Str("module", "chat").Str("id", msg.ID).Msg("send failed, kept as unacked")
		return msg, err
	}
	return msg, nil
}

// Receive appends a network message. A message whose id is already in the
// log acknowledges the local copy instead of duplicating it. Out-of-order
// arrivals are appended at the end, never dropped.
func (r *Relay) Receive(msg domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[msg.ID]; ok {
		delete(r.unacked, msg.ID)
		return
	}
	r.seen[msg.ID] = struct{}{}
	r.logEnts = append(r.logEnts, msg)
}

// Unacked lists locally sent messages never echoed back. After a resume the
// manager re-sends these; dedup by id makes over-sending harmless.
func (r *Relay) Unacked() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(r.unacked))
	for _, m := range r.unacked {
		out = append(out, m)
	}
	return out
}

// Resend pushes every unacked message to the wire again.
func (r *Relay) Resend() {
	for _, m := range r.Unacked() {
		if err := r.send(m); err != nil {
			log.Warn().Err(err).Str("module", "chat").Str("id", m.ID).Msg("resend failed")
		}
	}
}

// Log returns a copy of the ordered message log.
func (r *Relay) Log() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChatMessage, len(r.logEnts))
	copy(out, r.logEnts)
	return out
}

// Backfilled reports whether the one-time history request completed.
func (r *Relay) Backfilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}
