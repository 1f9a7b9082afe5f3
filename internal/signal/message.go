package signal

import (
	"encoding/json"
	"fmt"

	"github.com/mkoval/huddle/internal/domain"
)

// Type is the discriminator of a signaling message. One message = one type
// plus its payload.
type Type string

const (
	// client -> server
	TypeJoin               Type = "join"
	TypeLeave              Type = "leave"
	TypeMute               Type = "mute"
	TypeForceMute          Type = "force-mute"
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeICECandidate       Type = "ice-candidate"
	TypeScreenShareStart   Type = "screen-share-start"
	TypeScreenShareStop    Type = "screen-share-stop"
	TypeScreenOffer        Type = "screen-offer"
	TypeScreenAnswer       Type = "screen-answer"
	TypeScreenICECandidate Type = "screen-ice-candidate"
	TypeChatMessage        Type = "chat-message"
	TypeChatHistory        Type = "chat-history"
	TypeVAD                Type = "vad"

	// server -> client
	TypeJoined             Type = "joined"
	TypeParticipantJoined  Type = "participant-joined"
	TypeParticipantLeft    Type = "participant-left"
	TypeParticipantMuted   Type = "participant-muted"
	TypeScreenShareStarted Type = "screen-share-started"
	TypeScreenShareStopped Type = "screen-share-stopped"
	TypeMeetingEnded       Type = "meeting-ended"
	TypeError              Type = "error"
)

// Envelope is the wire form of every signaling message.
type Envelope struct {
	Type    Type            `json:"type"`
	From    domain.PeerID   `json:"from,omitempty"`
	Target  domain.PeerID   `json:"target_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t Type, target domain.PeerID, payload any) (Envelope, error) {
	env := Envelope{Type: t, Target: target}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type JoinPayload struct {
	DisplayName string `json:"display_name"`
	Token       string `json:"token,omitempty"`
}

type MutePayload struct {
	Muted bool `json:"muted"`
}

type ForceMutePayload struct {
	TargetID domain.PeerID `json:"target_id"`
	Muted    bool          `json:"muted"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

type VADPayload struct {
	Kind     string `json:"kind"` // speech_start or speech_end
	OffsetMS int64  `json:"offset_ms"`
}

type JoinedPayload struct {
	SelfID       domain.PeerID        `json:"self_id"`
	SessionID    domain.SessionID     `json:"session_id"`
	Participants []domain.Participant `json:"participants"`
}

type ParticipantJoinedPayload struct {
	Participant domain.Participant `json:"participant"`
}

type ParticipantLeftPayload struct {
	PeerID domain.PeerID `json:"peer_id"`
}

type ParticipantMutedPayload struct {
	PeerID domain.PeerID `json:"peer_id"`
	Muted  bool          `json:"muted"`
}

type ScreenSharePayload struct {
	PeerID domain.PeerID `json:"peer_id"`
}

type ChatHistoryPayload struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type MeetingEndedPayload struct {
	Reason string `json:"reason"`
}

// Error codes the server may attach to a TypeError message. Fatal codes end
// the session without reconnection.
const (
	ErrCodeRoomFull     = "room_full"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeBadPayload   = "bad_payload"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Fatal reports whether the error is terminal for the session.
func (p ErrorPayload) Fatal() bool {
	switch p.Code {
	case ErrCodeRoomFull, ErrCodeUnauthorized:
		return true
	}
	return false
}
