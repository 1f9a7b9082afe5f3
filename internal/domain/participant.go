package domain

import "errors"

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type Participant struct {
	ID              PeerID `json:"id"`
	DisplayName     string `json:"display_name"`
	Role            Role   `json:"role"`
	AudioMuted      bool   `json:"audio_muted"`
	IsScreenSharing bool   `json:"is_screen_sharing"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id PeerID, displayName string, role Role) (*Participant, error) {
	if err := ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &Participant{ID: id, DisplayName: displayName, Role: role}, nil
}

func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
