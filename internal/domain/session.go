// Package domain contains entities without logic, just meta-data.
package domain

type (
	SessionID string
	PeerID    string
)

type SessionStatus string

const (
	StatusIdle         SessionStatus = "idle"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusReconnecting SessionStatus = "reconnecting"
	StatusDisconnected SessionStatus = "disconnected"
	StatusFailed       SessionStatus = "failed"
)

type Session struct {
	ID              SessionID     `json:"id"`
	Status          SessionStatus `json:"status"`
	MaxParticipants int           `json:"max_participants"`
}
