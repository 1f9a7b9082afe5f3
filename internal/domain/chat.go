package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   PeerID    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewChatMessage stamps a client-generated id so a later server echo can be
// deduplicated against the optimistic local copy.
func NewChatMessage(sender PeerID, senderName, content string) ChatMessage {
	return ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   sender,
		SenderName: senderName,
		Content:    content,
		CreatedAt:  time.Now(),
	}
}
