// Package storage defines the transcript store used to keep finished chat
// answers.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a recorded chat exchange.
type Conversation struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Messages  []StoredMessage   `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StoredMessage is a single stored turn.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists conversations. Messages come back in the order
// they were added.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	AddMessage(ctx context.Context, convID string, msg *StoredMessage) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	Close() error
}
