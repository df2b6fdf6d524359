package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/chatrelay/internal/storage"
)

// DefaultMaxConversations bounds a Store built without WithMaxConversations.
const DefaultMaxConversations = 1000

// Store is an in-memory implementation of ConversationStore. Once it holds
// its maximum number of conversations, creating another evicts the oldest.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
	order         []string // creation order, oldest first
	max           int
}

var _ storage.ConversationStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithMaxConversations caps how many conversations are retained.
// Values below 1 keep the default.
func WithMaxConversations(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*storage.Conversation),
		max:           DefaultMaxConversations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	stored := *conv
	stored.Metadata = maps.Clone(conv.Metadata)
	stored.Messages = []storage.StoredMessage{}

	for len(s.order) >= s.max {
		delete(s.conversations, s.order[0])
		s.order = s.order[1:]
	}
	s.conversations[conv.ID] = &stored
	s.order = append(s.order, conv.ID)
	return nil
}

// Len reports how many conversations are retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// GetConversation returns a copy of the stored conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	out := *conv
	out.Metadata = maps.Clone(conv.Metadata)
	out.Messages = slices.Clone(conv.Messages)
	return &out, nil
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	msg.CreatedAt = time.Now()
	conv.Messages = append(conv.Messages, *msg)
	conv.UpdatedAt = msg.CreatedAt

	return nil
}

func (s *Store) Close() error {
	return nil
}
