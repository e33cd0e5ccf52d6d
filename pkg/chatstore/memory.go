package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and for running
// without a database file.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message // convID -> ordered
	streams       map[string][]string  // convID -> ordered stream ids
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]Conversation{},
		messages:      map[string][]Message{},
		streams:       map[string][]string{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := conv
	return &cp, nil
}

func (s *MemoryStore) Create(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.Visibility == "" {
		conv.Visibility = VisibilityPrivate
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.streams, id)
	cp := conv
	return &cp, nil
}

func (s *MemoryStore) GetAllByConversation(_ context.Context, convID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendMany(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	}
	return nil
}

func (s *MemoryStore) CountUserMessagesSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for convID, msgs := range s.messages {
		conv, ok := s.conversations[convID]
		if !ok || conv.OwnerID != userID {
			continue
		}
		for _, m := range msgs {
			if m.Role == RoleUser && !m.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) Append(_ context.Context, convID, streamID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[convID] = append(s.streams[convID], streamID)
	return nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, convID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.streams[convID]))
	copy(out, s.streams[convID])
	return out, nil
}
