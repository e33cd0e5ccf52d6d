package chatstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a conversation or message is absent.
var ErrNotFound = errors.New("chatstore: not found")

type ConversationStore interface {
	GetByID(ctx context.Context, id string) (*Conversation, error)
	Create(ctx context.Context, conv Conversation) error
	// Delete removes the conversation along with its messages and
	// stream records, returning the deleted record.
	Delete(ctx context.Context, id string) (*Conversation, error)
}

type MessageStore interface {
	// GetAllByConversation returns messages ordered by creation time,
	// oldest first.
	GetAllByConversation(ctx context.Context, convID string) ([]Message, error)
	AppendMany(ctx context.Context, msgs []Message) error
	// CountUserMessagesSince counts role=user messages authored in
	// conversations owned by userID since the given instant. Used for
	// the daily quota.
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int, error)
}

type StreamStore interface {
	// Append durably records a stream identifier for a conversation.
	// Records are never reordered or deleted by the streaming core.
	Append(ctx context.Context, convID, streamID string, createdAt time.Time) error
	// ListByConversation returns stream ids oldest first.
	ListByConversation(ctx context.Context, convID string) ([]string, error)
}

// Store bundles the three collaborator surfaces.
type Store interface {
	ConversationStore
	MessageStore
	StreamStore
	Close() error
}
