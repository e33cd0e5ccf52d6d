package streams

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/chatstream-io/chatstream/pkg/chatstore"
)

// ErrNoStreams is returned when a conversation never had a
// generation attempt recorded.
var ErrNoStreams = errors.New("streams: no stream ids recorded")

// Registry maps conversations to the ordered list of stream ids
// minted for their generation attempts. The only policy is: always
// append, never reorder, latest is the last element.
type Registry struct {
	store chatstore.StreamStore
}

func NewRegistry(store chatstore.StreamStore) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry: stream store is nil")
	}
	return &Registry{store: store}, nil
}

// Create mints a new stream id and durably records it before
// returning, so the id exists before the first frame is emitted.
func (r *Registry) Create(ctx context.Context, convID string) (string, error) {
	streamID := uuid.NewString()
	if err := r.store.Append(ctx, convID, streamID, time.Now()); err != nil {
		return "", errors.Wrap(err, "registry: append stream id")
	}
	log.Debug().Str("component", "streams").Str("conv_id", convID).Str("stream_id", streamID).Msg("stream id created")
	return streamID, nil
}

// List returns stream ids chronologically, oldest first.
func (r *Registry) List(ctx context.Context, convID string) ([]string, error) {
	return r.store.ListByConversation(ctx, convID)
}

// MostRecent returns the latest stream id, or ErrNoStreams.
func (r *Registry) MostRecent(ctx context.Context, convID string) (string, error) {
	ids, err := r.store.ListByConversation(ctx, convID)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoStreams
	}
	return ids[len(ids)-1], nil
}
