package streams

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backend is the durable substrate underneath the broker: an
// append-only per-stream log plus a small amount of bookkeeping for
// producer exclusivity and completion.
type Backend interface {
	// Publish appends one frame (or the end marker) to the stream's log.
	Publish(ctx context.Context, streamID string, payload []byte, metadata map[string]string) error
	// Subscribe delivers the stream's full retained tail followed by
	// live entries. The returned closer detaches the subscriber.
	Subscribe(ctx context.Context, streamID string) (<-chan *message.Message, func(), error)
	// AcquireProducer atomically claims production of streamID,
	// returning false when another producer already owns it.
	AcquireProducer(ctx context.Context, streamID string) (bool, error)
	// MarkDone records that the stream's producer has completed.
	MarkDone(ctx context.Context, streamID string) error
	IsDone(ctx context.Context, streamID string) (bool, error)
	Close() error
}

// RedisBackendConfig configures the Redis Streams substrate.
type RedisBackendConfig struct {
	Addr         string
	StreamPrefix string
	KeyPrefix    string
	// SessionTTL bounds sentinel/done keys and stream retention.
	SessionTTL time.Duration
}

// RedisBackend implements Backend on Redis Streams via watermill.
// Frames are XADDed to one stream per streamID; late subscribers read
// the stream from entry 0 through a dedicated consumer group, which
// is what makes the buffered tail survive disconnects and process
// restarts.
type RedisBackend struct {
	cfg    RedisBackendConfig
	client *redis.Client
	pub    message.Publisher
}

var _ Backend = &RedisBackend{}

func NewRedisBackend(cfg RedisBackendConfig) (*RedisBackend, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis backend: empty addr")
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "chatstream.stream."
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chatstream:"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, newWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redis backend: build publisher")
	}
	return &RedisBackend{cfg: cfg, client: client, pub: pub}, nil
}

func (b *RedisBackend) topic(streamID string) string {
	return b.cfg.StreamPrefix + streamID
}

func (b *RedisBackend) sentinelKey(streamID string) string {
	return b.cfg.KeyPrefix + "sentinel:" + streamID
}

func (b *RedisBackend) doneKey(streamID string) string {
	return b.cfg.KeyPrefix + "done:" + streamID
}

func (b *RedisBackend) Publish(_ context.Context, streamID string, payload []byte, metadata map[string]string) error {
	msg := message.NewMessage(uuid.NewString(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	return errors.Wrap(b.pub.Publish(b.topic(streamID), msg), "redis backend: publish")
}

// Subscribe creates a one-off consumer group at stream id 0 so the
// subscriber observes every retained entry before going live.
func (b *RedisBackend) Subscribe(ctx context.Context, streamID string) (<-chan *message.Message, func(), error) {
	group := "tail-" + uuid.NewString()
	if err := b.ensureGroupAtStart(ctx, b.topic(streamID), group); err != nil {
		return nil, nil, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      "sub-" + uuid.NewString(),
	}, newWatermillLogger(log.Logger))
	if err != nil {
		return nil, nil, errors.Wrap(err, "redis backend: build subscriber")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Subscribe(subCtx, b.topic(streamID))
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, nil, errors.Wrap(err, "redis backend: subscribe")
	}
	closer := func() {
		cancel()
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("subscriber close failed")
		}
		if err := b.client.XGroupDestroy(context.Background(), b.topic(streamID), group).Err(); err != nil {
			log.Debug().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("consumer group destroy failed")
		}
	}
	return ch, closer, nil
}

// ensureGroupAtStart creates the consumer group at entry 0 so the
// full tail is replayed, unlike a tail ($) group which would only see
// new entries.
func (b *RedisBackend) ensureGroupAtStart(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "redis backend: create consumer group")
	}
	return nil
}

func (b *RedisBackend) AcquireProducer(ctx context.Context, streamID string) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.sentinelKey(streamID), "1", b.cfg.SessionTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis backend: acquire producer")
	}
	return ok, nil
}

func (b *RedisBackend) MarkDone(ctx context.Context, streamID string) error {
	if err := b.client.Set(ctx, b.doneKey(streamID), "1", b.cfg.SessionTTL).Err(); err != nil {
		return errors.Wrap(err, "redis backend: mark done")
	}
	// Bound stream retention to the session TTL as well.
	if err := b.client.Expire(ctx, b.topic(streamID), b.cfg.SessionTTL).Err(); err != nil {
		log.Debug().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("stream expire failed")
	}
	return nil
}

func (b *RedisBackend) IsDone(ctx context.Context, streamID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.doneKey(streamID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis backend: done lookup")
	}
	return n > 0, nil
}

func (b *RedisBackend) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
