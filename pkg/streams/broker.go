package streams

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/chatstream-io/chatstream/pkg/frames"
)

// StreamFactory produces the frame byte stream for a generation. The
// broker invokes it at most once per stream id; the context it
// receives bounds the whole generation.
type StreamFactory func(ctx context.Context) (io.ReadCloser, error)

// EmptyStream is the no-op factory used when probing a stream id for
// liveness without contributing any frames.
func EmptyStream(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

// metaEnd marks the bookkeeping entry the producer appends after its
// final frame; subscribers stop there instead of waiting forever.
const metaEnd = "cs-end"

type BrokerConfig struct {
	BaseCtx context.Context
	Backend Backend
	// GenerationTimeout is the hard wall-clock ceiling for one
	// producer run.
	GenerationTimeout time.Duration
}

// Broker decouples "the generation is happening" from "this client
// connection is watching it". Producers publish frames onto the
// backend's per-stream log; any number of subscribers attach and
// detach without affecting the producer or each other.
type Broker struct {
	baseCtx context.Context
	backend Backend
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the broker's in-memory view of one stream id. producing
// is false for attach-only sessions whose producer lives in another
// process; those are torn down as soon as the last subscriber leaves.
type session struct {
	subscribers  int
	producing    bool
	producerDone bool
}

func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("broker: base context is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("broker: backend is nil")
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Broker{
		baseCtx:  cfg.BaseCtx,
		backend:  cfg.Backend,
		timeout:  timeout,
		sessions: map[string]*session{},
	}, nil
}

// ResumableStream returns a byte stream mirroring every frame of the
// given stream id, starting from the retained tail.
//
//   - With no backend configured, or with the backend unreachable,
//     it returns (nil, nil); callers must degrade to a raw
//     non-resumable stream.
//   - If the stream id has no producer yet, factory is invoked and
//     production starts; factory is never invoked more than once per
//     stream id, even across processes.
//   - If the producer already completed and the session is torn down
//     it returns (nil, nil); callers fall back to persisted-message
//     replay.
func (b *Broker) ResumableStream(ctx context.Context, streamID string, factory StreamFactory) (io.ReadCloser, error) {
	if b == nil || b.backend == nil {
		return nil, nil
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, errors.New("broker: streamID is empty")
	}
	done, err := b.backend.IsDone(ctx, streamID)
	if err != nil {
		// An unreachable substrate means resumption is off, not that
		// the request fails; the caller serves the raw stream instead.
		log.Warn().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("substrate unreachable, degrading to non-resumable")
		return nil, nil
	}
	if done {
		return nil, nil
	}
	acquired, err := b.backend.AcquireProducer(ctx, streamID)
	if err != nil {
		log.Warn().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("substrate unreachable, degrading to non-resumable")
		return nil, nil
	}
	if acquired {
		if factory == nil {
			return nil, errors.New("broker: nil factory for new stream")
		}
		b.startProducer(streamID, factory)
	}
	return b.attach(streamID)
}

// startProducer drives the factory's byte stream into the backend
// log. It runs on the broker's base context: a subscriber going away
// never cancels production, only upstream completion, failure or the
// generation timeout do.
func (b *Broker) startProducer(streamID string, factory StreamFactory) {
	b.withSession(streamID, func(s *session) {
		s.producing = true
		s.producerDone = false
	})
	go func() {
		prodCtx, cancel := context.WithTimeout(b.baseCtx, b.timeout)
		defer cancel()

		plog := log.With().Str("component", "streams").Str("stream_id", streamID).Logger()
		plog.Debug().Msg("producer started")

		src, err := factory(prodCtx)
		if err != nil {
			plog.Error().Err(err).Msg("producer factory failed")
			b.publishFrame(streamID, frames.Error("failed to start generation"))
			b.finishProducer(streamID)
			return
		}
		defer func() { _ = src.Close() }()

		sc := frames.NewScanner(src)
		terminalSeen := false
		for {
			f, err := sc.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				msg := "stream aborted: " + err.Error()
				if errors.Is(prodCtx.Err(), context.DeadlineExceeded) {
					msg = "generation timed out"
				}
				plog.Error().Err(err).Msg("producer read failed")
				b.publishFrame(streamID, frames.Error(msg))
				break
			}
			if terminalSeen {
				// Only error frames may follow a finish_message.
				if _, ok := f.(frames.Error); !ok {
					plog.Warn().Str("tag", string(rune(f.Tag()))).Msg("dropping frame after finish_message")
					continue
				}
			}
			b.publishFrame(streamID, f)
			if frames.Terminal(f) {
				terminalSeen = true
			}
		}
		b.finishProducer(streamID)
		plog.Debug().Msg("producer finished")
	}()
}

func (b *Broker) publishFrame(streamID string, f frames.Frame) {
	payload, err := frames.Encode(f)
	if err != nil {
		log.Error().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("frame encode failed")
		return
	}
	if err := b.backend.Publish(context.Background(), streamID, payload, nil); err != nil {
		log.Error().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("frame publish failed")
	}
}

// finishProducer appends the end marker, records completion and
// updates session bookkeeping.
func (b *Broker) finishProducer(streamID string) {
	if err := b.backend.Publish(context.Background(), streamID, nil, map[string]string{metaEnd: "1"}); err != nil {
		log.Error().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("end marker publish failed")
	}
	if err := b.backend.MarkDone(context.Background(), streamID); err != nil {
		log.Error().Err(err).Str("component", "streams").Str("stream_id", streamID).Msg("mark done failed")
	}
	b.withSession(streamID, func(s *session) { s.producerDone = true })
	b.maybeTeardown(streamID)
}

// attach subscribes to the stream's log and mirrors it into a pipe.
// Closing the returned reader detaches this subscriber only, and
// always unparks the forwarding loop, even when the producer died in
// another process and nothing will ever be published again.
func (b *Broker) attach(streamID string) (io.ReadCloser, error) {
	subCtx, subCancel := context.WithCancel(b.baseCtx)
	ch, closer, err := b.backend.Subscribe(subCtx, streamID)
	if err != nil {
		subCancel()
		return nil, err
	}
	b.withSession(streamID, func(s *session) { s.subscribers++ })

	pr, pw := io.Pipe()
	go func() {
		defer closer()
		defer subCancel()
		defer func() {
			b.withSession(streamID, func(s *session) { s.subscribers-- })
			b.maybeTeardown(streamID)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					_ = pw.Close()
					return
				}
				if msg.Metadata.Get(metaEnd) == "1" {
					msg.Ack()
					_ = pw.Close()
					return
				}
				if _, err := pw.Write(msg.Payload); err != nil {
					// Subscriber went away; the producer keeps running.
					msg.Ack()
					return
				}
				msg.Ack()
			case <-subCtx.Done():
				_ = pw.Close()
				return
			}
		}
	}()
	return &subscriberStream{PipeReader: pr, cancel: subCancel}, nil
}

// subscriberStream couples the mirrored pipe with the subscriber's
// cancel so that Close detaches in every state, including a loop
// parked on an idle channel.
type subscriberStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *subscriberStream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

func (b *Broker) withSession(streamID string, fn func(*session)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[streamID]
	if !ok {
		s = &session{}
		b.sessions[streamID] = s
	}
	fn(s)
}

// maybeTeardown drops the in-memory session once the last subscriber
// detached and no local producer is still running. The backend log
// keeps the durable tail; only local bookkeeping is discarded.
func (b *Broker) maybeTeardown(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[streamID]
	if !ok {
		return
	}
	if s.subscribers <= 0 && (s.producerDone || !s.producing) {
		delete(b.sessions, streamID)
		log.Debug().Str("component", "streams").Str("stream_id", streamID).Msg("session torn down")
	}
}

// ActiveSessions reports how many stream ids have local state, for
// introspection endpoints.
func (b *Broker) ActiveSessions() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broker) Close() error {
	if b == nil || b.backend == nil {
		return nil
	}
	return b.backend.Close()
}
