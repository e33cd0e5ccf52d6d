package streams

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryBackend implements Backend in-process: one append-only entry
// log per stream id, mirrored to each subscriber in publish order. A
// late subscriber receives the full retained tail first, the same way
// the Redis substrate replays a stream from entry 0. It is not
// durable across restarts; it exists for tests and single-process
// development.
type MemoryBackend struct {
	mu       sync.Mutex
	logs     map[string]*memoryLog
	sentinel map[string]struct{}
	done     map[string]struct{}
	closed   bool
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		logs:     map[string]*memoryLog{},
		sentinel: map[string]struct{}{},
		done:     map[string]struct{}{},
	}
}

// memoryLog is one stream's ordered entry log plus its live
// subscribers. Entries are only ever appended; each subscriber drains
// them through its own queue so a slow reader never reorders or drops
// anything for the others.
type memoryLog struct {
	mu      sync.Mutex
	entries []*message.Message
	subs    map[int]*memorySubscriber
	nextSub int
}

type memorySubscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*message.Message
	closed bool
}

func newMemorySubscriber() *memorySubscriber {
	s := &memorySubscriber{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memorySubscriber) enqueue(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *memorySubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// next blocks until an entry is queued or the subscriber is closed.
func (s *memorySubscriber) next() (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (b *MemoryBackend) log(streamID string) *memoryLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[streamID]
	if !ok {
		l = &memoryLog{subs: map[int]*memorySubscriber{}}
		b.logs[streamID] = l
	}
	return l
}

func (b *MemoryBackend) Publish(_ context.Context, streamID string, payload []byte, metadata map[string]string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("memory backend: closed")
	}
	b.mu.Unlock()

	msg := message.NewMessage(uuid.NewString(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}

	l := b.log(streamID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
	for _, sub := range l.subs {
		sub.enqueue(copyEntry(msg))
	}
	return nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, streamID string) (<-chan *message.Message, func(), error) {
	l := b.log(streamID)

	sub := newMemorySubscriber()
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = sub
	// Tail first: queue every entry published before this subscriber
	// arrived, in order, before any live entry can land.
	for _, e := range l.entries {
		sub.enqueue(copyEntry(e))
	}
	l.mu.Unlock()

	detach := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		sub.close()
	}

	ch := make(chan *message.Message)
	go func() {
		defer close(ch)
		for {
			msg, ok := sub.next()
			if !ok {
				return
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		detach()
	}()

	return ch, detach, nil
}

// copyEntry hands each subscriber its own message so acks do not
// interfere across subscribers.
func copyEntry(src *message.Message) *message.Message {
	msg := message.NewMessage(src.UUID, src.Payload)
	for k, v := range src.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg
}

func (b *MemoryBackend) AcquireProducer(_ context.Context, streamID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sentinel[streamID]; ok {
		return false, nil
	}
	b.sentinel[streamID] = struct{}{}
	return true, nil
}

func (b *MemoryBackend) MarkDone(_ context.Context, streamID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[streamID] = struct{}{}
	return nil
}

func (b *MemoryBackend) IsDone(_ context.Context, streamID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.done[streamID]
	return ok, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	logs := b.logs
	b.logs = map[string]*memoryLog{}
	b.mu.Unlock()

	for _, l := range logs {
		l.mu.Lock()
		for _, sub := range l.subs {
			sub.close()
		}
		l.subs = map[int]*memorySubscriber{}
		l.mu.Unlock()
	}
	return nil
}
