package streams

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/chatstream-io/chatstream/pkg/frames"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	backend := NewMemoryBackend()
	b, err := NewBroker(BrokerConfig{
		BaseCtx:           context.Background(),
		Backend:           backend,
		GenerationTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func encodeAll(t *testing.T, fs ...frames.Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range fs {
		b, err := frames.Encode(f)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func readAllFrames(t *testing.T, r io.Reader) []frames.Frame {
	t.Helper()
	sc := frames.NewScanner(r)
	var out []frames.Frame
	for {
		f, err := sc.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func staticFactory(calls *atomic.Int32, payload []byte) StreamFactory {
	return func(context.Context) (io.ReadCloser, error) {
		calls.Add(1)
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write(payload)
			_ = pw.Close()
		}()
		return pr, nil
	}
}

func TestNewBrokerValidatesConfig(t *testing.T) {
	_, err := NewBroker(BrokerConfig{})
	require.ErrorContains(t, err, "base context is nil")
	_, err = NewBroker(BrokerConfig{BaseCtx: context.Background()})
	require.ErrorContains(t, err, "backend is nil")
}

func TestNilBrokerReturnsNoStream(t *testing.T) {
	var b *Broker
	rc, err := b.ResumableStream(context.Background(), "s1", EmptyStream)
	require.NoError(t, err)
	require.Nil(t, rc)
}

func TestBrokerMirrorsProducedFrames(t *testing.T) {
	b := newTestBroker(t)
	var calls atomic.Int32
	want := []frames.Frame{
		frames.StartStep{MessageID: "m1"},
		frames.TextDelta("hello "),
		frames.TextDelta("world"),
		frames.FinishStep{FinishReason: "stop"},
		frames.FinishMessage{FinishReason: "stop"},
	}

	rc, err := b.ResumableStream(context.Background(), "s1", staticFactory(&calls, encodeAll(t, want...)))
	require.NoError(t, err)
	require.NotNil(t, rc)
	defer func() { _ = rc.Close() }()

	require.Equal(t, want, readAllFrames(t, rc))
	require.Equal(t, int32(1), calls.Load())
}

func TestBrokerInvokesFactoryAtMostOnce(t *testing.T) {
	b := newTestBroker(t)
	var calls atomic.Int32

	pr, pw := io.Pipe()
	factory := func(context.Context) (io.ReadCloser, error) {
		calls.Add(1)
		return pr, nil
	}

	first, err := b.ResumableStream(context.Background(), "s1", factory)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := b.ResumableStream(context.Background(), "s1", factory)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, int32(1), calls.Load())

	_, err = pw.Write(encodeAll(t, frames.TextDelta("x"), frames.FinishMessage{FinishReason: "stop"}))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	wantFrames := []frames.Frame{frames.TextDelta("x"), frames.FinishMessage{FinishReason: "stop"}}
	require.Equal(t, wantFrames, readAllFrames(t, first))
	require.Equal(t, wantFrames, readAllFrames(t, second))
}

func TestLateSubscriberReceivesTailThenLive(t *testing.T) {
	b := newTestBroker(t)
	pr, pw := io.Pipe()
	factory := func(context.Context) (io.ReadCloser, error) { return pr, nil }

	first, err := b.ResumableStream(context.Background(), "s1", factory)
	require.NoError(t, err)
	go func() { _, _ = io.Copy(io.Discard, first) }()

	// Produce a few frames before the second subscriber attaches.
	_, err = pw.Write(encodeAll(t, frames.StartStep{MessageID: "m1"}, frames.TextDelta("early ")))
	require.NoError(t, err)

	// Give the producer a moment to publish the tail.
	require.Eventually(t, func() bool { return b.ActiveSessions() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	late, err := b.ResumableStream(context.Background(), "s1", nil)
	require.NoError(t, err)
	require.NotNil(t, late)

	_, err = pw.Write(encodeAll(t, frames.TextDelta("late"), frames.FinishMessage{FinishReason: "stop"}))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	require.Equal(t, []frames.Frame{
		frames.StartStep{MessageID: "m1"},
		frames.TextDelta("early "),
		frames.TextDelta("late"),
		frames.FinishMessage{FinishReason: "stop"},
	}, readAllFrames(t, late))
}

func TestBrokerReturnsNilAfterCompletion(t *testing.T) {
	b := newTestBroker(t)
	var calls atomic.Int32
	rc, err := b.ResumableStream(context.Background(), "s1",
		staticFactory(&calls, encodeAll(t, frames.TextDelta("x"), frames.FinishMessage{FinishReason: "stop"})))
	require.NoError(t, err)
	readAllFrames(t, rc)

	require.Eventually(t, func() bool {
		done, err := b.backend.IsDone(context.Background(), "s1")
		return err == nil && done
	}, time.Second, 5*time.Millisecond)

	again, err := b.ResumableStream(context.Background(), "s1", EmptyStream)
	require.NoError(t, err)
	require.Nil(t, again, "completed stream must signal fallback to persisted replay")
	require.Equal(t, int32(1), calls.Load())
}

func TestSubscriberCloseDoesNotCancelProducer(t *testing.T) {
	b := newTestBroker(t)
	pr, pw := io.Pipe()
	factory := func(context.Context) (io.ReadCloser, error) { return pr, nil }

	first, err := b.ResumableStream(context.Background(), "s1", factory)
	require.NoError(t, err)
	_, err = pw.Write(encodeAll(t, frames.TextDelta("a")))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Producer still accepts writes after the subscriber left.
	_, err = pw.Write(encodeAll(t, frames.TextDelta("b"), frames.FinishMessage{FinishReason: "stop"}))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	second, err := b.ResumableStream(context.Background(), "s1", nil)
	require.NoError(t, err)
	if second != nil {
		got := readAllFrames(t, second)
		require.Equal(t, frames.FinishMessage{FinishReason: "stop"}, got[len(got)-1])
	}

	require.Eventually(t, func() bool {
		done, err := b.backend.IsDone(context.Background(), "s1")
		return err == nil && done
	}, time.Second, 5*time.Millisecond)
}

func TestFactoryFailureSurfacesErrorFrame(t *testing.T) {
	b := newTestBroker(t)
	factory := func(context.Context) (io.ReadCloser, error) {
		return nil, io.ErrUnexpectedEOF
	}
	rc, err := b.ResumableStream(context.Background(), "s1", factory)
	require.NoError(t, err)
	got := readAllFrames(t, rc)
	require.Len(t, got, 1)
	require.IsType(t, frames.Error(""), got[0])
}

func TestGenerationTimeoutEmitsErrorFrame(t *testing.T) {
	backend := NewMemoryBackend()
	b, err := NewBroker(BrokerConfig{
		BaseCtx:           context.Background(),
		Backend:           backend,
		GenerationTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	factory := func(ctx context.Context) (io.ReadCloser, error) {
		return &blockingReader{ctx: ctx}, nil
	}
	rc, err := b.ResumableStream(context.Background(), "s1", factory)
	require.NoError(t, err)
	got := readAllFrames(t, rc)
	require.Len(t, got, 1)
	require.Equal(t, frames.Error("generation timed out"), got[0])
}

// blockingReader simulates an upstream body that only fails once its
// request context is canceled.
type blockingReader struct {
	ctx context.Context
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

// unreachableBackend simulates a configured substrate whose store
// cannot be dialed.
type unreachableBackend struct{}

func (unreachableBackend) Publish(context.Context, string, []byte, map[string]string) error {
	return errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func (unreachableBackend) Subscribe(context.Context, string) (<-chan *message.Message, func(), error) {
	return nil, nil, errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func (unreachableBackend) AcquireProducer(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func (unreachableBackend) MarkDone(context.Context, string) error {
	return errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func (unreachableBackend) IsDone(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func (unreachableBackend) Close() error { return nil }

func TestUnreachableSubstrateDegradesToNone(t *testing.T) {
	b, err := NewBroker(BrokerConfig{
		BaseCtx:           context.Background(),
		Backend:           unreachableBackend{},
		GenerationTimeout: time.Second,
	})
	require.NoError(t, err)

	var calls atomic.Int32
	rc, err := b.ResumableStream(context.Background(), "s1", staticFactory(&calls, nil))
	require.NoError(t, err, "an unreachable substrate must not fail the request")
	require.Nil(t, rc, "callers degrade to the raw non-resumable stream")
	require.Equal(t, int32(0), calls.Load(), "no producer may start without the substrate")
}

func TestDetachFromForeignProducerStream(t *testing.T) {
	// Another process claimed the sentinel and then died: nothing will
	// ever be published, and no done key exists. A subscriber must
	// still be able to detach.
	backend := NewMemoryBackend()
	b, err := NewBroker(BrokerConfig{
		BaseCtx:           context.Background(),
		Backend:           backend,
		GenerationTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	acquired, err := backend.AcquireProducer(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, acquired)

	var calls atomic.Int32
	rc, err := b.ResumableStream(context.Background(), "s1", staticFactory(&calls, nil))
	require.NoError(t, err)
	require.NotNil(t, rc)
	require.Equal(t, int32(0), calls.Load(), "sentinel already held, factory must not run")
	require.Equal(t, 1, b.ActiveSessions())

	readDone := make(chan error, 1)
	go func() {
		_, err := rc.Read(make([]byte, 1))
		readDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rc.Close())

	select {
	case err := <-readDone:
		require.Error(t, err, "read must unblock with an error after detach")
	case <-time.After(time.Second):
		t.Fatal("subscriber read still parked after Close")
	}
	require.Eventually(t, func() bool { return b.ActiveSessions() == 0 },
		time.Second, 5*time.Millisecond, "detached session must be torn down")
}
