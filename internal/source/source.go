// Package source implements subscription sources: the producers of raw
// values that a subscription operation turns into results.
package source

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/hanpama/gqlstream/internal/pubsub"
)

// Done is returned by Next when a stream has no more values.
const Done = errors.ConstError("stream done")

// Stream yields raw values for one subscription operation.
//
// Next blocks until a value is available, the stream completes (Done), the
// stream fails, or ctx is cancelled. After Close, Next never yields a value.
type Stream interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// Func creates the stream for a subscription root field.
type Func func(ctx context.Context, args map[string]any) (Stream, error)

// FromValues returns a stream over values in order. Each call builds an
// independent cursor, so a Func that calls FromValues restarts the sequence
// for every subscriber.
func FromValues(values ...any) Stream {
	return &sliceStream{values: append([]any(nil), values...)}
}

type sliceStream struct {
	mu     sync.Mutex
	values []any
	pos    int
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.values) {
		return nil, Done
	}
	v := s.values[s.pos]
	s.pos++
	return v, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FromTopic registers a listener on topic and returns a stream of the
// payloads published there. The listener is live when FromTopic returns.
// The stream never completes on its own; a failure of the event channel
// surfaces from Next as a terminal error. Close deregisters the listener.
func FromTopic(ctx context.Context, ps pubsub.PubSub, topic string) (Stream, error) {
	sub, err := ps.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", topic)
	}
	return &topicStream{sub: sub, closed: make(chan struct{})}, nil
}

type topicStream struct {
	sub    pubsub.Subscription
	once   sync.Once
	closed chan struct{}
	err    error
}

func (s *topicStream) Next(ctx context.Context) (any, error) {
	select {
	case <-s.closed:
		return nil, Done
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, Done
	case <-s.sub.Done():
		if err := s.sub.Err(); err != nil {
			return nil, err
		}
		return nil, Done
	case msg := <-s.sub.Messages():
		return msg.Payload, nil
	}
}

func (s *topicStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.err = s.sub.Close()
	})
	return s.err
}
