// Package pubsub provides the event channel that connects publishers, such as
// the hello query, to subscription sources. A PubSub is constructed once at
// startup and handed to everything that needs it.
package pubsub

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// ErrClosed is returned by operations on a closed PubSub, and is the terminal
// error of subscriptions that were open when it closed.
const ErrClosed = errors.ConstError("pubsub closed")

// Message is a payload delivered on a topic.
type Message struct {
	Topic   string
	Payload any
}

// Subscription is one registered listener on a topic.
type Subscription interface {
	// Messages delivers payloads in publish order.
	Messages() <-chan Message
	// Done is closed once the subscription has ended, either through Close or
	// because the backend failed.
	Done() <-chan struct{}
	// Err reports why the subscription ended. It is nil while the
	// subscription is live and after a plain Close.
	Err() error
	// Close deregisters the listener. It is safe to call more than once.
	Close() error
}

// PubSub is a topic based event channel. Publishing to a topic with no
// listeners drops the payload. Payloads are never stored.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// subscription is the Subscription shared by the backends. The backend owns
// delivery and calls fail on a terminal error; unsub runs once on teardown.
type subscription struct {
	topic string
	msgs  chan Message
	done  chan struct{}
	once  sync.Once
	unsub func()

	mu  sync.Mutex
	err error
}

func newSubscription(topic string, buffer int) *subscription {
	return &subscription{
		topic: topic,
		msgs:  make(chan Message, buffer),
		done:  make(chan struct{}),
		unsub: func() {},
	}
}

func (s *subscription) Messages() <-chan Message { return s.msgs }
func (s *subscription) Done() <-chan struct{}    { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

// deliver hands msg to the reader. It blocks while the buffer is full and
// reports false once the subscription has ended.
func (s *subscription) deliver(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.msgs <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) fail(err error) { s.end(err) }

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.unsub()
	})
}

func (s *subscription) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
