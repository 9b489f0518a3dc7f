package pubsub

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/sirupsen/logrus"
)

const hubBuffer = 16

// Hub is the in-process backend. Each listener has its own ordered delivery
// queue inside the hub, so a slow reader never holds up other topics or
// listeners.
type Hub struct {
	hub    *pubsub.SimpleHub
	logger *logrus.Entry

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

var _ PubSub = (*Hub)(nil)

// NewHub returns an in-process PubSub. logger may be nil.
func NewHub(logger *logrus.Entry) *Hub {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("backend", "memory")
	return &Hub{
		hub:    pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: logger}),
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

// Publish hands payload to every listener registered on topic at the time of
// the call. It does not wait for delivery.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.Trace(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	h.hub.Publish(topic, payload)
	return nil
}

// Subscribe registers a listener on topic. The listener is live when
// Subscribe returns.
func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.Trace(ErrClosed)
	}

	sub := newSubscription(topic, hubBuffer)
	unsub := h.hub.Subscribe(topic, func(topic string, data interface{}) {
		sub.deliver(Message{Topic: topic, Payload: data})
	})
	sub.unsub = func() {
		unsub()
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
	h.subs[sub] = struct{}{}
	h.logger.WithField("topic", topic).Debug("listener registered")
	return sub, nil
}

// Close ends every open subscription with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	open := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		open = append(open, sub)
	}
	h.mu.Unlock()

	for _, sub := range open {
		sub.fail(ErrClosed)
	}
	return nil
}
