// Package pubsubtest provides test doubles for the event channel.
package pubsubtest

import (
	"context"
	"sync"
	"time"

	"github.com/hanpama/gqlstream/internal/pubsub"
)

// Counting wraps a PubSub and records listener registrations per topic.
type Counting struct {
	pubsub.PubSub

	mu           sync.Mutex
	registered   map[string]int
	deregistered map[string]int
	published    map[string]int
}

// NewCounting wraps inner. A nil inner uses a fresh in-process hub.
func NewCounting(inner pubsub.PubSub) *Counting {
	if inner == nil {
		inner = pubsub.NewHub(nil)
	}
	return &Counting{
		PubSub:       inner,
		registered:   make(map[string]int),
		deregistered: make(map[string]int),
		published:    make(map[string]int),
	}
}

func (c *Counting) Publish(ctx context.Context, topic string, payload any) error {
	err := c.PubSub.Publish(ctx, topic, payload)
	if err == nil {
		c.mu.Lock()
		c.published[topic]++
		c.mu.Unlock()
	}
	return err
}

func (c *Counting) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	sub, err := c.PubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.registered[topic]++
	c.mu.Unlock()
	return &countedSubscription{Subscription: sub, parent: c, topic: topic}, nil
}

// Registered returns how many listeners were ever registered on topic.
func (c *Counting) Registered(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[topic]
}

// Deregistered returns how many listeners on topic were closed.
func (c *Counting) Deregistered(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deregistered[topic]
}

// Published returns how many payloads were accepted for topic.
func (c *Counting) Published(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[topic]
}

// Active returns the number of listeners currently registered on topic.
func (c *Counting) Active(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[topic] - c.deregistered[topic]
}

// WaitActive polls until Active(topic) == n or the timeout passes, and
// reports whether the count was reached.
func (c *Counting) WaitActive(topic string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Active(topic) == n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type countedSubscription struct {
	pubsub.Subscription
	parent *Counting
	topic  string
	once   sync.Once
}

func (s *countedSubscription) Close() error {
	err := s.Subscription.Close()
	s.once.Do(func() {
		s.parent.mu.Lock()
		s.parent.deregistered[s.topic]++
		s.parent.mu.Unlock()
	})
	return err
}
