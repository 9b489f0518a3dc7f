package pubsub

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
)

// Instrument wraps ps so that publishes and listener registrations are
// reported on bus.
func Instrument(ps PubSub, bus *eventbus.Bus) PubSub {
	if bus == nil {
		return ps
	}
	return &instrumented{PubSub: ps, bus: bus}
}

type instrumented struct {
	PubSub
	bus *eventbus.Bus
}

func (i *instrumented) Publish(ctx context.Context, topic string, payload any) error {
	err := i.PubSub.Publish(ctx, topic, payload)
	eventbus.Publish(ctx, i.bus, events.PubSubPublish{Topic: topic, Err: err})
	return err
}

func (i *instrumented) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub, err := i.PubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, i.bus, events.PubSubSubscribe{Topic: topic})
	return &instrumentedSubscription{Subscription: sub, ctx: context.WithoutCancel(ctx), bus: i.bus, topic: topic}, nil
}

type instrumentedSubscription struct {
	Subscription
	ctx   context.Context
	bus   *eventbus.Bus
	topic string
	once  sync.Once
}

func (s *instrumentedSubscription) Close() error {
	err := s.Subscription.Close()
	s.once.Do(func() {
		eventbus.Publish(s.ctx, s.bus, events.PubSubUnsubscribe{Topic: s.topic})
	})
	return err
}
