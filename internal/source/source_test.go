package source

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/gqlstream/internal/pubsub"
	"github.com/hanpama/gqlstream/internal/pubsub/pubsubtest"
)

func drain(t *testing.T, s Stream) []any {
	t.Helper()
	var out []any
	for {
		v, err := s.Next(context.Background())
		if errors.Is(err, Done) {
			return out
		}
		require.NoError(t, err)
		out = append(out, v)
	}
}

func TestFromValues_Order(t *testing.T) {
	s := FromValues("Hello", "Bonjour", "Ciao")
	assert.Equal(t, []any{"Hello", "Bonjour", "Ciao"}, drain(t, s))

	_, err := s.Next(context.Background())
	assert.True(t, errors.Is(err, Done), "exhausted stream keeps reporting Done")
}

func TestFromValues_Restartable(t *testing.T) {
	values := []any{"a", "b"}
	first := FromValues(values...)
	_, _ = first.Next(context.Background())

	second := FromValues(values...)
	assert.Equal(t, []any{"a", "b"}, drain(t, second))
	assert.Equal(t, []any{"b"}, drain(t, first))
}

func TestFromValues_Empty(t *testing.T) {
	assert.Empty(t, drain(t, FromValues()))
}

func TestFromValues_CloseStopsValues(t *testing.T) {
	s := FromValues(1, 2, 3)
	_, err := s.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Next(context.Background())
	assert.True(t, errors.Is(err, Done))
}

func TestFromValues_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FromValues(1).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromTopic_DeliversPayloads(t *testing.T) {
	ps := pubsubtest.NewCounting(nil)
	defer ps.Close()
	ctx := context.Background()

	s, err := FromTopic(ctx, ps, "something_changed")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, ps.Active("something_changed"))

	require.NoError(t, ps.Publish(ctx, "something_changed", "first"))
	require.NoError(t, ps.Publish(ctx, "something_changed", "second"))

	for _, want := range []string{"first", "second"} {
		nctx, cancel := context.WithTimeout(ctx, time.Second)
		v, err := s.Next(nctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestFromTopic_CloseDeregistersOnce(t *testing.T) {
	ps := pubsubtest.NewCounting(nil)
	defer ps.Close()

	s, err := FromTopic(context.Background(), ps, "topic")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, ps.Registered("topic"))
	assert.Equal(t, 1, ps.Deregistered("topic"))
	assert.Equal(t, 0, ps.Active("topic"))

	_, err = s.Next(context.Background())
	assert.True(t, errors.Is(err, Done))
}

func TestFromTopic_CancelUnblocksNext(t *testing.T) {
	ps := pubsubtest.NewCounting(nil)
	defer ps.Close()

	s, err := FromTopic(context.Background(), ps, "topic")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromTopic_ChannelFailureIsTerminal(t *testing.T) {
	hub := pubsub.NewHub(nil)
	s, err := FromTopic(context.Background(), hub, "topic")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, hub.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = s.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pubsub.ErrClosed))
}

func TestFromTopic_SubscribeError(t *testing.T) {
	hub := pubsub.NewHub(nil)
	require.NoError(t, hub.Close())

	_, err := FromTopic(context.Background(), hub, "topic")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pubsub.ErrClosed))
}
