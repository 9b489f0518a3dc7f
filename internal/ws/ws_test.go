package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	"github.com/hanpama/gqlstream/internal/logging"
	"github.com/hanpama/gqlstream/internal/pubsub"
	"github.com/hanpama/gqlstream/internal/pubsub/pubsubtest"
	"github.com/hanpama/gqlstream/internal/resolver"
)

const topic = resolver.TopicSomethingChanged

type harness struct {
	t   *testing.T
	ps  *pubsubtest.Counting
	h   *Handler
	srv *httptest.Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, nil, opts...)
}

// newHarnessOn serves over inner, or an in-process hub when inner is nil.
func newHarnessOn(t *testing.T, inner pubsub.PubSub, opts ...Option) *harness {
	t.Helper()
	ignore := goleak.IgnoreCurrent()

	ps := pubsubtest.NewCounting(inner)
	sch, err := resolver.Schema()
	require.NoError(t, err)
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	h, err := New(resolver.New(ps, resolver.WithLogger(logging.Discard())), sch, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(h)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.Shutdown(ctx))
		srv.Close()
		assert.NoError(t, ps.Close())
		goleak.VerifyNone(t, ignore)
	})
	return &harness{t: t, ps: ps, h: h, srv: srv}
}

type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (hs *harness) dial(subprotocol string) *testConn {
	hs.t.Helper()
	u := "ws" + strings.TrimPrefix(hs.srv.URL, "http")
	d := websocket.Dialer{Subprotocols: []string{subprotocol}, HandshakeTimeout: 2 * time.Second}
	ws, _, err := d.Dial(u, nil)
	require.NoError(hs.t, err)
	require.Equal(hs.t, subprotocol, ws.Subprotocol())
	hs.t.Cleanup(func() { _ = ws.Close() })
	return &testConn{t: hs.t, ws: ws}
}

func (c *testConn) send(typ, id string, payload any) {
	c.t.Helper()
	msg := map[string]any{"type": typ}
	if id != "" {
		msg["id"] = id
	}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(c.t, c.ws.WriteJSON(msg))
}

func (c *testConn) subscribe(id, query string) {
	c.send(msgSubscribe, id, map[string]any{"query": query})
}

func (c *testConn) read() frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

func (c *testConn) expect(typ, id, payload string) {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, typ, f.Type, "frame %s", f.Payload)
	assert.Equal(c.t, id, f.ID)
	if payload != "" {
		assert.JSONEq(c.t, payload, string(f.Payload))
	}
}

func (c *testConn) init() {
	c.t.Helper()
	c.send(msgConnectionInit, "", nil)
	c.expect(msgConnectionAck, "", "")
}

// sync round-trips a ping; frames the server queued before the pong are
// returned.
func (c *testConn) sync() []frame {
	c.t.Helper()
	c.send(msgPing, "", map[string]any{"sync": true})
	var before []frame
	for {
		f := c.read()
		if f.Type == msgPong {
			return before
		}
		before = append(before, f)
	}
}

func (c *testConn) expectClose(code int) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(c.t, errors.As(err, &ce), "got %v", err)
		assert.Equal(c.t, code, ce.Code)
		return
	}
}

func TestGreetings(t *testing.T) {
	bus := eventbus.New()
	finished := make(chan events.WSOperationFinish, 4)
	eventbus.Subscribe(bus, func(ctx context.Context, e events.WSOperationFinish) {
		select {
		case finished <- e:
		default:
		}
	})

	hs := newHarness(t, WithEventBus(bus))
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("1", "subscription { greetings }")
	c.expect(msgNext, "1", `{"data":{"greetings":"Hello"}}`)
	c.expect(msgNext, "1", `{"data":{"greetings":"Bonjour"}}`)
	c.expect(msgNext, "1", `{"data":{"greetings":"Ciao"}}`)
	c.expect(msgComplete, "1", "")

	select {
	case e := <-finished:
		assert.Equal(t, events.OutcomeComplete, e.Outcome)
		assert.Equal(t, 3, e.Results)
		assert.Equal(t, "subscription", e.OperationType)
	case <-time.After(time.Second):
		t.Fatal("no finish event")
	}

	// A second subscriber replays the whole sequence.
	c.subscribe("1", "subscription { greetings }")
	c.expect(msgNext, "1", `{"data":{"greetings":"Hello"}}`)
	c.expect(msgNext, "1", `{"data":{"greetings":"Bonjour"}}`)
	c.expect(msgNext, "1", `{"data":{"greetings":"Ciao"}}`)
	c.expect(msgComplete, "1", "")
}

func TestQueryOverWebSocket(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("q", "{ books { title author } }")
	c.expect(msgNext, "q", `{"data":{"books":[
		{"title":"The Awakening","author":"Kate Chopin"},
		{"title":"City of Glass","author":"Paul Auster"}]}}`)
	c.expect(msgComplete, "q", "")
}

func TestHelloDeliversOneEvent(t *testing.T) {
	hs := newHarness(t)
	listener := hs.dial(SubprotocolTransportWS)
	listener.init()
	listener.subscribe("s", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))

	caller := hs.dial(SubprotocolTransportWS)
	caller.init()
	caller.subscribe("q", "{ hello }")
	caller.expect(msgNext, "q", `{"data":{"hello":"Hello"}}`)
	caller.expect(msgComplete, "q", "")

	listener.expect(msgNext, "s", `{"data":{"somethingChanged":{"id":"OK"}}}`)
	assert.Empty(t, listener.sync())
	assert.Equal(t, 1, hs.ps.Published(topic))
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("q", "{ hello }")
	c.expect(msgNext, "q", `{"data":{"hello":"Hello"}}`)
	c.expect(msgComplete, "q", "")

	c.subscribe("s", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))
	assert.Empty(t, c.sync())
}

func TestStopDeregisters(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("s", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))

	c.send(msgComplete, "s", nil)
	require.True(t, hs.ps.WaitActive(topic, 0, 2*time.Second))
	assert.Equal(t, 1, hs.ps.Deregistered(topic))

	require.NoError(t, hs.ps.Publish(context.Background(), topic, resolver.SomethingChangedPayload()))
	assert.Empty(t, c.sync(), "stopped operation emitted frames")
}

func TestConcurrentSubscriptionsAreIndependent(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("a", "subscription { somethingChanged { id } }")
	c.subscribe("b", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 2, 2*time.Second))

	c.send(msgComplete, "a", nil)
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))

	require.NoError(t, hs.ps.Publish(context.Background(), topic, resolver.SomethingChangedPayload()))
	c.expect(msgNext, "b", `{"data":{"somethingChanged":{"id":"OK"}}}`)
	assert.Empty(t, c.sync())
}

func TestDisconnectReleasesListeners(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("a", "subscription { somethingChanged { id } }")
	c.subscribe("b", "subscription { somethingChanged { id } }")
	c.subscribe("g", "subscription { greetings }")
	require.True(t, hs.ps.WaitActive(topic, 2, 2*time.Second))

	require.NoError(t, c.ws.Close())
	require.True(t, hs.ps.WaitActive(topic, 0, 2*time.Second))
	assert.Equal(t, 2, hs.ps.Deregistered(topic))
}

// errorsByID reads n error frames and returns their messages keyed by id.
func (c *testConn) errorsByID(n int) map[string]string {
	c.t.Helper()
	got := make(map[string]string)
	for i := 0; i < n; i++ {
		f := c.read()
		require.Equal(c.t, msgError, f.Type, "frame %s", f.Payload)
		var errs []errorObject
		require.NoError(c.t, json.Unmarshal(f.Payload, &errs))
		require.Len(c.t, errs, 1)
		got[f.ID] = errs[0].Message
	}
	return got
}

func TestChannelFailureEndsStreams(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("a", "subscription { somethingChanged { id } }")
	c.subscribe("b", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 2, 2*time.Second))

	require.NoError(t, hs.ps.Close())
	assert.Equal(t, map[string]string{"a": "pubsub closed", "b": "pubsub closed"}, c.errorsByID(2))
	require.True(t, hs.ps.WaitActive(topic, 0, 2*time.Second))

	// Ended operations send nothing more and the connection stays up.
	assert.Empty(t, c.sync())
}

func TestRedisFailureEndsStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	hs := newHarnessOn(t, pubsub.NewRedisFromClient(client, logging.Discard()))
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("r", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))
	require.NoError(t, hs.ps.Publish(context.Background(), topic, resolver.SomethingChangedPayload()))
	c.expect(msgNext, "r", `{"data":{"somethingChanged":{"id":"OK"}}}`)

	mr.Close()
	got := c.errorsByID(1)
	assert.Contains(t, got["r"], `receiving from "something_changed"`)
	require.True(t, hs.ps.WaitActive(topic, 0, 2*time.Second))
}

func TestDuplicateOperationID(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.subscribe("x", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))

	c.subscribe("x", "subscription { somethingChanged { id } }")
	c.expect(msgError, "x", `[{"message":"Subscriber for x already exists"}]`)
	assert.Equal(t, 1, hs.ps.Active(topic))

	require.NoError(t, hs.ps.Publish(context.Background(), topic, resolver.SomethingChangedPayload()))
	c.expect(msgNext, "x", `{"data":{"somethingChanged":{"id":"OK"}}}`)
}

func TestUnknownStopIsIgnored(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.send(msgComplete, "nope", nil)
	assert.Empty(t, c.sync())
}

func TestOperationErrors(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		message string
	}{
		{"validation", "{ nope }", `Cannot query field "nope" on type "Query".`},
		{"not implemented", "subscription { postCreated { comment } }", "subscription postCreated not implemented"},
		{"ambiguous operation", "query A { hello } query B { books { title } }", "Unable to identify operation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t)
			c := hs.dial(SubprotocolTransportWS)
			c.init()

			c.subscribe("e", tt.query)
			f := c.read()
			require.Equal(t, msgError, f.Type)
			assert.Equal(t, "e", f.ID)
			var errs []errorObject
			require.NoError(t, json.Unmarshal(f.Payload, &errs))
			require.Len(t, errs, 1)
			assert.Equal(t, tt.message, errs[0].Message)

			// The connection stays usable.
			assert.Empty(t, c.sync())
		})
	}
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		run  func(c *testConn)
		code int
	}{
		{
			name: "init timeout",
			opts: []Option{WithInitTimeout(50 * time.Millisecond)},
			run:  func(c *testConn) {},
			code: CloseInitTimeout,
		},
		{
			name: "second init",
			run: func(c *testConn) {
				c.init()
				c.send(msgConnectionInit, "", nil)
			},
			code: CloseTooManyRequests,
		},
		{
			name: "subscribe before ack",
			run:  func(c *testConn) { c.subscribe("1", "subscription { greetings }") },
			code: CloseUnauthorized,
		},
		{
			name: "invalid json",
			run:  func(c *testConn) { require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{"))) },
			code: CloseBadRequest,
		},
		{
			name: "unknown type",
			run: func(c *testConn) {
				c.init()
				c.send("bogus", "", nil)
			},
			code: CloseBadRequest,
		},
		{
			name: "subscribe without id",
			run: func(c *testConn) {
				c.init()
				c.subscribe("", "{ books { title } }")
			},
			code: CloseBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t, tt.opts...)
			c := hs.dial(SubprotocolTransportWS)
			tt.run(c)
			c.expectClose(tt.code)
		})
	}
}

func TestPingPong(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()

	c.send(msgPing, "", map[string]any{"n": 1})
	c.expect(msgPong, "", `{"n":1}`)
}

func TestKeepAlive(t *testing.T) {
	hs := newHarness(t, WithKeepAlive(20*time.Millisecond))
	c := hs.dial(SubprotocolTransportWS)
	c.init()
	c.expect(msgPing, "", "")
}

func TestLegacyProtocol(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolGraphQLWS)

	c.send(msgConnectionInit, "", nil)
	c.expect(msgConnectionAck, "", "")
	c.expect(msgKeepAlive, "", "")

	c.send(msgStart, "1", map[string]any{"query": "subscription { greetings }"})
	c.expect(msgData, "1", `{"data":{"greetings":"Hello"}}`)
	c.expect(msgData, "1", `{"data":{"greetings":"Bonjour"}}`)
	c.expect(msgData, "1", `{"data":{"greetings":"Ciao"}}`)
	c.expect(msgComplete, "1", "")

	c.send(msgStart, "2", map[string]any{"query": "subscription { somethingChanged { id } }"})
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))
	c.send(msgStop, "2", nil)
	require.True(t, hs.ps.WaitActive(topic, 0, 2*time.Second))

	c.send(msgStart, "3", map[string]any{"query": "subscription { postCreated { comment } }"})
	c.expect(msgError, "3", `{"message":"subscription postCreated not implemented","path":["postCreated"]}`)

	c.send(msgConnectionTerminate, "", nil)
	c.expectClose(websocket.CloseNormalClosure)
}

func TestLegacyMalformed(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolGraphQLWS)

	c.send(msgPing, "", nil)
	c.expect(msgConnectionError, "", `{"message":"Unexpected message of type ping received"}`)
	c.expectClose(CloseBadRequest)
}

func TestShutdown(t *testing.T) {
	hs := newHarness(t)
	c := hs.dial(SubprotocolTransportWS)
	c.init()
	c.subscribe("s", "subscription { somethingChanged { id } }")
	require.True(t, hs.ps.WaitActive(topic, 1, 2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hs.h.Shutdown(ctx))

	c.expectClose(websocket.CloseGoingAway)
	assert.Equal(t, 0, hs.ps.Active(topic))
	assert.Equal(t, 0, hs.h.Connections())
}

func TestNewRequiresSchemaAST(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, errors.Is(err, errors.NotValid))
}
