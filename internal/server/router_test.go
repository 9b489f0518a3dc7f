package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	"github.com/hanpama/gqlstream/internal/logging"
	"github.com/hanpama/gqlstream/internal/metrics"
	"github.com/hanpama/gqlstream/internal/pubsub"
	"github.com/hanpama/gqlstream/internal/resolver"
	"github.com/hanpama/gqlstream/internal/ws"
)

func newTestRouter(t *testing.T) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	bus := eventbus.New()
	m := metrics.New(prometheus.NewRegistry(), bus)
	ps := pubsub.Instrument(pubsub.NewHub(logging.Discard()), bus)
	rt := resolver.New(ps, resolver.WithLogger(logging.Discard()))
	sch, err := resolver.Schema()
	require.NoError(t, err)

	httpHandler, err := New(rt, sch, WithLogger(logging.Discard()), WithEventBus(bus))
	require.NoError(t, err)
	wsHandler, err := ws.New(rt, sch, ws.WithLogger(logging.Discard()), ws.WithEventBus(bus))
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		HTTP:      httpHandler,
		WebSocket: wsHandler,
		Metrics:   m.Handler(),
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, wsHandler.Shutdown(ctx))
		srv.Close()
		m.Close()
		assert.NoError(t, ps.Close())
	})
	return srv, m
}

func TestRouterHTTP(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, err := http.Post(srv.URL+"/graphql", "application/json", bytes.NewBufferString(`{"query":"{ books { title } }"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"books":[{"title":"The Awakening"},{"title":"City of Glass"}]}}`, body.String())
}

func TestRouterHealthAndMetrics(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/graphql", "application/json", bytes.NewBufferString(`{"query":"{ hello }"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `gqlstream_pubsub_published_total{result="ok",topic="something_changed"} 1`)
	assert.Contains(t, body.String(), `gqlstream_operations_total{outcome="complete",transport="http",type="query"} 1`)
}

func TestRouterWebSocket(t *testing.T) {
	srv, _ := newTestRouter(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/graphql"
	d := websocket.Dialer{Subprotocols: []string{ws.SubprotocolTransportWS}}
	conn, _, err := d.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "connection_init"}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "connection_ack", ack["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":      "1",
		"type":    "subscribe",
		"payload": map[string]any{"query": "subscription { greetings }"},
	}))
	var got []string
	for {
		var msg struct {
			Type    string `json:"type"`
			Payload struct {
				Data struct {
					Greetings string `json:"greetings"`
				} `json:"data"`
			} `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "complete" {
			break
		}
		require.Equal(t, "next", msg.Type)
		got = append(got, msg.Payload.Data.Greetings)
	}
	assert.Equal(t, []string{"Hello", "Bonjour", "Ciao"}, got)
}

func TestRouterRecoversPanics(t *testing.T) {
	h := NewRouter(RouterConfig{
		HTTP: http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/graphql", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
