// Package ws serves GraphQL operations over a WebSocket, speaking both
// graphql-transport-ws and the legacy graphql-ws subprotocol.
//
// Every connection runs one read loop and one write loop. Each operation
// started on the connection runs in its own goroutine until it completes,
// fails, is stopped by the client, or the connection closes. Stopping an
// operation waits for its goroutine to release the source, so a topic
// listener never outlives its operation.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	executor "github.com/hanpama/gqlstream/internal/executor"
	"github.com/hanpama/gqlstream/internal/logging"
	schema "github.com/hanpama/gqlstream/internal/schema"
)

type Options struct {
	// InitTimeout is how long a client may wait before connection_init.
	InitTimeout time.Duration

	// KeepAlive is the interval between server keep-alive messages once the
	// connection is acknowledged. 0 disables them.
	KeepAlive time.Duration

	// ReadLimit caps the size of an incoming message. 0 means unlimited.
	ReadLimit int64

	// WriteTimeout bounds every frame write. 0 means no deadline.
	WriteTimeout time.Duration

	// CheckOrigin decides whether an upgrade request is accepted. nil accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool

	Logger *log.Entry
	Bus    *eventbus.Bus
}

type Option func(*Options)

func WithInitTimeout(d time.Duration) Option  { return func(o *Options) { o.InitTimeout = d } }
func WithKeepAlive(d time.Duration) Option    { return func(o *Options) { o.KeepAlive = d } }
func WithReadLimit(n int64) Option            { return func(o *Options) { o.ReadLimit = n } }
func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(o *Options) { o.CheckOrigin = f }
}
func WithLogger(l *log.Entry) Option      { return func(o *Options) { o.Logger = l } }
func WithEventBus(b *eventbus.Bus) Option { return func(o *Options) { o.Bus = b } }

// Handler upgrades HTTP requests and serves GraphQL operations on the
// resulting connections.
type Handler struct {
	exec     *executor.Executor
	schema   *schema.Schema
	opt      Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// New creates a WebSocket handler for the given runtime and schema. The
// schema must carry its AST, as schemas from schema.BuildFromSDL do.
func New(runtime executor.Runtime, sch *schema.Schema, opts ...Option) (*Handler, error) {
	if sch == nil || sch.AST == nil {
		return nil, errors.NotValidf("schema without AST")
	}
	op := Options{
		InitTimeout:  3 * time.Second,
		KeepAlive:    12 * time.Second,
		ReadLimit:    64 << 10,
		WriteTimeout: 10 * time.Second,
	}
	for _, f := range opts {
		f(&op)
	}
	if op.InitTimeout <= 0 {
		return nil, errors.NotValidf("init timeout %s", op.InitTimeout)
	}
	if op.Logger == nil {
		op.Logger = logging.NewLogger("ws")
	}
	checkOrigin := op.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		exec:   executor.NewExecutor(runtime, sch),
		schema: sch,
		opt:    op,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{SubprotocolTransportWS, SubprotocolGraphQLWS},
			CheckOrigin:  checkOrigin,
		},
		conns: make(map[*conn]struct{}),
	}, nil
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool { return websocket.IsWebSocketUpgrade(r) }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.opt.Logger.WithError(err).Debug("upgrade failed")
		return
	}

	c := newConn(h, ws)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	c.serve(r.Context())

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Shutdown closes every open connection with a going-away close frame and
// waits until their operations are released, or until ctx is done. New
// upgrades are refused from the first call on.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "waiting for websocket connections")
	}
}

// Connections returns the number of open connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
