// Package client is a minimal graphql-transport-ws client.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hanpama/gqlstream/internal/logging"
)

const subprotocol = "graphql-transport-ws"

// ErrClosed is returned by operations on a closed client.
const ErrClosed = errors.ConstError("client closed")

type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Error struct {
	Message   string     `json:"message"`
	Locations []Location `json:"locations,omitempty"`
	Path      []any      `json:"path,omitempty"`
}

// Result is one execution result. Data is left encoded.
type Result struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors,omitempty"`
}

// OperationError is returned by Subscribe when the server ends the operation
// with an error message.
type OperationError struct {
	Errors []Error
}

func (e *OperationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Message
	}
	return strings.Join(msgs, "; ")
}

// Handlers receive the messages of one operation. Any of them may be nil.
type Handlers struct {
	Next     func(Result)
	Error    func([]Error)
	Complete func()
}

type Options struct {
	Header      http.Header
	InitPayload any
	// AckTimeout bounds the wait for connection_ack.
	AckTimeout time.Duration
	Logger     *log.Entry
}

type Option func(*Options)

func WithHeader(h http.Header) Option       { return func(o *Options) { o.Header = h } }
func WithInitPayload(p any) Option          { return func(o *Options) { o.InitPayload = p } }
func WithAckTimeout(d time.Duration) Option { return func(o *Options) { o.AckTimeout = d } }
func WithLogger(l *log.Entry) Option        { return func(o *Options) { o.Logger = l } }

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Client multiplexes operations over one acknowledged connection.
type Client struct {
	ws     *websocket.Conn
	logger *log.Entry

	writeMu sync.Mutex

	mu   sync.Mutex
	ops  map[string]*op
	err  error
	done chan struct{}
}

type op struct {
	h    Handlers
	done chan error
}

// Dial connects to url, performs the connection_init handshake and starts
// reading.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := Options{AckTimeout: 5 * time.Second}
	for _, f := range opts {
		f(&o)
	}
	if o.Logger == nil {
		o.Logger = logging.NewLogger("client")
	}

	d := websocket.Dialer{Subprotocols: []string{subprotocol}, HandshakeTimeout: o.AckTimeout}
	ws, resp, err := d.DialContext(ctx, url, o.Header)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", url)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		ws:     ws,
		logger: o.Logger.WithField("url", url),
		ops:    make(map[string]*op),
		done:   make(chan struct{}),
	}
	if err := c.handshake(ctx, o); err != nil {
		ws.Close()
		return nil, errors.Trace(err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, o Options) error {
	if err := c.write(outMessage{Type: "connection_init", Payload: o.InitPayload}); err != nil {
		return err
	}
	deadline := time.Now().Add(o.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	var msg message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return errors.Annotate(err, "waiting for connection_ack")
	}
	if msg.Type != "connection_ack" {
		return errors.Errorf("expected connection_ack, got %s", msg.Type)
	}
	return c.ws.SetReadDeadline(time.Time{})
}

func (c *Client) write(msg outMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Subscribe runs req and blocks until the operation completes, fails, or ctx
// is done. Cancelling ctx stops the operation on the server.
func (c *Client) Subscribe(ctx context.Context, req Request, h Handlers) error {
	id := uuid.NewString()
	o := &op{h: h, done: make(chan error, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.ops[id] = o
	c.mu.Unlock()

	if err := c.write(outMessage{ID: id, Type: "subscribe", Payload: req}); err != nil {
		c.remove(id)
		return errors.Annotate(err, "sending subscribe")
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		if c.remove(id) {
			if err := c.write(outMessage{ID: id, Type: "complete"}); err != nil {
				c.logger.WithError(err).Debug("Sending complete failed")
			}
		}
		return ctx.Err()
	case <-c.done:
		return c.closeErr()
	}
}

// remove forgets the operation and reports whether it was still running.
func (c *Client) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ops[id]
	delete(c.ops, id)
	return ok
}

func (c *Client) lookup(id string) *op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[id]
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.fail(err)
			return
		}
		c.logger.WithFields(log.Fields{"id": msg.ID, "type": msg.Type}).Debug("Received message")

		switch msg.Type {
		case "next":
			o := c.lookup(msg.ID)
			if o == nil {
				continue
			}
			var res Result
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				c.logger.WithError(err).Warn("Invalid next payload")
				continue
			}
			if o.h.Next != nil {
				o.h.Next(res)
			}

		case "error":
			o := c.lookup(msg.ID)
			if o == nil || !c.remove(msg.ID) {
				continue
			}
			var errs []Error
			if err := json.Unmarshal(msg.Payload, &errs); err != nil {
				errs = []Error{{Message: string(msg.Payload)}}
			}
			if o.h.Error != nil {
				o.h.Error(errs)
			}
			o.done <- &OperationError{Errors: errs}

		case "complete":
			o := c.lookup(msg.ID)
			if o == nil || !c.remove(msg.ID) {
				continue
			}
			if o.h.Complete != nil {
				o.h.Complete()
			}
			o.done <- nil

		case "ping":
			if err := c.write(outMessage{Type: "pong"}); err != nil {
				c.logger.WithError(err).Debug("Sending pong failed")
			}

		case "pong":
		default:
			c.logger.WithField("type", msg.Type).Warn("Unhandled message")
		}
	}
}

// fail records the terminal error. Running operations see it through done.
func (c *Client) fail(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.ops = make(map[string]*op)
	c.mu.Unlock()
}

// Err returns the error that ended the connection, or nil while it is open.
func (c *Client) Err() error { return c.closeErr() }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection with a normal closure and waits for the read
// loop to exit.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	<-c.done
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}
