package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
)

type conn struct {
	id     string
	h      *Handler
	ws     *websocket.Conn
	d      dialect
	logger *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	// out hands frames to the write loop. It is unbuffered, so a frame
	// accepted by send is written before anything sent after it.
	out        chan outMessage
	closing    chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string
	quit       chan struct{}
	writerDone chan struct{}

	initReceived atomic.Bool
	acked        atomic.Bool
	peerCode     atomic.Int32

	mu    sync.Mutex
	ops   map[string]*operation
	opsWG sync.WaitGroup
}

func newConn(h *Handler, ws *websocket.Conn) *conn {
	id := uuid.New().String()
	d := dialectFor(ws.Subprotocol())
	return &conn{
		id:         id,
		h:          h,
		ws:         ws,
		d:          d,
		logger:     h.opt.Logger.WithFields(log.Fields{"conn": id, "subprotocol": d.name}),
		out:        make(chan outMessage),
		closing:    make(chan struct{}),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		ops:        make(map[string]*operation),
	}
}

// serve runs the connection until the read loop ends, then releases every
// operation before the socket.
func (c *conn) serve(parent context.Context) {
	start := time.Now()
	c.ctx, c.cancel = context.WithCancel(parent)
	defer c.cancel()

	eventbus.Publish(c.ctx, c.h.opt.Bus, events.WSConnectionStart{ConnectionID: c.id, Subprotocol: c.d.name})
	c.logger.Info("Created connection")

	go c.writeLoop()

	timer := time.AfterFunc(c.h.opt.InitTimeout, func() {
		if !c.initReceived.Load() {
			c.closeWith(CloseInitTimeout, "Connection initialisation timeout")
		}
	})
	if c.h.opt.ReadLimit > 0 {
		c.ws.SetReadLimit(c.h.opt.ReadLimit)
	}

	c.readLoop()

	timer.Stop()
	c.stopAll()
	close(c.quit)
	<-c.writerDone
	_ = c.ws.Close()

	eventbus.Publish(context.WithoutCancel(c.ctx), c.h.opt.Bus, events.WSConnectionFinish{
		ConnectionID: c.id,
		Subprotocol:  c.d.name,
		CloseCode:    c.code(),
		Duration:     time.Since(start),
	})
	c.logger.WithField("code", c.code()).Info("Closed connection")
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.peerCode.Store(int32(ce.Code))
			}
			c.logger.WithField("reason", err).Debug("Read loop ended")
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.malformed("Invalid message received")
			return
		}
		c.logger.WithFields(log.Fields{"id": msg.ID, "type": msg.Type}).Debug("Received message")
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one client message and reports whether reading goes on.
func (c *conn) handle(msg message) bool {
	switch msg.Type {
	case msgConnectionInit:
		if c.initReceived.Swap(true) {
			c.closeWith(CloseTooManyRequests, "Too many initialisation requests")
			return false
		}
		c.send(outMessage{Type: msgConnectionAck})
		c.acked.Store(true)
		if c.d.legacy() {
			c.send(outMessage{Type: msgKeepAlive})
		}

	case msgPing, msgPong:
		if c.d.legacy() {
			return c.malformed(fmt.Sprintf("Unexpected message of type %s received", msg.Type))
		}
		if msg.Type == msgPing {
			pong := outMessage{Type: msgPong}
			if len(msg.Payload) > 0 {
				pong.Payload = msg.Payload
			}
			c.send(pong)
		}

	case c.d.subscribe:
		if !c.acked.Load() {
			c.closeWith(CloseUnauthorized, "Unauthorized")
			return false
		}
		return c.start(msg)

	case c.d.stop:
		c.stop(msg.ID)

	case msgConnectionTerminate:
		if !c.d.legacy() {
			return c.malformed(fmt.Sprintf("Unexpected message of type %s received", msg.Type))
		}
		c.closeWith(websocket.CloseNormalClosure, "")
		return false

	default:
		return c.malformed(fmt.Sprintf("Unexpected message of type %s received", msg.Type))
	}
	return true
}

// start registers and launches the operation named by a subscribe message.
func (c *conn) start(msg message) bool {
	if msg.ID == "" {
		return c.malformed("Subscribe message without id")
	}
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Query == "" {
		return c.malformed("Invalid subscribe payload")
	}

	c.mu.Lock()
	if _, ok := c.ops[msg.ID]; ok {
		c.mu.Unlock()
		err := errors.AlreadyExistsf("Subscriber for %s", msg.ID)
		c.send(outMessage{ID: msg.ID, Type: msgError, Payload: c.d.errorPayload(fromError(err))})
		return true
	}
	op := newOperation(c, msg.ID, req)
	c.ops[msg.ID] = op
	c.opsWG.Add(1)
	c.mu.Unlock()

	go op.run()
	return true
}

// stop ends the operation with the given id and waits for it to release its
// source. Unknown ids are ignored.
func (c *conn) stop(id string) {
	c.mu.Lock()
	op := c.ops[id]
	c.mu.Unlock()
	if op == nil {
		return
	}
	op.stop()
}

func (c *conn) stopAll() {
	c.mu.Lock()
	ops := make([]*operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()
	for _, op := range ops {
		op.halt()
	}
	c.opsWG.Wait()
}

func (c *conn) remove(op *operation) {
	c.mu.Lock()
	if c.ops[op.id] == op {
		delete(c.ops, op.id)
	}
	c.mu.Unlock()
}

// send hands msg to the write loop. It reports false once the write loop
// has exited.
func (c *conn) send(msg outMessage) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.writerDone:
		return false
	}
}

// malformed ends the connection for a frame the protocol does not allow.
func (c *conn) malformed(reason string) bool {
	if c.d.legacy() {
		c.send(outMessage{Type: msgConnectionError, Payload: errorObject{Message: reason}})
	}
	c.closeWith(CloseBadRequest, reason)
	return false
}

// closeWith asks the write loop to send a close frame and unblock the read
// loop. Only the first call has an effect.
func (c *conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.closing)
	})
}

// code is the close code the connection ended with.
func (c *conn) code() int {
	select {
	case <-c.closing:
		return c.closeCode
	default:
	}
	if code := c.peerCode.Load(); code != 0 {
		return int(code)
	}
	return websocket.CloseAbnormalClosure
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)

	var keepAlive <-chan time.Time
	if c.h.opt.KeepAlive > 0 {
		t := time.NewTicker(c.h.opt.KeepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	closing := c.closing
	closed := false
	for {
		select {
		case msg := <-c.out:
			if closed {
				continue
			}
			if err := c.write(msg); err != nil {
				c.logger.WithField("err", err).Warn("Sending message failed")
				_ = c.ws.SetReadDeadline(time.Now())
				return
			}

		case <-keepAlive:
			if closed || !c.acked.Load() {
				continue
			}
			if err := c.write(outMessage{Type: c.d.keepAlive}); err != nil {
				c.logger.WithField("err", err).Warn("Sending keep-alive failed")
				_ = c.ws.SetReadDeadline(time.Now())
				return
			}

		case <-closing:
			closing = nil
			closed = true
			c.writeClose(c.closeCode, c.closeText)
			_ = c.ws.SetReadDeadline(time.Now())

		case <-c.quit:
			if !closed {
				select {
				case <-c.closing:
					c.writeClose(c.closeCode, c.closeText)
				default:
					c.writeClose(websocket.CloseNormalClosure, "")
				}
			}
			return
		}
	}
}

func (c *conn) write(msg outMessage) error {
	if c.h.opt.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.opt.WriteTimeout))
	}
	c.logger.WithFields(log.Fields{"id": msg.ID, "type": msg.Type}).Debug("Send message")
	return c.ws.WriteJSON(msg)
}

func (c *conn) writeClose(code int, text string) {
	timeout := c.h.opt.WriteTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.WithField("err", err).Debug("Sending close frame failed")
	}
}
