package ws

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	executor "github.com/hanpama/gqlstream/internal/executor"
	language "github.com/hanpama/gqlstream/internal/language"
	reqid "github.com/hanpama/gqlstream/internal/reqid"
	"github.com/hanpama/gqlstream/internal/source"
)

// operation is one subscribe message's execution on a connection.
type operation struct {
	c      *conn
	id     string
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Entry

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

type resultPayload struct {
	Data   any           `json:"data"`
	Errors []errorObject `json:"errors,omitempty"`
}

func newOperation(c *conn, id string, req Request) *operation {
	ctx, cancel := context.WithCancel(c.ctx)
	ctx, rid := reqid.NewContext(ctx)
	return &operation{
		c:      c,
		id:     id,
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		logger: c.logger.WithFields(log.Fields{"op": id, "request_id": rid}),
		done:   make(chan struct{}),
	}
}

// emit sends msg unless the operation has been stopped. The stopped flag is
// held across the send, so no frame follows a stop.
func (o *operation) emit(msg outMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	msg.ID = o.id
	return o.c.send(msg)
}

// halt gates further frames and cancels the operation without waiting.
func (o *operation) halt() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancel()
}

// stop halts the operation and waits for its goroutine to exit.
func (o *operation) stop() {
	o.halt()
	<-o.done
}

func (o *operation) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *operation) run() {
	defer o.c.opsWG.Done()
	defer close(o.done)
	defer o.cancel()

	start := time.Now()
	doc, verrs := language.LoadQuery(o.c.h.schema.AST, o.req.Query)
	opType := ""
	if len(verrs) == 0 {
		opType = language.OperationType(doc, o.req.OperationName)
	}
	eventbus.Publish(o.ctx, o.c.h.opt.Bus, events.WSOperationStart{
		ConnectionID:  o.c.id,
		OperationID:   o.id,
		OperationName: o.req.OperationName,
		OperationType: opType,
	})

	var (
		outcome string
		results int
		errs    []errorObject
	)
	if len(verrs) > 0 {
		outcome, errs = events.OutcomeError, fromLanguageErrors(verrs)
	} else if opType == "" {
		// Several operations and no matching operationName.
		outcome, errs = events.OutcomeError, []errorObject{{Message: "Unable to identify operation"}}
	} else if opType == language.OperationSubscription {
		outcome, results, errs = o.subscribe(doc)
	} else {
		outcome, results, errs = o.execute(doc)
	}
	if o.isStopped() {
		outcome = events.OutcomeStopped
	}

	// The id is free for reuse before the final frame goes out.
	o.c.remove(o)
	switch outcome {
	case events.OutcomeComplete:
		o.emit(outMessage{Type: msgComplete})
	case events.OutcomeError:
		o.emit(outMessage{Type: msgError, Payload: o.c.d.errorPayload(errs)})
	}

	var finishErr error
	if len(errs) > 0 {
		finishErr = errors.New(errs[0].Message)
	}
	eventbus.Publish(context.WithoutCancel(o.ctx), o.c.h.opt.Bus, events.WSOperationFinish{
		ConnectionID:  o.c.id,
		OperationID:   o.id,
		OperationName: o.req.OperationName,
		OperationType: opType,
		Outcome:       outcome,
		Results:       results,
		Err:           finishErr,
		Duration:      time.Since(start),
	})
	o.logger.WithFields(log.Fields{"outcome": outcome, "results": results}).Debug("Operation finished")
}

// execute runs a query or mutation: one result, then complete.
func (o *operation) execute(doc *language.QueryDocument) (string, int, []errorObject) {
	res := o.c.h.exec.ExecuteRequest(o.ctx, doc, o.req.OperationName, o.req.Variables, nil)
	if !o.emit(outMessage{Type: o.c.d.next, Payload: toResultPayload(res)}) {
		return events.OutcomeStopped, 0, nil
	}
	return events.OutcomeComplete, 1, nil
}

// subscribe forwards every result of the response stream until the source
// completes, fails, or the operation is stopped. The source is released
// before subscribe returns.
func (o *operation) subscribe(doc *language.QueryDocument) (string, int, []errorObject) {
	rs, gerrs := o.c.h.exec.Subscribe(o.ctx, doc, o.req.OperationName, o.req.Variables)
	if len(gerrs) > 0 {
		return events.OutcomeError, 0, fromGraphQLErrors(gerrs)
	}
	defer func() {
		if err := rs.Close(); err != nil {
			o.logger.WithError(err).Warn("Closing source failed")
		}
	}()
	o.logger.WithField("field", rs.Field()).Debug("Subscription started")

	n := 0
	for {
		res, err := rs.Next(o.ctx)
		switch {
		case errors.Is(err, source.Done):
			return events.OutcomeComplete, n, nil
		case err != nil && o.ctx.Err() != nil:
			return events.OutcomeStopped, n, nil
		case err != nil:
			o.logger.WithError(err).Warn("Subscription source failed")
			return events.OutcomeError, n, fromError(err)
		}
		if !o.emit(outMessage{Type: o.c.d.next, Payload: toResultPayload(res)}) {
			return events.OutcomeStopped, n, nil
		}
		n++
	}
}

func toResultPayload(res *executor.ExecutionResult) resultPayload {
	out := resultPayload{Data: res.Data}
	if len(res.Errors) > 0 {
		out.Errors = fromGraphQLErrors(res.Errors)
	}
	return out
}
