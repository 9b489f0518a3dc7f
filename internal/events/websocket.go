package events

import "time"

// WSConnectionStart is emitted once a WebSocket upgrade succeeds.
type WSConnectionStart struct {
	ConnectionID string
	Subprotocol  string
}

// WSConnectionFinish is emitted after every operation on the connection has
// been released and the socket is closed.
type WSConnectionFinish struct {
	ConnectionID string
	Subprotocol  string
	CloseCode    int
	Duration     time.Duration
}

// Operation outcomes reported by WSOperationFinish.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomeStopped  = "stopped"
)

// WSOperationStart is emitted when a subscribe message starts an operation.
type WSOperationStart struct {
	ConnectionID  string
	OperationID   string
	OperationName string
	OperationType string
}

// WSOperationFinish is emitted when an operation ends and its source has been
// released.
type WSOperationFinish struct {
	ConnectionID  string
	OperationID   string
	OperationName string
	OperationType string
	Outcome       string
	Results       int
	Err           error
	Duration      time.Duration
}
