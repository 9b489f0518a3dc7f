package ws

import (
	"encoding/json"
)

// Subprotocols in order of preference. A client that names none speaks
// graphql-transport-ws.
const (
	SubprotocolTransportWS = "graphql-transport-ws"
	SubprotocolGraphQLWS   = "graphql-ws"
)

// Message types shared by both subprotocols.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgError          = "error"
	msgComplete       = "complete"
)

// graphql-transport-ws message types.
const (
	msgPing      = "ping"
	msgPong      = "pong"
	msgSubscribe = "subscribe"
	msgNext      = "next"
)

// graphql-ws (subscriptions-transport-ws) message types.
const (
	msgStart               = "start"
	msgData                = "data"
	msgStop                = "stop"
	msgKeepAlive           = "ka"
	msgConnectionError     = "connection_error"
	msgConnectionTerminate = "connection_terminate"
)

// Close codes used to end a connection.
const (
	CloseBadRequest      = 4400
	CloseUnauthorized    = 4401
	CloseInitTimeout     = 4408
	CloseTooManyRequests = 4429
)

// message is an incoming frame. Payload is decoded once the type is known.
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

// Request is the payload of subscribe and start messages.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// dialect maps protocol roles onto the message types of one subprotocol.
type dialect struct {
	name      string
	subscribe string
	stop      string
	next      string
	keepAlive string
}

var (
	transportWS = dialect{
		name:      SubprotocolTransportWS,
		subscribe: msgSubscribe,
		stop:      msgComplete,
		next:      msgNext,
		keepAlive: msgPing,
	}
	graphqlWS = dialect{
		name:      SubprotocolGraphQLWS,
		subscribe: msgStart,
		stop:      msgStop,
		next:      msgData,
		keepAlive: msgKeepAlive,
	}
)

func dialectFor(subprotocol string) dialect {
	if subprotocol == SubprotocolGraphQLWS {
		return graphqlWS
	}
	return transportWS
}

func (d dialect) legacy() bool { return d.name == SubprotocolGraphQLWS }

// errorPayload shapes per-operation errors. graphql-transport-ws carries the
// list; graphql-ws carries a single error object.
func (d dialect) errorPayload(errs []errorObject) any {
	if d.legacy() {
		if len(errs) == 0 {
			return errorObject{Message: "unknown error"}
		}
		return errs[0]
	}
	return errs
}

type errorLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type errorObject struct {
	Message    string          `json:"message"`
	Locations  []errorLocation `json:"locations,omitempty"`
	Path       []any           `json:"path,omitempty"`
	Extensions map[string]any  `json:"extensions,omitempty"`
}
