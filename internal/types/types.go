// Package types contains the core domain types shared across all sink
// packages. It deliberately has zero imports of other internal packages so
// that the queue layer, the codec and the sinks can all import it without
// creating import cycles.
package types

// Message is the unit of data flowing through a sink.
//
// A Message is immutable once created: producers must not modify Payload
// after handing the message to a sink, and sinks never copy or duplicate it.
type Message struct {
	// RoutingKey names the logical stream the message belongs to.
	RoutingKey string `json:"routing_key"`

	// Payload is the raw message body. Producers own the encoding.
	Payload []byte `json:"payload"`
}

// NewMessage builds a Message from a routing key and payload.
func NewMessage(routingKey string, payload []byte) Message {
	return Message{RoutingKey: routingKey, Payload: payload}
}

// Size returns the number of bytes the message contributes to a batch.
func (m Message) Size() int {
	return len(m.RoutingKey) + len(m.Payload)
}

// Status is the health of a component as reported to a health registry.
type Status uint8

const (
	// StatusAlive means the component is accepting and delivering traffic.
	StatusAlive Status = iota
	// StatusWarning means the component is degraded and refuses to write
	// further data until the condition clears.
	StatusWarning
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "ALIVE"
	case StatusWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// State is the lifecycle state of a queued sink.
type State int32

const (
	// StateCreated is the state of a freshly constructed sink.
	StateCreated State = iota
	// StateInitialized means the queue and batching policy are bound.
	StateInitialized
	// StateRunning means the drain loop is active.
	StateRunning
	// StateClosing means Close was called and the queue is being drained.
	StateClosing
	// StateClosed is the terminal state.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
