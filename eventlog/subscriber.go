// Package eventlog defines the event-log subscription contract consumed by
// the Materialisation Coordinator, and ships one production implementation
// (WSClient) backed by a persistent reconnecting WebSocket connection. The
// wire format of the actual event-log service is out of scope; only the
// pull/ack/nak contract the coordinator depends on is defined here.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// ErrConnect is returned when establishing or re-establishing the
// subscription fails.
var ErrConnect = errors.New("eventlog: connect failed")

// ErrTimeout names a blocking call exceeding its bound. WSClient does not
// return it: its Pull returns an empty batch when the read timeout elapses.
var ErrTimeout = errors.New("eventlog: timeout")

// StartFrom selects where a subscription begins reading.
type StartFromKind int

const (
	StartBegin StartFromKind = iota
	StartEnd
	StartPosition
)

type StartFrom struct {
	Kind     StartFromKind
	Position uint64
}

// SubscriptionConfig describes one configured worker's target stream.
type SubscriptionConfig struct {
	SubscriptionID string
	StreamName     string
	GroupName      string // non-empty selects persistent/competing-consumer semantics
	StartFrom      StartFrom
	InstanceOffset uint32
	Enabled        bool
}

// Persistent reports whether this config uses persistent (group) semantics.
func (c SubscriptionConfig) Persistent() bool { return c.GroupName != "" }

// Event is one event pulled from the log. AckToken is a first-class,
// optional field carrying whatever opaque token the transport needs to
// acknowledge this specific delivery — never derived by reaching past the
// end of this struct.
type Event struct {
	StreamRevision uint64
	CorrelationID  string
	Payload        []byte
	AckToken       string
}

// Subscriber is the contract MC workers drive. Connect establishes (or
// re-establishes) the subscription; Pull retrieves a batch; Ack/Nak report
// per-event outcomes. Cursor-ish resumption is expressed through StartFrom
// at Connect time, since the log's server tracks position for persistent
// subscriptions and the coordinator tracks it for catch-up ones.
type Subscriber interface {
	// Connect establishes the subscription described by cfg. Bounded by a
	// 5s connect timeout.
	Connect(ctx context.Context, cfg SubscriptionConfig) error
	// Pull retrieves up to maxEvents events, blocking up to a 30s read
	// timeout. An empty, error-free result means the subscription is
	// caught up (catch-up mode) or simply idle (persistent mode).
	Pull(ctx context.Context, maxEvents int) ([]Event, error)
	// Ack acknowledges successful application of an event.
	Ack(ctx context.Context, ev Event) error
	// Nak reports that an event failed to apply and should be redelivered.
	Nak(ctx context.Context, ev Event, reason string) error
	// Close releases the subscription and any underlying connection.
	Close() error
}

// connectTimeout and readTimeout bound every blocking network call a
// Subscriber implementation makes, per the concurrency model's "no
// operation may block indefinitely" rule.
const (
	connectTimeout = 5 * time.Second
	readTimeout    = 30 * time.Second
)
