package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wireMessage is the superset of all messages exchanged over the
// event-log WebSocket connection, in either direction.
type wireMessage struct {
	Type           string          `json:"type"`
	ClientID       string          `json:"client_id,omitempty"`
	StreamName     string          `json:"stream_name,omitempty"`
	GroupName      string          `json:"group_name,omitempty"`
	StartFrom      string          `json:"start_from,omitempty"`
	StartPosition  uint64          `json:"start_position,omitempty"`
	StreamRevision uint64          `json:"stream_revision,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AckToken       string          `json:"ack_token,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// WSClient is a persistent, reconnecting WebSocket Subscriber. One WSClient
// serves exactly one subscription worker, mirroring one overseer.Client per
// managed source.
type WSClient struct {
	url      string
	clientID string

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	incoming chan Event
	cfg      SubscriptionConfig

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSClient creates a client targeting the given event-log WebSocket URL.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:      url,
		clientID: uuid.NewString(),
		incoming: make(chan Event, 256),
		closed:   make(chan struct{}),
	}
}

// Connect dials the event-log service and issues the subscribe request
// described by cfg. On failure it returns ErrConnect; the caller (the
// coordinator's worker loop) is expected to retry with backoff.
func (c *WSClient) Connect(ctx context.Context, cfg SubscriptionConfig) error {
	c.cfg = cfg

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnect, c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	sub := wireMessage{
		Type:          "subscribe",
		ClientID:      c.clientID,
		StreamName:    cfg.StreamName,
		GroupName:     cfg.GroupName,
		StartPosition: cfg.StartFrom.Position,
	}
	switch cfg.StartFrom.Kind {
	case StartBegin:
		sub.StartFrom = "begin"
	case StartEnd:
		sub.StartFrom = "end"
	case StartPosition:
		sub.StartFrom = "position"
	}
	if err := c.send(sub); err != nil {
		conn.Close()
		return fmt.Errorf("%w: subscribe: %v", ErrConnect, err)
	}

	go c.readLoop(conn)
	log.Printf("eventlog: subscription %s connected to %s as client %s (stream=%s group=%s)", cfg.SubscriptionID, c.url, c.clientID, cfg.StreamName, cfg.GroupName)
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("eventlog: subscription %s read error: %v", c.cfg.SubscriptionID, err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("eventlog: malformed message: %v", err)
			continue
		}
		if msg.Type != "event" {
			continue
		}
		select {
		case c.incoming <- Event{
			StreamRevision: msg.StreamRevision,
			CorrelationID:  msg.CorrelationID,
			Payload:        []byte(msg.Payload),
			AckToken:       msg.AckToken,
		}:
		case <-c.closed:
			return
		}
	}
}

// Pull drains up to maxEvents already-buffered events, waiting up to the
// read timeout for at least one if none are yet available. An empty result
// with a nil error means the subscription is idle, not an error condition.
func (c *WSClient) Pull(ctx context.Context, maxEvents int) ([]Event, error) {
	pullCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var batch []Event
	select {
	case ev := <-c.incoming:
		batch = append(batch, ev)
	case <-pullCtx.Done():
		return nil, nil
	case <-c.closed:
		return nil, nil
	}

	for len(batch) < maxEvents {
		select {
		case ev := <-c.incoming:
			batch = append(batch, ev)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (c *WSClient) Ack(ctx context.Context, ev Event) error {
	return c.send(wireMessage{Type: "ack", AckToken: ev.AckToken})
}

func (c *WSClient) Nak(ctx context.Context, ev Event, reason string) error {
	return c.send(wireMessage{Type: "nak", AckToken: ev.AckToken, Reason: reason})
}

func (c *WSClient) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("eventlog: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close tears down the connection and stops the read loop.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ReconnectBackoff returns the exponential backoff policy used by MC worker
// loops when (re)establishing a subscription: start 5s, cap 60s, retry
// forever (bounded only by the cooperative shutdown flag).
func ReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
