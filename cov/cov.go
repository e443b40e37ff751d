// Package cov implements the COV Engine (CE): the subscription table and
// change-of-value fanout/expiry logic.
package cov

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// ErrCapacity is returned when the subscription table is full.
var ErrCapacity = errors.New("cov: subscription table at capacity")

// ErrTargetMissing is returned when Subscribe targets an object the
// registry doesn't know about.
var ErrTargetMissing = errors.New("cov: monitored object does not exist")

// DefaultMaxSubscriptions is used when the engine is constructed with
// maxSubscriptions <= 0.
const DefaultMaxSubscriptions = 100

type subscriptionKey struct {
	processID uint32
	address   string
	object    bacnet.ObjectID
}

// Subscription is one COV subscription record.
type Subscription struct {
	ProcessID    uint32
	Address      string
	Object       bacnet.ObjectID
	Confirmed    bool
	Lifetime     uint32
	CreatedAt    time.Time
	LastNotified time.Time
}

// Transport dispatches outgoing COV notifications over the BACnet wire.
// Separated confirmed/unconfirmed methods mirror the two transport modes
// named in the subscription contract.
type Transport interface {
	SendConfirmedCOV(n bacnet.COVNotification) error
	SendUnconfirmedCOV(n bacnet.COVNotification) error
}

// TargetExists reports whether an object currently exists in the registry;
// satisfied by *registry.Registry without importing it here, keeping CE
// decoupled from OR's concrete type.
type TargetExists func(id bacnet.ObjectID) bool

// Engine holds the subscription table, guarded by its own lock acquired
// after OR's (OR -> CE lock ordering; CE never calls back into OR while
// holding its own lock).
type Engine struct {
	mu   sync.Mutex
	subs map[subscriptionKey]*Subscription

	max         int
	transport   Transport
	targetExists TargetExists
	deviceID    uint32
}

// SetTransport installs the engine's outbound transport after construction,
// for callers that must break a construction cycle between the engine and
// whatever owns the wire (mirrors coordinator wiring its client in after
// both sides exist).
func (e *Engine) SetTransport(transport Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = transport
}

// New constructs an Engine. maxSubscriptions <= 0 uses DefaultMaxSubscriptions.
func New(maxSubscriptions int, deviceID uint32, transport Transport, targetExists TargetExists) *Engine {
	if maxSubscriptions <= 0 {
		maxSubscriptions = DefaultMaxSubscriptions
	}
	return &Engine{
		subs:         make(map[subscriptionKey]*Subscription),
		max:          maxSubscriptions,
		transport:    transport,
		targetExists: targetExists,
		deviceID:     deviceID,
	}
}

// Subscribe creates or renews a subscription. A zero lifetime is treated as
// cancellation: BACnet's own Lifetime semantics read 0 as "expired /
// cancel", not "forever".
func (e *Engine) Subscribe(processID uint32, address string, id bacnet.ObjectID, confirmed bool, lifetime uint32) (renewed bool, err error) {
	if lifetime == 0 {
		e.Unsubscribe(processID, id, &address)
		return false, nil
	}
	if !e.targetExists(id) {
		return false, ErrTargetMissing
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := subscriptionKey{processID: processID, address: address, object: id}
	now := time.Now()
	if existing, ok := e.subs[key]; ok {
		existing.Lifetime = lifetime
		existing.Confirmed = confirmed
		existing.CreatedAt = now
		return true, nil
	}
	if len(e.subs) >= e.max {
		return false, ErrCapacity
	}
	e.subs[key] = &Subscription{
		ProcessID: processID,
		Address:   address,
		Object:    id,
		Confirmed: confirmed,
		Lifetime:  lifetime,
		CreatedAt: now,
	}
	return false, nil
}

// Unsubscribe removes every subscription matching (processID, object) and,
// if address is non-nil, the given address too.
func (e *Engine) Unsubscribe(processID uint32, id bacnet.ObjectID, address *string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.subs {
		if key.processID != processID || key.object != id {
			continue
		}
		if address != nil && key.address != *address {
			continue
		}
		delete(e.subs, key)
	}
}

// UnsubscribeObject drops every subscription for an object, regardless of
// subscriber — used when OR deletes the underlying object.
func (e *Engine) UnsubscribeObject(id bacnet.ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.subs {
		if key.object == id {
			delete(e.subs, key)
		}
	}
}

// Fanout emits a notification to every live subscriber of id, returning the
// count of successful emissions. Callers are expected to update OR's
// last_cov_value exactly once after calling Fanout (see registry.MarkReported),
// regardless of how many subscribers were notified.
func (e *Engine) Fanout(id bacnet.ObjectID, values []bacnet.PropertyValue) int {
	e.mu.Lock()
	var targets []*Subscription
	for key, sub := range e.subs {
		if key.object != id || sub.Lifetime == 0 {
			continue
		}
		targets = append(targets, sub)
	}
	e.mu.Unlock()

	sent := 0
	now := time.Now()
	for _, sub := range targets {
		notification := bacnet.COVNotification{
			SubscriberProcessIdentifier: sub.ProcessID,
			SubscriberAddress:           sub.Address,
			InitiatingDeviceIdentifier:  e.deviceID,
			MonitoredObject:             id,
			TimeRemaining:               sub.Lifetime,
			Values:                      values,
			Confirmed:                   sub.Confirmed,
		}
		var err error
		if sub.Confirmed {
			err = e.transport.SendConfirmedCOV(notification)
		} else {
			err = e.transport.SendUnconfirmedCOV(notification)
		}
		if err != nil {
			log.Printf("cov: fanout to process %d for %s failed: %v", sub.ProcessID, id, err)
			continue
		}
		sub.LastNotified = now
		sent++
	}
	return sent
}

// Tick ages every subscription by elapsed seconds, removing any whose
// remaining lifetime reaches zero. Returns the number of expirations.
func (e *Engine) Tick(elapsed uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	expired := 0
	for key, sub := range e.subs {
		if sub.Lifetime == 0 {
			continue
		}
		dec := elapsed
		if dec > sub.Lifetime {
			dec = sub.Lifetime
		}
		sub.Lifetime -= dec
		if sub.Lifetime == 0 {
			log.Printf("cov: subscription process=%d object=%s expired", sub.ProcessID, sub.Object)
			delete(e.subs, key)
			expired++
		}
	}
	return expired
}

// Count returns the current subscription table size.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// RunTicker drives Tick once per second until ctx-equivalent stop is
// closed. The caller owns the goroutine; this just encapsulates the loop
// body used by the BACnet wire thread per the concurrency model.
func (e *Engine) RunTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.Tick(1)
		}
	}
}
