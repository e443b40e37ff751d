// Package store defines the Snapshot Store Adapter: the persistence
// abstraction between the materialisation core and a durable key-value
// backing store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// ErrNotFound is returned by Load/LoadCursor when the identity is absent.
var ErrNotFound = errors.New("store: not found")

// ErrConnectionLost is returned when the backing store is unreachable. The
// postgres adapter wraps every failed query with it and keeps no separate
// reconnecting state: each later call goes to the connection pool again,
// and reads fail with this error rather than ErrNotFound.
var ErrConnectionLost = errors.New("store: connection lost")

// ObjectRecord is the durable form of an Object Registry entry.
type ObjectRecord struct {
	Type     bacnet.ObjectType `json:"object_type"`
	Instance uint32            `json:"instance"`

	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	UnitsCode     uint16   `json:"units_code"`
	UnitsText     string   `json:"units_text,omitempty"`
	MinPresentVal *float32 `json:"min_present_value,omitempty"`
	MaxPresentVal *float32 `json:"max_present_value,omitempty"`
	StateTexts    []string `json:"state_texts,omitempty"`
	InactiveText  string   `json:"inactive_text,omitempty"`
	ActiveText    string   `json:"active_text,omitempty"`
	PriorityArray bool     `json:"priority_array"`

	PresentValue bacnet.Value       `json:"present_value"`
	Status       bacnet.StatusFlags `json:"status_flags"`
	Reliability  bacnet.Reliability `json:"reliability"`
	EventState   bacnet.EventState  `json:"event_state"`

	CovIncrement float32 `json:"cov_increment"`
	LastCovValue float64 `json:"last_cov_value"`

	LastUpdate     time.Time `json:"last_update"`
	SourceID       string    `json:"source_id"`
	StreamPosition uint64    `json:"stream_position"`
}

// ID returns the object's identity pair.
func (r ObjectRecord) ID() bacnet.ObjectID {
	return bacnet.ObjectID{Type: r.Type, Instance: r.Instance}
}

// DeviceMeta is the single-row device metadata record.
type DeviceMeta struct {
	Instance    uint32 `json:"instance"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	VendorID    uint32 `json:"vendor_id"`
	VendorName  string `json:"vendor_name,omitempty"`
	Model       string `json:"model,omitempty"`
}

// ObjectIterator yields records lazily. Next returns false when exhausted;
// Err reports whether iteration stopped early due to a connection loss —
// callers still process whatever Next already yielded.
type ObjectIterator interface {
	Next(ctx context.Context) (ObjectRecord, bool)
	Err() error
	Close() error
}

// Store is the Snapshot Store Adapter interface. All methods are
// context-aware and surface ErrConnectionLost/ErrNotFound per the contracts
// below. The postgres adapter runs calls over a connection pool and does not
// serialise them.
type Store interface {
	// StoreObject persists a complete record and adds it to the index set.
	StoreObject(ctx context.Context, rec ObjectRecord) error
	// LoadObject returns ErrNotFound if the identity is absent.
	LoadObject(ctx context.Context, id bacnet.ObjectID) (ObjectRecord, error)
	// UpdateValue updates present-value and flags for an existing record.
	// Returns ErrNotFound if the record is absent. The postgres adapter
	// loads the record and stores it back as two statements, so the update
	// is not atomic against a concurrent writer of the same key.
	UpdateValue(ctx context.Context, id bacnet.ObjectID, value bacnet.Value, status *bacnet.StatusFlags, ts time.Time) error
	// UpdateCOVBaseline persists last_cov_value after a fanned-out COV
	// notification, so a restart recovers the true last-reported baseline
	// instead of re-deriving it from the current present value. Returns
	// ErrNotFound if the record is absent.
	UpdateCOVBaseline(ctx context.Context, id bacnet.ObjectID, lastCovValue float64) error
	// DeleteObject removes the record and its index entry. Deleting an
	// absent identity is not an error (idempotent).
	DeleteObject(ctx context.Context, id bacnet.ObjectID) error
	// Iterate returns a lazy sequence of records, optionally filtered by
	// type. A connection loss mid-iteration surfaces via Iterator.Err
	// after the partial sequence is exhausted.
	Iterate(ctx context.Context, typeFilter *bacnet.ObjectType) (ObjectIterator, error)

	// StoreCursor overwrites the stream cursor for a subscription.
	StoreCursor(ctx context.Context, subscriptionID string, position uint64) error
	// LoadCursor returns ErrNotFound if no cursor has been stored yet.
	LoadCursor(ctx context.Context, subscriptionID string) (uint64, error)

	// StoreDeviceMeta is best-effort; no ordering guarantee with other
	// writers.
	StoreDeviceMeta(ctx context.Context, meta DeviceMeta) error
	// LoadDeviceMeta returns ErrNotFound if none has been stored.
	LoadDeviceMeta(ctx context.Context) (DeviceMeta, error)
	// PublishChange is an advisory, best-effort notification that an
	// object changed; it carries no ordering guarantee.
	PublishChange(ctx context.Context, id bacnet.ObjectID) error

	// Close releases the underlying connection.
	Close() error
}
