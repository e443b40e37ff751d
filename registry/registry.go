// Package registry implements the Object Registry (OR): the in-memory map
// of live BACnet objects keyed by (object_type, instance).
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// ErrNotFound is returned by operations addressing a missing object.
var ErrNotFound = errors.New("registry: object not found")

// ErrTypeMismatch is returned when a value's tag doesn't match the object's
// declared value class.
var ErrTypeMismatch = errors.New("registry: value type mismatch")

// Descriptor is the static, descriptive portion of an object record —
// everything but present value and status.
type Descriptor struct {
	Type          bacnet.ObjectType
	Instance      uint32
	Name          string
	Description   string
	UnitsCode     uint16
	UnitsText     string
	MinPresentVal *float32
	MaxPresentVal *float32
	StateTexts    []string
	InactiveText  string
	ActiveText    string
	PriorityArray bool
	CovIncrement  float32
}

// Record is one live object in the registry.
type Record struct {
	Descriptor
	PresentValue bacnet.Value
	Status       bacnet.StatusFlags
	Reliability  bacnet.Reliability
	EventState   bacnet.EventState
	LastCovValue float64
	LastUpdate   time.Time
	SourceID     string
	StreamPos    uint64
}

func (r Record) ID() bacnet.ObjectID {
	return bacnet.ObjectID{Type: r.Type, Instance: r.Instance}
}

// WriteCallback is the registered external sink for wire-originated
// writes. It mirrors the capability-set approach to callback-plus-user-data:
// a plain function value instead of a callback pointer and opaque context.
type WriteCallback func(id bacnet.ObjectID, property bacnet.PropertyID, value bacnet.Value) error

// Registry is safe for concurrent use. A single RWMutex guards the whole
// map; iteration copies records out while holding the lock to bound
// lock-hold time instead of holding it for the caller's entire walk.
type Registry struct {
	mu       sync.RWMutex
	objects  map[bacnet.ObjectID]*Record
	onWrite  WriteCallback
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{objects: make(map[bacnet.ObjectID]*Record)}
}

// SetWriteCallback installs the external write sink used by WriteFromWire.
// Passing nil removes it, so writes are only applied locally.
func (r *Registry) SetWriteCallback(cb WriteCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWrite = cb
}

// CreateOrReplace installs or overwrites a record. When overwriting, the
// previous last_cov_value is discarded so no spurious COV is produced
// against a stale baseline.
func (r *Registry) CreateOrReplace(desc Descriptor, initial *bacnet.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := bacnet.ObjectID{Type: desc.Type, Instance: desc.Instance}
	rec := &Record{Descriptor: desc, LastUpdate: time.Now()}
	if initial != nil {
		rec.PresentValue = *initial
		rec.LastCovValue = initial.AsFloat64()
	}
	r.objects[id] = rec
}

// Install restores a record from durable storage, seeding PresentValue,
// Status, and LastCovValue independently. Unlike CreateOrReplace — which
// assumes a freshly defined object whose baseline equals its initial value
// — Install is for recovery, where the true last-reported baseline may
// differ from the current present value (a sub-threshold update that never
// fanned out still advances present value without moving the baseline).
func (r *Registry) Install(desc Descriptor, presentValue bacnet.Value, status bacnet.StatusFlags, lastCovValue float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := bacnet.ObjectID{Type: desc.Type, Instance: desc.Instance}
	r.objects[id] = &Record{
		Descriptor:   desc,
		PresentValue: presentValue,
		Status:       status,
		LastCovValue: lastCovValue,
		LastUpdate:   time.Now(),
	}
}

// UpdateValue applies a present-value/status change and reports whether it
// crosses the COV threshold. It does not itself update last_cov_value —
// that is CE's responsibility, performed only after a successful fanout.
func (r *Registry) UpdateValue(id bacnet.ObjectID, value bacnet.Value, status *bacnet.StatusFlags) (old, new bacnet.Value, covTriggered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.objects[id]
	if !ok {
		return bacnet.Value{}, bacnet.Value{}, false, ErrNotFound
	}
	if value.Kind != rec.Type.ExpectedKind() {
		return bacnet.Value{}, bacnet.Value{}, false, fmt.Errorf("%w: %s expects %s, got %s", ErrTypeMismatch, rec.Type, rec.Type.ExpectedKind(), value.Kind)
	}

	old = rec.PresentValue
	statusChanged := false
	if status != nil {
		statusChanged = !rec.Status.Equal(*status)
		rec.Status = *status
	}

	covTriggered = covTriggers(rec.CovIncrement, rec.LastCovValue, value.AsFloat64()) || statusChanged

	rec.PresentValue = value
	rec.LastUpdate = time.Now()
	new = value
	return old, new, covTriggered, nil
}

// covTriggers implements the COV-trigger decision algorithm from the
// registry contract: cov_increment <= 0 means any inequality triggers;
// otherwise trigger when the absolute delta reaches the increment.
func covTriggers(covIncrement float32, lastCovValue, candidate float64) bool {
	if covIncrement <= 0 {
		return candidate != lastCovValue
	}
	delta := candidate - lastCovValue
	if delta < 0 {
		delta = -delta
	}
	return delta >= float64(covIncrement)
}

// MarkReported updates last_cov_value after a fanout. Called by the code
// that invoked CE's Fanout (the coordinator worker or the WriteProperty
// handler) exactly once per object per change, regardless of subscriber
// count.
func (r *Registry) MarkReported(id bacnet.ObjectID, value bacnet.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.objects[id]; ok {
		rec.LastCovValue = value.AsFloat64()
	}
}

// Delete removes a record, reporting whether one was present.
func (r *Registry) Delete(id bacnet.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[id]; !ok {
		return false
	}
	delete(r.objects, id)
	return true
}

// Read returns a copy of the record for wire-side readers.
func (r *Registry) Read(id bacnet.ObjectID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.objects[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// WriteFromWire applies a BACnet WriteProperty to PresentValue. If a write
// callback is registered it is invoked first, and an error from it aborts
// the write; otherwise (callback succeeded, or none registered) the write is
// applied locally exactly as UpdateValue would apply it, and the caller is
// responsible for running the normal COV evaluation against the result.
func (r *Registry) WriteFromWire(id bacnet.ObjectID, property bacnet.PropertyID, value bacnet.Value) (old, new bacnet.Value, covTriggered bool, err error) {
	r.mu.RLock()
	cb := r.onWrite
	r.mu.RUnlock()

	if cb != nil {
		if err := cb(id, property, value); err != nil {
			return bacnet.Value{}, bacnet.Value{}, false, err
		}
	}
	return r.UpdateValue(id, value, nil)
}

// Iterate returns a snapshot of all records taken at call time; concurrent
// mutations after this call are not observed by the returned slice.
func (r *Registry) Iterate() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.objects))
	for _, rec := range r.objects {
		out = append(out, *rec)
	}
	return out
}

// Len reports the number of live objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
