package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
	"github.com/northwing-bms/bacnet-gateway/cov"
	"github.com/northwing-bms/bacnet-gateway/decode"
	"github.com/northwing-bms/bacnet-gateway/eventlog"
	"github.com/northwing-bms/bacnet-gateway/registry"
	"github.com/northwing-bms/bacnet-gateway/store"
)

// memStore is an in-memory store.Store test double.
type memStore struct {
	mu      sync.Mutex
	objects map[bacnet.ObjectID]store.ObjectRecord
	cursors map[string]uint64
	device  store.DeviceMeta
	hasMeta bool
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[bacnet.ObjectID]store.ObjectRecord), cursors: make(map[string]uint64)}
}

func (m *memStore) StoreObject(ctx context.Context, rec store.ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[rec.ID()] = rec
	return nil
}

func (m *memStore) LoadObject(ctx context.Context, id bacnet.ObjectID) (store.ObjectRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[id]
	if !ok {
		return store.ObjectRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) UpdateValue(ctx context.Context, id bacnet.ObjectID, value bacnet.Value, status *bacnet.StatusFlags, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.PresentValue = value
	if status != nil {
		rec.Status = *status
	}
	rec.LastUpdate = ts
	m.objects[id] = rec
	return nil
}

func (m *memStore) UpdateCOVBaseline(ctx context.Context, id bacnet.ObjectID, lastCovValue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.LastCovValue = lastCovValue
	m.objects[id] = rec
	return nil
}

func (m *memStore) DeleteObject(ctx context.Context, id bacnet.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

type memIterator struct {
	records []store.ObjectRecord
	pos     int
}

func (it *memIterator) Next(ctx context.Context) (store.ObjectRecord, bool) {
	if it.pos >= len(it.records) {
		return store.ObjectRecord{}, false
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true
}
func (it *memIterator) Err() error   { return nil }
func (it *memIterator) Close() error { return nil }

func (m *memStore) Iterate(ctx context.Context, typeFilter *bacnet.ObjectType) (store.ObjectIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []store.ObjectRecord
	for _, rec := range m.objects {
		if typeFilter == nil || rec.Type == *typeFilter {
			recs = append(recs, rec)
		}
	}
	return &memIterator{records: recs}, nil
}

func (m *memStore) StoreCursor(ctx context.Context, subscriptionID string, position uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[subscriptionID] = position
	return nil
}

func (m *memStore) LoadCursor(ctx context.Context, subscriptionID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.cursors[subscriptionID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return pos, nil
}

func (m *memStore) StoreDeviceMeta(ctx context.Context, meta store.DeviceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device = meta
	m.hasMeta = true
	return nil
}

func (m *memStore) LoadDeviceMeta(ctx context.Context) (store.DeviceMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasMeta {
		return store.DeviceMeta{}, store.ErrNotFound
	}
	return m.device, nil
}

func (m *memStore) PublishChange(ctx context.Context, id bacnet.ObjectID) error { return nil }
func (m *memStore) Close() error                                               { return nil }

// fakeSubscriber replays a fixed batch of events once, then stays idle.
type fakeSubscriber struct {
	mu         sync.Mutex
	connectErr error
	pending    []eventlog.Event
	acked      []uint64
	naked      []uint64
}

func (f *fakeSubscriber) Connect(ctx context.Context, cfg eventlog.SubscriptionConfig) error {
	return f.connectErr
}

func (f *fakeSubscriber) Pull(ctx context.Context, maxEvents int) ([]eventlog.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	n := maxEvents
	if n > len(f.pending) {
		n = len(f.pending)
	}
	batch := f.pending[:n]
	f.pending = f.pending[n:]
	return batch, nil
}

func (f *fakeSubscriber) Ack(ctx context.Context, ev eventlog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ev.StreamRevision)
	return nil
}

func (f *fakeSubscriber) Nak(ctx context.Context, ev eventlog.Event, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.naked = append(f.naked, ev.StreamRevision)
	return nil
}

func (f *fakeSubscriber) Close() error { return nil }

func objectDefinitionPayload(instance uint32, name string) []byte {
	return []byte(`{
		"messageType": "ObjectDefinition",
		"sourceId": "test",
		"payload": {
			"objectType": "analog-input",
			"objectInstance": ` + itoaTest(instance) + `,
			"objectName": "` + name + `",
			"presentValueType": "real",
			"initialValue": 10
		}
	}`)
}

func itoaTest(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestStartSurfacesInitialConnectFailure(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()
	connectErr := errors.New("dial event log: connection refused")

	newSub := func() eventlog.Subscriber { return &fakeSubscriber{connectErr: connectErr} }
	cfgs := []eventlog.SubscriptionConfig{{SubscriptionID: "s1", StreamName: "devices", Enabled: true}}

	c := New(reg, engine, st, newSub, cfgs)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to surface a subscription's failed initial connect")
	}
}

func TestStartSucceedsWhenEveryWorkerConnects(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()

	newSub := func() eventlog.Subscriber { return &fakeSubscriber{} }
	cfgs := []eventlog.SubscriptionConfig{{SubscriptionID: "s1", StreamName: "devices", Enabled: true}}

	c := New(reg, engine, st, newSub, cfgs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("expected Start to succeed when every worker connects, got %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWorkerAppliesObjectDefinitionAndCommitsCursor(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()
	sub := &fakeSubscriber{pending: []eventlog.Event{
		{StreamRevision: 1, Payload: objectDefinitionPayload(1, "Zone Temp"), AckToken: "a1"},
	}}

	w := &worker{
		cfg:    eventlog.SubscriptionConfig{SubscriptionID: "s1", StreamName: "devices", Enabled: true},
		sub:    sub,
		reg:    reg,
		engine: engine,
		st:     st,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exited := w.drive(ctx)
	if !exited {
		t.Fatal("expected a catch-up worker to exit once its stream is drained")
	}

	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	if _, err := reg.Read(id); err != nil {
		t.Fatalf("expected object installed in registry, got %v", err)
	}
	if _, err := st.LoadObject(ctx, id); err != nil {
		t.Fatalf("expected object persisted, got %v", err)
	}
	if pos, err := st.LoadCursor(ctx, "s1"); err != nil || pos != 1 {
		t.Fatalf("expected cursor committed at revision 1, got %d, %v", pos, err)
	}
	if len(sub.naked) != 0 {
		t.Fatalf("expected no naks, got %v", sub.naked)
	}
}

func TestWorkerPersistsLastCovValueOnlyWhenFannedOut(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	st.objects[id] = store.ObjectRecord{
		Type: bacnet.AnalogInput, Instance: 1, Name: "Zone Temp",
		PresentValue: bacnet.RealValue(10.0),
		CovIncrement: 1.0,
		LastCovValue: 10.0,
	}
	reg.CreateOrReplace(registry.Descriptor{Type: bacnet.AnalogInput, Instance: 1, Name: "Zone Temp", CovIncrement: 1.0}, ptrReal(10.0))

	w := &worker{cfg: eventlog.SubscriptionConfig{SubscriptionID: "s1"}, reg: reg, engine: engine, st: st}
	ctx := context.Background()

	// A sub-threshold update never fans out, so the durable baseline must
	// not move even though present_value does.
	if err := w.applyValueUpdate(ctx, &decode.ValueUpdateMsg{ObjectType: bacnet.AnalogInput, ObjectInstance: 1, PresentValue: bacnet.RealValue(10.6)}); err != nil {
		t.Fatalf("apply sub-threshold update: %v", err)
	}
	rec, err := st.LoadObject(ctx, id)
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if rec.LastCovValue != 10.0 {
		t.Fatalf("expected last_cov_value unchanged at 10.0 after a sub-threshold update, got %v", rec.LastCovValue)
	}

	// A threshold-crossing update (measured against the registry's true
	// 10.0 baseline, unmoved by the sub-threshold update above) fans out
	// and must advance the durable baseline to the new value.
	if err := w.applyValueUpdate(ctx, &decode.ValueUpdateMsg{ObjectType: bacnet.AnalogInput, ObjectInstance: 1, PresentValue: bacnet.RealValue(11.0)}); err != nil {
		t.Fatalf("apply threshold-crossing update: %v", err)
	}
	rec, err = st.LoadObject(ctx, id)
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if rec.LastCovValue != 11.0 {
		t.Fatalf("expected last_cov_value advanced to 11.0 after fanout, got %v", rec.LastCovValue)
	}
}

func ptrReal(f float32) *bacnet.Value {
	v := bacnet.RealValue(f)
	return &v
}

func TestWorkerNaksApplyFailureAndDoesNotAdvanceCursor(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()
	// A ValueUpdate for an object that was never defined fails at the
	// store's UpdateValue with ErrNotFound, before OR is touched.
	payload := []byte(`{
		"messageType": "ValueUpdate",
		"sourceId": "test",
		"payload": {"objectType": "analog-input", "objectInstance": 5, "presentValue": 1}
	}`)
	sub := &fakeSubscriber{pending: []eventlog.Event{{StreamRevision: 1, Payload: payload, AckToken: "a1"}}}

	w := &worker{
		cfg:    eventlog.SubscriptionConfig{SubscriptionID: "s1", StreamName: "devices", Enabled: true},
		sub:    sub,
		reg:    reg,
		engine: engine,
		st:     st,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.drive(ctx)

	if len(sub.naked) != 1 {
		t.Fatalf("expected the event to be naked, got acked=%v naked=%v", sub.acked, sub.naked)
	}
	if _, err := st.LoadCursor(ctx, "s1"); err != store.ErrNotFound {
		t.Fatalf("expected no cursor commit after a nak, got %v", err)
	}
}

func TestWorkerIdempotentApply(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()
	payload := objectDefinitionPayload(1, "Zone Temp")

	w := &worker{
		cfg:    eventlog.SubscriptionConfig{SubscriptionID: "s1", StreamName: "devices", Enabled: true},
		reg:    reg,
		engine: engine,
		st:     st,
	}
	ctx := context.Background()
	ev := eventlog.Event{StreamRevision: 1, Payload: payload, AckToken: "a1"}

	env1, err := decode.Decode(ev.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := w.applyObjectDefinition(ctx, env1.Message.(*decode.ObjectDefinitionMsg), env1); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	env2, _ := decode.Decode(ev.Payload)
	if err := w.applyObjectDefinition(ctx, env2.Message.(*decode.ObjectDefinitionMsg), env2); err != nil {
		t.Fatalf("apply 2 (redelivery): %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected redelivering the same ObjectDefinition to be idempotent, got %d objects", reg.Len())
	}
}

func TestWorkerObjectDeleteDropsCOVSubscriptions(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	reg.CreateOrReplace(registry.Descriptor{Type: bacnet.AnalogInput, Instance: 1, Name: "x"}, nil)
	if _, err := engine.Subscribe(1, "addr", id, false, 300); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	w := &worker{cfg: eventlog.SubscriptionConfig{SubscriptionID: "s1"}, reg: reg, engine: engine, st: st}
	if err := w.applyObjectDelete(context.Background(), &decode.ObjectDeleteMsg{ObjectType: bacnet.AnalogInput, ObjectInstance: 1}); err != nil {
		t.Fatalf("applyObjectDelete: %v", err)
	}

	if engine.Count() != 0 {
		t.Fatalf("expected COV subscriptions for a deleted object to be dropped, got %d", engine.Count())
	}
	if _, err := reg.Read(id); err == nil {
		t.Fatal("expected object removed from registry")
	}
}

func TestWorkerInstanceOffsetInjectivity(t *testing.T) {
	reg := registry.New()
	engine := cov.New(10, 1, noopTransport{}, func(bacnet.ObjectID) bool { return true })
	st := newMemStore()

	wA := &worker{cfg: eventlog.SubscriptionConfig{SubscriptionID: "a", InstanceOffset: 0}, reg: reg, engine: engine, st: st}
	wB := &worker{cfg: eventlog.SubscriptionConfig{SubscriptionID: "b", InstanceOffset: 1000}, reg: reg, engine: engine, st: st}

	ctx := context.Background()
	envA, err := decode.Decode(objectDefinitionPayload(5, "A-Zone"))
	if err != nil {
		t.Fatalf("decode A: %v", err)
	}
	if err := wA.applyObjectDefinition(ctx, envA.Message.(*decode.ObjectDefinitionMsg), envA); err != nil {
		t.Fatalf("apply A: %v", err)
	}
	envB, err := decode.Decode(objectDefinitionPayload(5, "B-Zone"))
	if err != nil {
		t.Fatalf("decode B: %v", err)
	}
	if err := wB.applyObjectDefinition(ctx, envB.Message.(*decode.ObjectDefinitionMsg), envB); err != nil {
		t.Fatalf("apply B: %v", err)
	}

	idA := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 5}
	idB := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1005}
	if _, err := reg.Read(idA); err != nil {
		t.Fatalf("expected A's object at instance 5, got %v", err)
	}
	if _, err := reg.Read(idB); err != nil {
		t.Fatalf("expected B's object offset into instance 1005, got %v", err)
	}

	if err := wA.applyObjectDelete(ctx, &decode.ObjectDeleteMsg{ObjectType: bacnet.AnalogInput, ObjectInstance: 5}); err != nil {
		t.Fatalf("applyObjectDelete: %v", err)
	}
	if _, err := reg.Read(idA); err == nil {
		t.Fatal("expected A's object removed by A's delete")
	}
	if _, err := reg.Read(idB); err != nil {
		t.Fatalf("expected B's disjoint instance range unaffected by A's delete, got %v", err)
	}
}

func TestRebuildRegistryPreservesLastCovValueNotPresentValue(t *testing.T) {
	reg := registry.New()
	st := newMemStore()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	// A sub-threshold update (covIncrement=1.0) moved present_value to 10.6
	// without ever fanning out, so the durable last_cov_value is still 10.0.
	st.objects[id] = store.ObjectRecord{
		Type: bacnet.AnalogInput, Instance: 1, Name: "Zone Temp",
		PresentValue: bacnet.RealValue(10.6),
		CovIncrement: 1.0,
		LastCovValue: 10.0,
	}

	c := &Coordinator{reg: reg, st: st}
	if err := c.rebuildRegistry(context.Background()); err != nil {
		t.Fatalf("rebuildRegistry: %v", err)
	}

	rec, err := reg.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.PresentValue.Real != 10.6 {
		t.Errorf("expected present value 10.6 restored, got %v", rec.PresentValue)
	}
	if rec.LastCovValue != 10.0 {
		t.Errorf("expected last_cov_value restored from storage (10.0), not re-derived from present value, got %v", rec.LastCovValue)
	}
}

type noopTransport struct{}

func (noopTransport) SendConfirmedCOV(n bacnet.COVNotification) error   { return nil }
func (noopTransport) SendUnconfirmedCOV(n bacnet.COVNotification) error { return nil }
