package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
	"github.com/northwing-bms/bacnet-gateway/cov"
	"github.com/northwing-bms/bacnet-gateway/decode"
	"github.com/northwing-bms/bacnet-gateway/eventlog"
	"github.com/northwing-bms/bacnet-gateway/registry"
	"github.com/northwing-bms/bacnet-gateway/store"
)

// worker drives one configured subscription end to end: connect with
// backoff, pull batches, decode, dispatch, ack/nak, commit cursor.
type worker struct {
	cfg    eventlog.SubscriptionConfig
	sub    eventlog.Subscriber
	reg    *registry.Registry
	engine *cov.Engine
	st     store.Store

	// connected is true when the coordinator already performed this
	// worker's first Connect synchronously (to surface a startup-time
	// event-log outage to the caller) so run's first iteration must not
	// redial before driving.
	connected bool
}

func (w *worker) run(ctx context.Context) {
	defer w.sub.Close()

	b := eventlog.ReconnectBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.connected {
			if err := w.sub.Connect(ctx, w.cfg); err != nil {
				delay := b.NextBackOff()
				log.Printf("coordinator: subscription %s connect failed: %v — retrying in %s", w.cfg.SubscriptionID, err, delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}
		}
		w.connected = false
		b.Reset()
		if w.drive(ctx) {
			return // catch-up subscription exhausted the stream
		}
		// persistent subscription's connection dropped; loop and reconnect
	}
}

// drive pulls and applies batches until ctx is cancelled (returns false) or
// a catch-up subscription runs dry (returns true).
func (w *worker) drive(ctx context.Context) bool {
	batchSize := persistentBatchSize
	if !w.cfg.Persistent() {
		batchSize = catchUpBatchSize
	}

	for {
		if ctx.Err() != nil {
			return false
		}
		events, err := w.sub.Pull(ctx, batchSize)
		if err != nil {
			log.Printf("coordinator: subscription %s pull failed: %v", w.cfg.SubscriptionID, err)
			return false
		}

		if len(events) == 0 {
			if !w.cfg.Persistent() {
				log.Printf("coordinator: subscription %s caught up, exiting", w.cfg.SubscriptionID)
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(persistentPollInterval):
			}
			continue
		}

		for _, ev := range events {
			w.apply(ctx, ev)
		}
	}
}

// apply decodes and dispatches a single event, then ACKs or NAKs it per the
// outcome and best-effort commits the cursor.
func (w *worker) apply(ctx context.Context, ev eventlog.Event) {
	env, err := decode.Decode(ev.Payload)
	if err != nil {
		log.Printf("coordinator: subscription %s decode error, acking poison event: %v", w.cfg.SubscriptionID, err)
		if ackErr := w.sub.Ack(ctx, ev); ackErr != nil {
			log.Printf("coordinator: subscription %s ack of poison event failed: %v", w.cfg.SubscriptionID, ackErr)
		}
		return
	}

	var applyErr error
	switch msg := env.Message.(type) {
	case *decode.ObjectDefinitionMsg:
		applyErr = w.applyObjectDefinition(ctx, msg, env)
	case *decode.ValueUpdateMsg:
		applyErr = w.applyValueUpdate(ctx, msg)
	case *decode.ObjectDeleteMsg:
		applyErr = w.applyObjectDelete(ctx, msg)
	case *decode.DeviceConfigMsg:
		applyErr = w.applyDeviceConfig(ctx, msg)
	}

	if applyErr != nil {
		log.Printf("coordinator: subscription %s nak event revision %d: %v", w.cfg.SubscriptionID, ev.StreamRevision, applyErr)
		if nakErr := w.sub.Nak(ctx, ev, applyErr.Error()); nakErr != nil {
			log.Printf("coordinator: subscription %s nak failed: %v", w.cfg.SubscriptionID, nakErr)
		}
		return
	}

	if ackErr := w.sub.Ack(ctx, ev); ackErr != nil {
		log.Printf("coordinator: subscription %s ack failed: %v", w.cfg.SubscriptionID, ackErr)
		return
	}

	if cursorErr := w.st.StoreCursor(ctx, w.cfg.SubscriptionID, ev.StreamRevision); cursorErr != nil {
		// Cursor-store failure is logged but does not NAK: at-least-once
		// redelivery of an already-applied event is tolerated because
		// every sink operation here is idempotent.
		log.Printf("coordinator: subscription %s cursor commit failed at revision %d: %v", w.cfg.SubscriptionID, ev.StreamRevision, cursorErr)
	}
}

func (w *worker) effectiveInstance(instance uint32) uint32 {
	return instance + w.cfg.InstanceOffset
}

func (w *worker) applyObjectDefinition(ctx context.Context, msg *decode.ObjectDefinitionMsg, env *decode.Envelope) error {
	instance := w.effectiveInstance(msg.ObjectInstance)
	id := bacnet.ObjectID{Type: msg.ObjectType, Instance: instance}

	rec := store.ObjectRecord{
		Type:          id.Type,
		Instance:      id.Instance,
		Name:          msg.ObjectName,
		Description:   msg.Description,
		UnitsCode:     msg.UnitsCode,
		UnitsText:     msg.UnitsText,
		MinPresentVal: msg.MinPresentVal,
		MaxPresentVal: msg.MaxPresentVal,
		StateTexts:    msg.StateTexts,
		InactiveText:  msg.InactiveText,
		ActiveText:    msg.ActiveText,
		PriorityArray: msg.PriorityArray,
		CovIncrement:  msg.CovIncrement,
		SourceID:      env.SourceID,
	}
	if msg.HasInitialValue {
		rec.PresentValue = msg.InitialValue
		rec.LastCovValue = msg.InitialValue.AsFloat64()
	}
	if env.StreamPosition != 0 {
		rec.StreamPosition = env.StreamPosition
	}
	if env.HasTimestamp {
		rec.LastUpdate = msTime(env.TimestampMs)
	} else {
		rec.LastUpdate = nowFunc()
	}

	if err := w.st.StoreObject(ctx, rec); err != nil {
		return err
	}

	desc := registry.Descriptor{
		Type:          id.Type,
		Instance:      id.Instance,
		Name:          msg.ObjectName,
		Description:   msg.Description,
		UnitsCode:     msg.UnitsCode,
		UnitsText:     msg.UnitsText,
		MinPresentVal: msg.MinPresentVal,
		MaxPresentVal: msg.MaxPresentVal,
		StateTexts:    msg.StateTexts,
		InactiveText:  msg.InactiveText,
		ActiveText:    msg.ActiveText,
		PriorityArray: msg.PriorityArray,
		CovIncrement:  msg.CovIncrement,
	}
	var initial *bacnet.Value
	if msg.HasInitialValue {
		initial = &msg.InitialValue
	}
	w.reg.CreateOrReplace(desc, initial)
	return nil
}

func (w *worker) applyValueUpdate(ctx context.Context, msg *decode.ValueUpdateMsg) error {
	instance := w.effectiveInstance(msg.ObjectInstance)
	id := bacnet.ObjectID{Type: msg.ObjectType, Instance: instance}

	ts := nowFunc()
	if msg.HasSourceTS {
		ts = msTime(msg.SourceTSMs)
	}

	var statusPtr *bacnet.StatusFlags
	if msg.HasStatusFlags {
		statusPtr = &msg.StatusFlags
	}

	if err := w.st.UpdateValue(ctx, id, msg.PresentValue, statusPtr, ts); err != nil {
		return err
	}

	_, newValue, triggered, err := w.reg.UpdateValue(id, msg.PresentValue, statusPtr)
	if err != nil {
		return err
	}
	if triggered {
		rec, readErr := w.reg.Read(id)
		values := []bacnet.PropertyValue{{Property: bacnet.PropPresentValue, Value: newValue}}
		if readErr == nil {
			values = append(values, bacnet.PropertyValue{Property: bacnet.PropStatusFlags, Value: rec.Status})
		}
		w.engine.Fanout(id, values)
		w.reg.MarkReported(id, newValue)
		// Best-effort, like the cursor commit below: a failure here is
		// self-healing on the next fanned-out update, and at-least-once
		// redelivery tolerates a baseline that is momentarily stale rather
		// than wrong in the direction of a missed notification.
		if err := w.st.UpdateCOVBaseline(ctx, id, newValue.AsFloat64()); err != nil {
			log.Printf("coordinator: subscription %s cov baseline persist failed for %s: %v", w.cfg.SubscriptionID, id, err)
		}
	}
	return nil
}

func (w *worker) applyObjectDelete(ctx context.Context, msg *decode.ObjectDeleteMsg) error {
	instance := w.effectiveInstance(msg.ObjectInstance)
	id := bacnet.ObjectID{Type: msg.ObjectType, Instance: instance}

	if err := w.st.DeleteObject(ctx, id); err != nil {
		return err
	}
	w.reg.Delete(id)
	w.engine.UnsubscribeObject(id)
	return nil
}

func (w *worker) applyDeviceConfig(ctx context.Context, msg *decode.DeviceConfigMsg) error {
	meta, err := w.st.LoadDeviceMeta(ctx)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if msg.HasInstance {
		meta.Instance = msg.Instance
	}
	if msg.HasName {
		meta.Name = msg.Name
	}
	if msg.HasDesc {
		meta.Description = msg.Description
	}
	if msg.HasLocation {
		meta.Location = msg.Location
	}
	if msg.HasVendorID {
		meta.VendorID = msg.VendorID
	}
	if msg.HasVendorNm {
		meta.VendorName = msg.VendorName
	}
	if msg.HasModel {
		meta.Model = msg.Model
	}
	return w.st.StoreDeviceMeta(ctx, meta)
}
