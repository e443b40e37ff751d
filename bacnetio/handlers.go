// Package bacnetio defines the BACnet service-handler installation boundary:
// the capability set the wire layer calls into, and the gateway's one
// implementation backed by the Object Registry and COV Engine. The raw wire
// codec (ASN.1 encoding, NPDU/APDU framing) is out of scope; this package
// models the handler contract and two transports that install it — an
// in-memory SimHandlers for tests and a thin UDPServer for production.
package bacnetio

import (
	"errors"
	"fmt"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
	"github.com/northwing-bms/bacnet-gateway/cov"
	"github.com/northwing-bms/bacnet-gateway/registry"
)

// ErrCOVPropertyUnsupported is returned by SubscribeCOVProperty. Rather than
// silently degrade a property-specific subscription to whole-object COV
// semantics, the request is rejected explicitly so callers see a clear
// BACnet error instead of a silent behavioural mismatch.
var ErrCOVPropertyUnsupported = errors.New("bacnetio: SubscribeCOVProperty is not supported, use SubscribeCOV")

// IAm is the response to an unconfirmed Who-Is.
type IAm struct {
	DeviceInstance uint32
	VendorID       uint32
	MaxAPDU        uint32
	Segmentation   string
}

// Handlers is the capability set the wire layer installs and dispatches
// decoded service requests into — an interface value in place of a
// callback-pointer-plus-void* parameter.
type Handlers interface {
	WhoIs() IAm
	ReadProperty(id bacnet.ObjectID, property bacnet.PropertyID) (any, error)
	ReadPropertyMultiple(id bacnet.ObjectID, properties []bacnet.PropertyID) (map[bacnet.PropertyID]any, error)
	WriteProperty(id bacnet.ObjectID, property bacnet.PropertyID, value bacnet.Value) error
	SubscribeCOV(processID uint32, address string, id bacnet.ObjectID, confirmed bool, lifetime uint32) (renewed bool, err error)
	SubscribeCOVProperty(processID uint32, address string, id bacnet.ObjectID, property bacnet.PropertyID, confirmed bool, lifetime uint32) (renewed bool, err error)
}

// CoreHandlers implements Handlers against a live Registry and COV Engine.
type CoreHandlers struct {
	reg      *registry.Registry
	engine   *cov.Engine
	device   IAm
}

// NewCoreHandlers constructs the gateway's single Handlers implementation.
func NewCoreHandlers(reg *registry.Registry, engine *cov.Engine, device IAm) *CoreHandlers {
	return &CoreHandlers{reg: reg, engine: engine, device: device}
}

func (h *CoreHandlers) WhoIs() IAm { return h.device }

func (h *CoreHandlers) ReadProperty(id bacnet.ObjectID, property bacnet.PropertyID) (any, error) {
	rec, err := h.reg.Read(id)
	if err != nil {
		return nil, err
	}
	return propertyValue(rec, property)
}

func (h *CoreHandlers) ReadPropertyMultiple(id bacnet.ObjectID, properties []bacnet.PropertyID) (map[bacnet.PropertyID]any, error) {
	rec, err := h.reg.Read(id)
	if err != nil {
		return nil, err
	}
	out := make(map[bacnet.PropertyID]any, len(properties))
	for _, p := range properties {
		v, err := propertyValue(rec, p)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}

func propertyValue(rec registry.Record, property bacnet.PropertyID) (any, error) {
	switch property {
	case bacnet.PropPresentValue:
		return rec.PresentValue, nil
	case bacnet.PropStatusFlags:
		return rec.Status, nil
	case bacnet.PropCovIncrement:
		return rec.CovIncrement, nil
	case bacnet.PropObjectName:
		return rec.Name, nil
	case bacnet.PropDescription:
		return rec.Description, nil
	case bacnet.PropUnits:
		return rec.UnitsCode, nil
	case bacnet.PropReliability:
		return rec.Reliability, nil
	case bacnet.PropEventState:
		return rec.EventState, nil
	default:
		return nil, fmt.Errorf("bacnetio: unsupported property %d", property)
	}
}

// WriteProperty applies a BACnet write via OR's write-from-wire path and
// runs the same COV evaluation an upstream update would: a write that
// crosses the COV threshold must fan out exactly like one arriving from
// the event log.
func (h *CoreHandlers) WriteProperty(id bacnet.ObjectID, property bacnet.PropertyID, value bacnet.Value) error {
	if property != bacnet.PropPresentValue {
		return fmt.Errorf("bacnetio: write to property %d not supported", property)
	}
	_, newValue, triggered, err := h.reg.WriteFromWire(id, property, value)
	if err != nil {
		return err
	}
	if triggered {
		rec, err := h.reg.Read(id)
		if err != nil {
			return nil
		}
		values := []bacnet.PropertyValue{
			{Property: bacnet.PropPresentValue, Value: newValue},
			{Property: bacnet.PropStatusFlags, Value: rec.Status},
		}
		h.engine.Fanout(id, values)
		h.reg.MarkReported(id, newValue)
	}
	return nil
}

func (h *CoreHandlers) SubscribeCOV(processID uint32, address string, id bacnet.ObjectID, confirmed bool, lifetime uint32) (bool, error) {
	return h.engine.Subscribe(processID, address, id, confirmed, lifetime)
}

func (h *CoreHandlers) SubscribeCOVProperty(processID uint32, address string, id bacnet.ObjectID, property bacnet.PropertyID, confirmed bool, lifetime uint32) (bool, error) {
	return false, ErrCOVPropertyUnsupported
}
