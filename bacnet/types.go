// Package bacnet holds the BACnet object/property/value vocabulary shared by
// the registry, COV engine, and service-handler boundary. It does not
// implement the wire codec (ASN.1 encoding, NPDU/APDU framing) — that stays
// external per the gateway's scope.
package bacnet

import "fmt"

// ObjectType is a BACnet object-type enumeration value, restricted to the
// nine types this gateway materialises.
type ObjectType uint32

const (
	AnalogInput ObjectType = iota
	AnalogOutput
	AnalogValue
	BinaryInput
	BinaryOutput
	BinaryValue
	MultiStateInput  ObjectType = 13
	MultiStateOutput ObjectType = 14
	MultiStateValue  ObjectType = 19
)

var objectTypeNames = map[ObjectType]string{
	AnalogInput:      "analog-input",
	AnalogOutput:     "analog-output",
	AnalogValue:      "analog-value",
	BinaryInput:      "binary-input",
	BinaryOutput:     "binary-output",
	BinaryValue:      "binary-value",
	MultiStateInput:  "multi-state-input",
	MultiStateOutput: "multi-state-output",
	MultiStateValue:  "multi-state-value",
}

var objectTypesByName = func() map[string]ObjectType {
	m := make(map[string]ObjectType, len(objectTypeNames))
	for t, name := range objectTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the wire name used in event payloads, e.g. "analog-input".
func (t ObjectType) String() string {
	if s, ok := objectTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("object-type(%d)", uint32(t))
}

// ParseObjectType converts a wire object-type string to its enum value.
func ParseObjectType(s string) (ObjectType, bool) {
	t, ok := objectTypesByName[s]
	return t, ok
}

// IsAnalog reports whether t's present-value class is Real.
func (t ObjectType) IsAnalog() bool {
	switch t {
	case AnalogInput, AnalogOutput, AnalogValue:
		return true
	}
	return false
}

// IsBinary reports whether t's present-value class is Boolean.
func (t ObjectType) IsBinary() bool {
	switch t {
	case BinaryInput, BinaryOutput, BinaryValue:
		return true
	}
	return false
}

// IsMultiState reports whether t's present-value class is Unsigned.
func (t ObjectType) IsMultiState() bool {
	switch t {
	case MultiStateInput, MultiStateOutput, MultiStateValue:
		return true
	}
	return false
}

// ObjectID identifies an object instance within the registry and the SSA's
// index set: the (object_type, instance) pair BACnet uses to address an
// object on the wire.
type ObjectID struct {
	Type     ObjectType
	Instance uint32
}

func (id ObjectID) String() string {
	return fmt.Sprintf("%s:%d", id.Type, id.Instance)
}

// ValueKind tags which Go representation a Value carries, mirroring
// BACnet's five present-value typings (Real, Unsigned, Signed, Boolean,
// Enumerated).
type ValueKind int

const (
	ValueReal ValueKind = iota
	ValueUnsigned
	ValueSigned
	ValueBoolean
	ValueEnumerated
	ValueNull
)

func (k ValueKind) String() string {
	switch k {
	case ValueReal:
		return "real"
	case ValueUnsigned:
		return "unsigned"
	case ValueSigned:
		return "signed"
	case ValueBoolean:
		return "boolean"
	case ValueEnumerated:
		return "enumerated"
	case ValueNull:
		return "null"
	default:
		return "unknown"
	}
}

// ParseValueKind converts a wire presentValueType string to a ValueKind.
func ParseValueKind(s string) (ValueKind, bool) {
	switch s {
	case "real":
		return ValueReal, true
	case "unsigned":
		return ValueUnsigned, true
	case "signed":
		return ValueSigned, true
	case "boolean":
		return ValueBoolean, true
	case "enumerated":
		return ValueEnumerated, true
	default:
		return ValueReal, false
	}
}

// ExpectedKind returns the present-value tag an object of type t must carry:
// binary→Boolean, multi-state→Unsigned, analog→Real.
func (t ObjectType) ExpectedKind() ValueKind {
	switch {
	case t.IsBinary():
		return ValueBoolean
	case t.IsMultiState():
		return ValueUnsigned
	default:
		return ValueReal
	}
}

// Value is a tagged present-value, carrying exactly one of the fields
// implied by Kind.
type Value struct {
	Kind     ValueKind
	Real     float32
	Unsigned uint32
	Signed   int32
	Boolean  bool
}

// AsFloat64 coerces the value to a 64-bit float: Real/Double as-is,
// Integer/Unsigned/Enumerated exact cast, Boolean→{0,1}, Null→0.0.
func (v Value) AsFloat64() float64 {
	switch v.Kind {
	case ValueReal:
		return float64(v.Real)
	case ValueUnsigned, ValueEnumerated:
		return float64(v.Unsigned)
	case ValueSigned:
		return float64(v.Signed)
	case ValueBoolean:
		if v.Boolean {
			return 1.0
		}
		return 0.0
	default:
		return 0.0
	}
}

func RealValue(f float32) Value        { return Value{Kind: ValueReal, Real: f} }
func UnsignedValue(u uint32) Value     { return Value{Kind: ValueUnsigned, Unsigned: u} }
func SignedValue(i int32) Value        { return Value{Kind: ValueSigned, Signed: i} }
func BooleanValue(b bool) Value        { return Value{Kind: ValueBoolean, Boolean: b} }
func EnumeratedValue(u uint32) Value   { return Value{Kind: ValueEnumerated, Unsigned: u} }

// StatusFlags mirrors the BACnet Status_Flags bitstring property.
type StatusFlags struct {
	InAlarm      bool
	Fault        bool
	Overridden   bool
	OutOfService bool
}

// Equal reports whether two StatusFlags carry identical bits — used by the
// COV engine's "any status-flag bit flip triggers COV" rule.
func (f StatusFlags) Equal(o StatusFlags) bool {
	return f.InAlarm == o.InAlarm && f.Fault == o.Fault &&
		f.Overridden == o.Overridden && f.OutOfService == o.OutOfService
}

// Reliability mirrors the BACnet Reliability enumeration; only the common
// subset the gateway reports is named.
type Reliability uint32

const (
	ReliabilityNoFaultDetected Reliability = 0
	ReliabilityUnreliableOther Reliability = 7
)

// EventState mirrors the BACnet Event_State enumeration.
type EventState uint32

const (
	EventStateNormal EventState = 0
	EventStateFault  EventState = 1
)

// PropertyID identifies a BACnet object property, reused by
// ReadProperty/WriteProperty handlers.
type PropertyID uint32

const (
	PropPresentValue  PropertyID = 85
	PropStatusFlags   PropertyID = 111
	PropCovIncrement  PropertyID = 22
	PropObjectName    PropertyID = 77
	PropDescription   PropertyID = 28
	PropUnits         PropertyID = 117
	PropReliability   PropertyID = 103
	PropEventState    PropertyID = 36
	PropOutOfService  PropertyID = 81
)

// PropertyValue is one (property, value) pair as carried in a COV
// notification's list-of-values or a ReadPropertyMultiple response.
type PropertyValue struct {
	Property PropertyID
	Value    any
}

// COVNotification is the payload CE hands to the installed BACnet service
// handler for egress, either confirmed or unconfirmed.
type COVNotification struct {
	SubscriberProcessIdentifier uint32
	SubscriberAddress           string
	InitiatingDeviceIdentifier  uint32
	MonitoredObject             ObjectID
	TimeRemaining               uint32
	Values                      []PropertyValue
	Confirmed                   bool
}
