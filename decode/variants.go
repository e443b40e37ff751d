package decode

import (
	"encoding/json"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// ObjectDefinitionMsg carries a full object descriptor plus an optional
// initial present value.
type ObjectDefinitionMsg struct {
	ObjectType       bacnet.ObjectType
	ObjectInstance   uint32
	ObjectName       string
	PresentValueType bacnet.ValueKind

	Description   string
	UnitsCode     uint16
	UnitsText     string
	CovIncrement  float32
	MinPresentVal *float32
	MaxPresentVal *float32
	StateTexts    []string
	InactiveText  string
	ActiveText    string
	PriorityArray bool

	HasInitialValue bool
	InitialValue    bacnet.Value
}

func decodeObjectDefinition(payload json.RawMessage) (*ObjectDefinitionMsg, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &Error{Kind: InvalidEncoding, Msg: err.Error()}
	}

	objType, err := requireObjectType(m, "objectType")
	if err != nil {
		return nil, err
	}
	instance, err := requireUint32(m, "objectInstance")
	if err != nil {
		return nil, err
	}
	name, err := requireString(m, "objectName")
	if err != nil {
		return nil, err
	}
	pvTypeStr, err := requireString(m, "presentValueType")
	if err != nil {
		return nil, err
	}
	pvKind, ok := bacnet.ParseValueKind(pvTypeStr)
	if !ok {
		return nil, errValue("presentValueType", "unrecognised value type")
	}
	if pvKind != objType.ExpectedKind() {
		return nil, errValue("presentValueType", "does not match object type's value class")
	}

	msg := &ObjectDefinitionMsg{
		ObjectType:       objType,
		ObjectInstance:   instance,
		ObjectName:       name,
		PresentValueType: pvKind,
		Description:      optionalString(m, "description", ""),
		UnitsCode:        optionalUint16(m, "units", 95),
		UnitsText:        optionalString(m, "unitsText", ""),
		CovIncrement:     optionalFloat32(m, "covIncrement", 0),
		InactiveText:     optionalString(m, "inactiveText", "Inactive"),
		ActiveText:       optionalString(m, "activeText", "Active"),
		PriorityArray:    optionalBool(m, "priorityArray", false),
	}

	if raw, ok := m["minPresentValue"]; ok {
		var f float32
		if json.Unmarshal(raw, &f) == nil {
			msg.MinPresentVal = &f
		}
	}
	if raw, ok := m["maxPresentValue"]; ok {
		var f float32
		if json.Unmarshal(raw, &f) == nil {
			msg.MaxPresentVal = &f
		}
	}
	if raw, ok := m["stateTexts"]; ok {
		var texts []string
		if err := json.Unmarshal(raw, &texts); err == nil {
			if len(texts) > 16 {
				texts = texts[:16]
			}
			msg.StateTexts = texts
		}
	}

	if raw, ok := m["initialValue"]; ok {
		v, err := decodeTypedValue(raw, pvKind)
		if err != nil {
			return nil, err
		}
		msg.HasInitialValue = true
		msg.InitialValue = v
	}

	return msg, nil
}

// ValueUpdateMsg carries a present-value change for an existing object.
type ValueUpdateMsg struct {
	ObjectType      bacnet.ObjectType
	ObjectInstance  uint32
	PresentValue    bacnet.Value
	Quality         string
	HasStatusFlags  bool
	StatusFlags     bacnet.StatusFlags
	Priority        *uint8
	HasSourceTS     bool
	SourceTSMs      int64
}

func decodeValueUpdate(payload json.RawMessage) (*ValueUpdateMsg, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &Error{Kind: InvalidEncoding, Msg: err.Error()}
	}

	objType, err := requireObjectType(m, "objectType")
	if err != nil {
		return nil, err
	}
	instance, err := requireUint32(m, "objectInstance")
	if err != nil {
		return nil, err
	}
	raw, ok := m["presentValue"]
	if !ok {
		return nil, errMissing("presentValue")
	}
	value, err := decodeTypedValue(raw, objType.ExpectedKind())
	if err != nil {
		return nil, err
	}

	msg := &ValueUpdateMsg{
		ObjectType:     objType,
		ObjectInstance: instance,
		PresentValue:   value,
		Quality:        optionalString(m, "quality", "good"),
	}

	if sfRaw, ok := m["statusFlags"]; ok {
		var sf struct {
			InAlarm      bool `json:"inAlarm"`
			Fault        bool `json:"fault"`
			Overridden   bool `json:"overridden"`
			OutOfService bool `json:"outOfService"`
		}
		if json.Unmarshal(sfRaw, &sf) == nil {
			msg.HasStatusFlags = true
			msg.StatusFlags = bacnet.StatusFlags(sf)
		}
	}
	if pRaw, ok := m["priority"]; ok {
		var p uint8
		if json.Unmarshal(pRaw, &p) == nil {
			msg.Priority = &p
		}
	}
	if tsRaw, ok := m["sourceTimestamp"]; ok {
		var ts string
		if json.Unmarshal(tsRaw, &ts) == nil {
			if ms, ok := parseISO8601(ts); ok {
				msg.HasSourceTS = true
				msg.SourceTSMs = ms
			}
		}
	}

	return msg, nil
}

// ObjectDeleteMsg requests removal of an object.
type ObjectDeleteMsg struct {
	ObjectType     bacnet.ObjectType
	ObjectInstance uint32
	Reason         string
}

func decodeObjectDelete(payload json.RawMessage) (*ObjectDeleteMsg, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &Error{Kind: InvalidEncoding, Msg: err.Error()}
	}
	objType, err := requireObjectType(m, "objectType")
	if err != nil {
		return nil, err
	}
	instance, err := requireUint32(m, "objectInstance")
	if err != nil {
		return nil, err
	}
	return &ObjectDeleteMsg{
		ObjectType:     objType,
		ObjectInstance: instance,
		Reason:         optionalString(m, "reason", ""),
	}, nil
}

// DeviceConfigMsg carries device-metadata field updates; Has* flags record
// which fields the sender actually supplied.
type DeviceConfigMsg struct {
	HasInstance bool
	Instance    uint32
	HasName     bool
	Name        string
	HasDesc     bool
	Description string
	HasLocation bool
	Location    string
	HasVendorID bool
	VendorID    uint32
	HasVendorNm bool
	VendorName  string
	HasModel    bool
	Model       string
}

func decodeDeviceConfig(payload json.RawMessage) (*DeviceConfigMsg, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &Error{Kind: InvalidEncoding, Msg: err.Error()}
	}
	msg := &DeviceConfigMsg{}
	if raw, ok := m["instance"]; ok {
		var v uint32
		if json.Unmarshal(raw, &v) == nil {
			msg.HasInstance, msg.Instance = true, v
		}
	}
	if raw, ok := m["name"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			msg.HasName, msg.Name = true, v
		}
	}
	if raw, ok := m["description"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			msg.HasDesc, msg.Description = true, v
		}
	}
	if raw, ok := m["location"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			msg.HasLocation, msg.Location = true, v
		}
	}
	if raw, ok := m["vendorId"]; ok {
		var v uint32
		if json.Unmarshal(raw, &v) == nil {
			msg.HasVendorID, msg.VendorID = true, v
		}
	}
	if raw, ok := m["vendorName"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			msg.HasVendorNm, msg.VendorName = true, v
		}
	}
	if raw, ok := m["model"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			msg.HasModel, msg.Model = true, v
		}
	}
	return msg, nil
}

// decodeTypedValue decodes a JSON value per the value kind a BACnet object
// class demands (binary→Boolean, multi-state→Unsigned, analog→Real).
func decodeTypedValue(raw json.RawMessage, kind bacnet.ValueKind) (bacnet.Value, error) {
	switch kind {
	case bacnet.ValueBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return bacnet.Value{}, errType("presentValue", "expected boolean")
		}
		return bacnet.BooleanValue(b), nil
	case bacnet.ValueUnsigned:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f < 0 {
			return bacnet.Value{}, errType("presentValue", "expected non-negative number")
		}
		return bacnet.UnsignedValue(uint32(f)), nil
	case bacnet.ValueSigned:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return bacnet.Value{}, errType("presentValue", "expected number")
		}
		return bacnet.SignedValue(int32(f)), nil
	case bacnet.ValueEnumerated:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f < 0 {
			return bacnet.Value{}, errType("presentValue", "expected non-negative number")
		}
		return bacnet.EnumeratedValue(uint32(f)), nil
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return bacnet.Value{}, errType("presentValue", "expected number")
		}
		return bacnet.RealValue(float32(f)), nil
	}
}
