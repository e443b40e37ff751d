// Package decode implements the Event Decoder: parsing structured event
// envelopes into strongly-typed message variants. It performs no I/O.
package decode

import (
	"encoding/json"
	"fmt"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// MessageType identifies one of the four event envelope variants.
type MessageType string

const (
	ObjectDefinition MessageType = "ObjectDefinition"
	ValueUpdate      MessageType = "ValueUpdate"
	ObjectDelete     MessageType = "ObjectDelete"
	DeviceConfig     MessageType = "DeviceConfig"
)

// ErrorKind classifies a decode failure.
type ErrorKind string

const (
	InvalidEncoding   ErrorKind = "InvalidEncoding"
	MissingField      ErrorKind = "MissingField"
	InvalidType       ErrorKind = "InvalidType"
	InvalidValue      ErrorKind = "InvalidValue"
	UnknownMessageType ErrorKind = "UnknownMessageType"
)

// Error is the error type ED returns; callers switch on Kind.
type Error struct {
	Kind  ErrorKind
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode: %s: %s: %s", e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Msg)
}

func errMissing(field string) *Error {
	return &Error{Kind: MissingField, Field: field, Msg: "required field missing"}
}

func errType(field, msg string) *Error {
	return &Error{Kind: InvalidType, Field: field, Msg: msg}
}

func errValue(field, msg string) *Error {
	return &Error{Kind: InvalidValue, Field: field, Msg: msg}
}

// rawEnvelope is the envelope shape as it appears on the wire.
type rawEnvelope struct {
	MessageType    string          `json:"messageType"`
	SourceID       string          `json:"sourceId"`
	Timestamp      string          `json:"timestamp"`
	StreamPosition *uint64         `json:"streamPosition"`
	CorrelationID  string          `json:"correlationId"`
	Payload        json.RawMessage `json:"payload"`
}

// Envelope carries the common fields every decoded event exposes, plus the
// decoded payload variant in Message.
type Envelope struct {
	MessageType    MessageType
	SourceID       string
	HasTimestamp   bool
	TimestampMs    int64
	StreamPosition uint64
	CorrelationID  string
	Message        any // one of *ObjectDefinitionMsg, *ValueUpdateMsg, *ObjectDeleteMsg, *DeviceConfigMsg
}

// Decode parses raw bytes into an Envelope. Required-field violations and
// encoding errors fail decoding; optional-field defects never do, except a
// malformed payload fails per variant rules below.
func Decode(data []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Kind: InvalidEncoding, Msg: err.Error()}
	}

	if raw.MessageType == "" {
		return nil, errMissing("messageType")
	}
	if raw.SourceID == "" {
		return nil, errMissing("sourceId")
	}
	if raw.Payload == nil {
		return nil, errMissing("payload")
	}

	env := &Envelope{
		SourceID:      raw.SourceID,
		CorrelationID: raw.CorrelationID,
	}
	if raw.StreamPosition != nil {
		env.StreamPosition = *raw.StreamPosition
	}
	if raw.Timestamp != "" {
		if ms, ok := parseISO8601(raw.Timestamp); ok {
			env.HasTimestamp = true
			env.TimestampMs = ms
		}
		// malformed timestamp: HasTimestamp stays false, decoding continues
	}

	switch MessageType(raw.MessageType) {
	case ObjectDefinition:
		msg, err := decodeObjectDefinition(raw.Payload)
		if err != nil {
			return nil, err
		}
		env.MessageType = ObjectDefinition
		env.Message = msg
	case ValueUpdate:
		msg, err := decodeValueUpdate(raw.Payload)
		if err != nil {
			return nil, err
		}
		env.MessageType = ValueUpdate
		env.Message = msg
	case ObjectDelete:
		msg, err := decodeObjectDelete(raw.Payload)
		if err != nil {
			return nil, err
		}
		env.MessageType = ObjectDelete
		env.Message = msg
	case DeviceConfig:
		msg, err := decodeDeviceConfig(raw.Payload)
		if err != nil {
			return nil, err
		}
		env.MessageType = DeviceConfig
		env.Message = msg
	default:
		return nil, &Error{Kind: UnknownMessageType, Msg: raw.MessageType}
	}

	return env, nil
}

// requireObjectType parses and validates a required objectType field.
func requireObjectType(m map[string]json.RawMessage, field string) (bacnet.ObjectType, error) {
	raw, ok := m[field]
	if !ok {
		return 0, errMissing(field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errType(field, "expected string")
	}
	t, ok := bacnet.ParseObjectType(s)
	if !ok {
		return 0, errValue(field, fmt.Sprintf("unknown object type %q", s))
	}
	return t, nil
}

func requireUint32(m map[string]json.RawMessage, field string) (uint32, error) {
	raw, ok := m[field]
	if !ok {
		return 0, errMissing(field)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, errType(field, "expected number")
	}
	if f < 0 {
		return 0, errValue(field, "must be non-negative")
	}
	return uint32(f), nil
}

func requireString(m map[string]json.RawMessage, field string) (string, error) {
	raw, ok := m[field]
	if !ok {
		return "", errMissing(field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errType(field, "expected string")
	}
	return s, nil
}

func optionalString(m map[string]json.RawMessage, field, def string) string {
	raw, ok := m[field]
	if !ok {
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return def
	}
	return s
}

func optionalFloat32(m map[string]json.RawMessage, field string, def float32) float32 {
	raw, ok := m[field]
	if !ok {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return def
	}
	return float32(f)
}

func optionalUint16(m map[string]json.RawMessage, field string, def uint16) uint16 {
	raw, ok := m[field]
	if !ok {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return def
	}
	return uint16(f)
}

func optionalBool(m map[string]json.RawMessage, field string, def bool) bool {
	raw, ok := m[field]
	if !ok {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return def
	}
	return b
}
