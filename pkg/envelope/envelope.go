// Package envelope defines the validated, typed in-memory form of one inbound
// device message and the codec that converts it to and from the wire format.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the closed classification of inbound device messages. Values
// outside the known set are coerced to TypeUnknown so that devices emitting
// new kinds remain routable before a handler exists for them.
type MessageType string

const (
	TypeTelemetry MessageType = "telemetry"
	TypeFleet     MessageType = "fleet"
	TypeSport     MessageType = "sport"
	TypeUnknown   MessageType = "unknown"
)

// Metadata keys set by the codec.
const (
	MetadataKeySource             = "source"
	MetadataKeyPriority           = "priority"
	MetadataKeySyntheticTimestamp = "synthetic_timestamp"
)

// Defaults applied when a device omits optional metadata.
const (
	defaultSource   = "mqtt"
	defaultPriority = "normal"
)

// Classified decode failures. Both are non-fatal to the pipeline: the raw
// message is dead-lettered with its reason and processing continues.
var (
	// ErrMalformedPayload indicates the raw bytes were not a structured document.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingField indicates a required field was absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// Envelope is the unit of work flowing through the pipeline. It is fully
// populated by Decode and must not be mutated afterwards.
type Envelope struct {
	// MessageType is the normalized classification tag.
	MessageType MessageType `json:"message_type"`
	// BikeID is the opaque device identifier reported in the payload.
	BikeID string `json:"bike_id"`
	// Timestamp is the device-reported emission time in epoch seconds. It may
	// be skewed or stale; consumers must not assume monotonicity across devices.
	Timestamp int64 `json:"timestamp"`
	// Data carries the type-specific fields. The router never inspects it.
	Data map[string]any `json:"data"`
	// Metadata carries at least "source" and "priority".
	Metadata map[string]string `json:"metadata"`
}

// wireEnvelope uses pointer fields so absent keys can be distinguished from
// zero values during validation.
type wireEnvelope struct {
	MessageType *string           `json:"message_type"`
	BikeID      *string           `json:"bike_id"`
	Timestamp   *int64            `json:"timestamp"`
	Data        map[string]any    `json:"data"`
	Metadata    map[string]string `json:"metadata"`
}

// NormalizeType maps an arbitrary message_type value onto the closed set.
func NormalizeType(raw string) MessageType {
	switch MessageType(raw) {
	case TypeTelemetry, TypeFleet, TypeSport:
		return MessageType(raw)
	default:
		return TypeUnknown
	}
}

// Decode parses and validates a raw broker payload. receivedAt is the broker
// receipt time, used only when the device omitted its own timestamp; in that
// case the envelope is flagged with synthetic_timestamp=true so handlers can
// distinguish device-reported from inferred time.
//
// Decode either returns a fully valid Envelope or a classified error; there
// is no partially populated result.
func Decode(raw []byte, receivedAt time.Time) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if wire.MessageType == nil || *wire.MessageType == "" {
		return nil, fmt.Errorf("%w: message_type", ErrMissingField)
	}
	if wire.BikeID == nil || *wire.BikeID == "" {
		return nil, fmt.Errorf("%w: bike_id", ErrMissingField)
	}

	env := &Envelope{
		MessageType: NormalizeType(*wire.MessageType),
		BikeID:      *wire.BikeID,
		Data:        wire.Data,
		Metadata:    make(map[string]string, len(wire.Metadata)+1),
	}
	for k, v := range wire.Metadata {
		env.Metadata[k] = v
	}
	if _, ok := env.Metadata[MetadataKeySource]; !ok {
		env.Metadata[MetadataKeySource] = defaultSource
	}
	if _, ok := env.Metadata[MetadataKeyPriority]; !ok {
		env.Metadata[MetadataKeyPriority] = defaultPriority
	}

	if wire.Timestamp != nil {
		env.Timestamp = *wire.Timestamp
	} else {
		env.Timestamp = receivedAt.Unix()
		env.Metadata[MetadataKeySyntheticTimestamp] = "true"
	}

	if env.Data == nil {
		env.Data = map[string]any{}
	}

	return env, nil
}

// Encode serializes an Envelope back to its wire representation. It is used
// for synthetic test messages and for dead-letter records.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("envelope cannot be nil")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return payload, nil
}
