package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the flat JSON object consumers receive. Attributes live
// at the root rather than nested under an envelope so stream processors
// can route on them without decoding the payload.
type wireEvent struct {
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	Timeout   *int64          `json:"timeout"`
	ClusterID string          `json:"cluster_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalWire encodes an event in the flat wire format. The timeout is
// in seconds; nil means the event never expires.
func MarshalWire(e *Event, timeout *time.Duration) ([]byte, error) {
	var seconds *int64
	if timeout != nil {
		s := int64(timeout.Seconds())
		seconds = &s
	}
	data, err := json.Marshal(wireEvent{
		Data:      e.Payload,
		Event:     string(e.Code),
		Timeout:   seconds,
		ClusterID: e.ClusterID,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("replicore/events: marshal wire event: %w", err)
	}
	return data, nil
}

// UnmarshalWire decodes a wire-format event. The event ID is not part
// of the wire format; the returned event has a nil ID.
func UnmarshalWire(data []byte) (*Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("replicore/events: unmarshal wire event: %w", err)
	}
	return &Event{
		Code:      Code(wire.Event),
		ClusterID: wire.ClusterID,
		Timestamp: wire.Timestamp,
		Payload:   wire.Data,
	}, nil
}
